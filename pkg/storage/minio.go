// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
// 聊天日志的导出文件会在这里做留存归档。
package storage

import (
	"bytes"
	"context"
	"errors"
	"time"

	"ragchat-go/internal/config"
	"ragchat-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

var bucketName string

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	var err error

	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}
	bucketName = cfg.BucketName

	log.Info("MinIO 客户端初始化成功")

	// 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	ctx := context.Background()
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}

	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		err = MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", bucketName)
	}
}

// ArchiveExport 将导出文件写入留存桶，返回对象名。
// 调用方把它当作尽力而为的归档：失败只记日志，不影响下载。
func ArchiveExport(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	if MinioClient == nil {
		return "", errors.New("minio client not initialized")
	}
	_, err := MinioClient.PutObject(ctx, bucketName, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", err
	}
	return objectName, nil
}

// PresignedArchiveURL 为已归档的导出对象生成一个限时下载链接。
func PresignedArchiveURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	if MinioClient == nil {
		return "", errors.New("minio client not initialized")
	}
	presignedURL, err := MinioClient.PresignedGetObject(ctx, bucketName, objectName, expiry, nil)
	if err != nil {
		return "", err
	}
	return presignedURL.String(), nil
}
