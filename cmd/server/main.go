// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"ragchat-go/internal/config"
	"ragchat-go/internal/handler"
	"ragchat-go/internal/middleware"
	"ragchat-go/internal/repository"
	"ragchat-go/internal/service"
	"ragchat-go/pkg/database"
	"ragchat-go/pkg/es"
	"ragchat-go/pkg/kafka"
	"ragchat-go/pkg/llm"
	"ragchat-go/pkg/log"
	"ragchat-go/pkg/storage"
	"ragchat-go/pkg/token"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库与外部依赖
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	if err := es.InitES(cfg.Elasticsearch); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	chatLogRepo := repository.NewChatLogRepository(database.DB)
	conversationRepo := repository.NewConversationRepository(database.DB)
	dialogRepo := repository.NewDialogRepository(database.DB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	llmClient := llm.NewClient(cfg.LLM)
	chatLogService := service.NewChatLogService(chatLogRepo)
	flaggerService := service.NewFlaggerService(llmClient, database.RDB, cfg.Flagger)
	chatEngine := service.NewChatEngine(llmClient, flaggerService)
	conversationService := service.NewConversationService(conversationRepo, dialogRepo, chatLogService, chatEngine)

	// 6. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 7. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		// 聊天日志路由组，需要认证
		chatLog := apiV1.Group("/chatlog")
		chatLog.Use(middleware.AuthMiddleware(jwtManager))
		{
			chatLogHandler := handler.NewChatLogHandler(chatLogService)
			chatLog.GET("/list", chatLogHandler.List)
			chatLog.GET("/flagged", chatLogHandler.Flagged)
			chatLog.GET("/statistics", chatLogHandler.Statistics)
			chatLog.GET("/user/:user_id", chatLogHandler.UserLogs)
			chatLog.GET("/conversation/:conversation_id", chatLogHandler.ConversationLogs)
			chatLog.GET("/export", chatLogHandler.Export)
			chatLog.DELETE("/delete_all", chatLogHandler.DeleteAll)
		}

		// 会话路由组，需要认证
		conversation := apiV1.Group("/conversation")
		conversation.Use(middleware.AuthMiddleware(jwtManager))
		{
			conversationHandler := handler.NewConversationHandler(conversationService)
			conversation.POST("/set", conversationHandler.Set)
			conversation.GET("/get", conversationHandler.Get)
			conversation.POST("/rm", conversationHandler.Remove)
			conversation.GET("/list", conversationHandler.List)
			conversation.POST("/completion", conversationHandler.Completion)
			conversation.POST("/ask", conversationHandler.Ask)
			conversation.POST("/delete_msg", conversationHandler.DeleteMessage)
			conversation.POST("/thumbup", conversationHandler.Thumbup)
		}
	}

	// 8. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
