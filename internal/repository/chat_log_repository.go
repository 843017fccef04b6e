// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"ragchat-go/internal/model"
)

// ChatLogFilter 描述一次日志扫描的筛选条件。
// 指针字段为 nil 表示不参与过滤；布尔与字符串条件之间是 AND 关系。
type ChatLogFilter struct {
	TenantID       string
	UserID         *string
	ConversationID *string
	IsFlagged      *bool
	FlagReason     *string
	LogType        *string
	Source         *string
	// Ascending 为 true 时按 create_time 升序返回，默认降序（最新在前）。
	Ascending bool
	// Limit 大于 0 时限制返回条数。
	Limit int
}

// ChatLogRepository 接口定义了聊天日志的持久化操作。
type ChatLogRepository interface {
	Create(entry *model.ChatLog) (string, error)
	Update(id string, fields map[string]interface{}) (bool, error)
	Scan(filter ChatLogFilter) ([]model.ChatLog, error)
	DeleteByTenant(tenantID string) (int64, error)
}

// chatLogRepository 是 ChatLogRepository 接口的 GORM 实现。
type chatLogRepository struct {
	db *gorm.DB
}

// NewChatLogRepository 创建一个新的 ChatLogRepository 实例。
func NewChatLogRepository(db *gorm.DB) ChatLogRepository {
	return &chatLogRepository{db: db}
}

// Create 在数据库中创建一条新的聊天日志，返回生成的日志 ID。
// ID、时间戳和 log_type 由模型的 BeforeCreate 钩子补齐。
func (r *chatLogRepository) Create(entry *model.ChatLog) (string, error) {
	if err := r.db.Create(entry).Error; err != nil {
		return "", err
	}
	return entry.ID, nil
}

// Update 对一条日志做字段级部分更新，返回是否命中了记录。
// 未出现在 fields 中的字段保持不变；同一字段以后写入者为准。
// 当 is_flagged 参与更新时，log_type 会被联动改写以保持两者一致。
func (r *chatLogRepository) Update(id string, fields map[string]interface{}) (bool, error) {
	if len(fields) == 0 {
		return false, errors.New("no fields to update")
	}

	updates := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		updates[k] = v
	}
	if flagged, ok := updates["is_flagged"]; ok {
		if b, ok := flagged.(bool); ok {
			updates["log_type"] = model.DeriveLogType(b)
		}
	}
	updates["update_time"] = time.Now()

	result := r.db.Model(&model.ChatLog{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Scan 按筛选条件检索聊天日志。
func (r *chatLogRepository) Scan(filter ChatLogFilter) ([]model.ChatLog, error) {
	db := r.db.Model(&model.ChatLog{})

	if filter.TenantID != "" {
		db = db.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.UserID != nil {
		db = db.Where("user_id = ?", *filter.UserID)
	}
	if filter.ConversationID != nil {
		db = db.Where("conversation_id = ?", *filter.ConversationID)
	}
	if filter.IsFlagged != nil {
		db = db.Where("is_flagged = ?", *filter.IsFlagged)
	}
	if filter.FlagReason != nil {
		db = db.Where("flag_reason = ?", *filter.FlagReason)
	}
	if filter.LogType != nil {
		db = db.Where("log_type = ?", *filter.LogType)
	}
	if filter.Source != nil {
		db = db.Where("source = ?", *filter.Source)
	}

	if filter.Ascending {
		db = db.Order("create_time ASC")
	} else {
		db = db.Order("create_time DESC")
	}
	if filter.Limit > 0 {
		db = db.Limit(filter.Limit)
	}

	var logs []model.ChatLog
	err := db.Find(&logs).Error
	return logs, err
}

// DeleteByTenant 删除某租户的全部聊天日志，返回删除条数。
func (r *chatLogRepository) DeleteByTenant(tenantID string) (int64, error) {
	result := r.db.Where("tenant_id = ?", tenantID).Delete(&model.ChatLog{})
	return result.RowsAffected, result.Error
}
