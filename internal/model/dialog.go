package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Dialog 对应 'dialogs' 表：一个配置好的聊天代理
// （开场白、模型设置、关联的知识库），会话由它实例化。
type Dialog struct {
	ID         string     `gorm:"type:char(36);primaryKey" json:"id"`
	TenantID   string     `gorm:"type:varchar(64);index;not null" json:"tenant_id"`
	Name       string     `gorm:"type:varchar(255);not null" json:"name"`
	Icon       string     `gorm:"type:text" json:"icon"`
	Prologue   string     `gorm:"type:text" json:"prologue"`
	KbIDs      StringList `gorm:"type:json" json:"kb_ids"`
	LLMID      string     `gorm:"column:llm_id;type:varchar(128)" json:"llm_id"`
	LLMSetting JSONMap    `gorm:"column:llm_setting;type:json" json:"llm_setting"`
	Status     string     `gorm:"type:varchar(10);default:1" json:"status"`
	CreateTime time.Time  `gorm:"column:create_time" json:"create_time"`
	UpdateTime time.Time  `gorm:"column:update_time" json:"update_time"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Dialog) TableName() string {
	return "dialogs"
}

// BeforeCreate GORM 钩子：创建前生成 UUID 并补齐时间戳。
func (d *Dialog) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now()
	if d.CreateTime.IsZero() {
		d.CreateTime = now
	}
	d.UpdateTime = now
	return nil
}
