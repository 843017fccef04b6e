package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message 是会话记录里的一条角色消息。
type Message struct {
	ID        string  `json:"id,omitempty"`
	Role      string  `json:"role"` // "system"、"user" 或 "assistant"
	Content   string  `json:"content"`
	CreatedAt float64 `json:"created_at,omitempty"`
	Thumbup   *bool   `json:"thumbup,omitempty"`
	Feedback  string  `json:"feedback,omitempty"`
}

// Reference 是一轮回答对应的引用块：命中的分块和文档聚合。
type Reference struct {
	Chunks  []JSONMap `json:"chunks"`
	DocAggs []JSONMap `json:"doc_aggs"`
}

// MessageList / ReferenceList 以 JSON 列形式持久化。
type MessageList []Message

func (l MessageList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *MessageList) Scan(value interface{}) error {
	if value == nil {
		*l = MessageList{}
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, l)
}

type ReferenceList []Reference

func (l ReferenceList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *ReferenceList) Scan(value interface{}) error {
	if value == nil {
		*l = ReferenceList{}
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, l)
}

// Conversation 对应 'conversations' 表，保存一次对话的完整转录。
// message 与 reference 是并行列表：每轮助手回答对应一个引用块。
type Conversation struct {
	ID         string        `gorm:"type:char(36);primaryKey" json:"id"`
	DialogID   string        `gorm:"type:char(36);index;not null" json:"dialog_id"`
	UserID     string        `gorm:"type:varchar(64);index" json:"user_id"`
	Name       string        `gorm:"type:varchar(255)" json:"name"`
	Message    MessageList   `gorm:"type:json" json:"message"`
	Reference  ReferenceList `gorm:"type:json" json:"reference"`
	CreateTime time.Time     `gorm:"column:create_time;index" json:"create_time"`
	UpdateTime time.Time     `gorm:"column:update_time" json:"update_time"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Conversation) TableName() string {
	return "conversations"
}

// BeforeCreate GORM 钩子：创建前生成 UUID 并补齐时间戳。
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now()
	if c.CreateTime.IsZero() {
		c.CreateTime = now
	}
	c.UpdateTime = now
	return nil
}
