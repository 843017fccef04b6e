package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 日志来源：一条记录由哪个入口产生。
const (
	SourceCompletion = "completion"
	SourceAsk        = "ask"
	SourceAgent      = "agent"
	SourceFlagged    = "flagged"
)

// 日志类型：由 is_flagged 派生，不允许独立设置。
const (
	LogTypeNormal  = "normal"
	LogTypeFlagged = "flagged"
)

// 标记原因的约定取值（flag 过滤器依赖精确匹配）。
const (
	FlagReasonOutOfScope    = "out of scope"
	FlagReasonInappropriate = "inappropriate"
)

// ChatLog 对应 'chat_logs' 表，每次提问产生一条审计记录。
// 不变量：log_type == "flagged" 当且仅当 is_flagged == true，所有写路径都要维持。
type ChatLog struct {
	ID             string     `gorm:"type:char(36);primaryKey" json:"id"`
	TenantID       string     `gorm:"type:varchar(64);index;not null" json:"tenant_id"`
	UserID         string     `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Question       string     `gorm:"type:text;not null" json:"question"`
	Response       *string    `gorm:"type:text" json:"response"`
	IsFlagged      bool       `gorm:"default:false" json:"is_flagged"`
	FlagReason     *string    `gorm:"type:varchar(255)" json:"flag_reason"`
	LogType        string     `gorm:"type:varchar(20);not null;default:normal" json:"log_type"`
	DialogID       *string    `gorm:"type:char(36);index" json:"dialog_id"`
	ConversationID *string    `gorm:"type:char(36);index" json:"conversation_id"`
	KbIDs          StringList `gorm:"type:json" json:"kb_ids"`
	Metadata       JSONMap    `gorm:"type:json" json:"metadata"`
	TokensUsed     int        `gorm:"default:0" json:"tokens_used"`
	ResponseTime   float64    `gorm:"default:0" json:"response_time"`
	Source         string     `gorm:"type:varchar(20);not null;default:completion" json:"source"`
	CreateTime     time.Time  `gorm:"column:create_time;index" json:"create_time"`
	UpdateTime     time.Time  `gorm:"column:update_time" json:"update_time"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ChatLog) TableName() string {
	return "chat_logs"
}

// BeforeCreate GORM 钩子：创建前生成 UUID、补齐时间戳并重算 log_type。
func (l *ChatLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	now := time.Now()
	if l.CreateTime.IsZero() {
		l.CreateTime = now
	}
	if l.UpdateTime.IsZero() {
		l.UpdateTime = l.CreateTime
	}
	l.LogType = DeriveLogType(l.IsFlagged)
	return nil
}

// DeriveLogType 根据 is_flagged 派生 log_type。
func DeriveLogType(isFlagged bool) string {
	if isFlagged {
		return LogTypeFlagged
	}
	return LogTypeNormal
}

// ResponseText 返回响应文本，response 为空时返回空字符串。
func (l *ChatLog) ResponseText() string {
	if l.Response == nil {
		return ""
	}
	return *l.Response
}

// FlagReasonText 返回标记原因，未标记时返回空字符串。
func (l *ChatLog) FlagReasonText() string {
	if l.FlagReason == nil {
		return ""
	}
	return *l.FlagReason
}
