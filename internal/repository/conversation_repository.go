package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"ragchat-go/internal/model"
)

// ErrNotFound 表示请求的记录不存在。
var ErrNotFound = errors.New("record not found")

// ConversationRepository 接口定义了会话记录的持久化操作。
type ConversationRepository interface {
	Create(conv *model.Conversation) error
	GetByID(id string) (*model.Conversation, error)
	Save(conv *model.Conversation) error
	UpdateByID(id string, fields map[string]interface{}) error
	DeleteByIDs(ids []string) (int64, error)
	ListByDialog(dialogID string) ([]model.Conversation, error)
}

// conversationRepository 是 ConversationRepository 接口的 GORM 实现。
type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

// Create 在数据库中创建一条新的会话记录。
func (r *conversationRepository) Create(conv *model.Conversation) error {
	return r.db.Create(conv).Error
}

// GetByID 根据会话 ID 查找会话，不存在时返回 ErrNotFound。
func (r *conversationRepository) GetByID(id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// Save 整体保存一条会话记录（含消息与引用列表）。
func (r *conversationRepository) Save(conv *model.Conversation) error {
	conv.UpdateTime = time.Now()
	return r.db.Save(conv).Error
}

// UpdateByID 对会话做字段级部分更新。
func (r *conversationRepository) UpdateByID(id string, fields map[string]interface{}) error {
	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["update_time"] = time.Now()
	return r.db.Model(&model.Conversation{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteByIDs 批量删除会话，返回删除条数。
func (r *conversationRepository) DeleteByIDs(ids []string) (int64, error) {
	result := r.db.Where("id IN ?", ids).Delete(&model.Conversation{})
	return result.RowsAffected, result.Error
}

// ListByDialog 列出某个对话应用下的全部会话，按创建时间降序。
func (r *conversationRepository) ListByDialog(dialogID string) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := r.db.Where("dialog_id = ?", dialogID).Order("create_time DESC").Find(&convs).Error
	return convs, err
}
