package repository

import (
	"errors"

	"gorm.io/gorm"

	"ragchat-go/internal/model"
)

// DialogRepository 接口定义了对话应用配置的持久化操作。
type DialogRepository interface {
	Create(dialog *model.Dialog) error
	GetByID(id string) (*model.Dialog, error)
	GetByIDAndTenant(id, tenantID string) (*model.Dialog, error)
	ListByTenant(tenantID string) ([]model.Dialog, error)
}

// dialogRepository 是 DialogRepository 接口的 GORM 实现。
type dialogRepository struct {
	db *gorm.DB
}

// NewDialogRepository 创建一个新的 DialogRepository 实例。
func NewDialogRepository(db *gorm.DB) DialogRepository {
	return &dialogRepository{db: db}
}

// Create 在数据库中创建一条新的对话应用配置。
func (r *dialogRepository) Create(dialog *model.Dialog) error {
	return r.db.Create(dialog).Error
}

// GetByID 根据 ID 查找对话应用，不存在时返回 ErrNotFound。
func (r *dialogRepository) GetByID(id string) (*model.Dialog, error) {
	var dialog model.Dialog
	err := r.db.Where("id = ?", id).First(&dialog).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dialog, nil
}

// GetByIDAndTenant 在租户范围内查找对话应用，用于归属校验。
func (r *dialogRepository) GetByIDAndTenant(id, tenantID string) (*model.Dialog, error) {
	var dialog model.Dialog
	err := r.db.Where("id = ? AND tenant_id = ?", id, tenantID).First(&dialog).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dialog, nil
}

// ListByTenant 列出某租户的全部对话应用。
func (r *dialogRepository) ListByTenant(tenantID string) ([]model.Dialog, error) {
	var dialogs []model.Dialog
	err := r.db.Where("tenant_id = ?", tenantID).Order("create_time DESC").Find(&dialogs).Error
	return dialogs, err
}
