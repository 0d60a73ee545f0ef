package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/BoweryJG/repconnect/internal/models"
	"github.com/BoweryJG/repconnect/internal/utils"
)

type CallHistoryRepo interface {
	Insert(ctx context.Context, h *models.CallHistory) error
	GetByCallSID(ctx context.Context, callSID string) (*models.CallHistory, error)
	UpdateByCallSID(ctx context.Context, callSID string, fields map[string]any) error
	ListByContact(ctx context.Context, contactID string, limit int) ([]models.CallHistory, error)
}

type callHistoryRepo struct {
	db *gorm.DB
}

func NewCallHistoryRepo(db *gorm.DB) CallHistoryRepo {
	return &callHistoryRepo{db: db}
}

func (r *callHistoryRepo) Insert(ctx context.Context, h *models.CallHistory) error {
	return r.db.WithContext(ctx).Create(h).Error
}

func (r *callHistoryRepo) GetByCallSID(ctx context.Context, callSID string) (*models.CallHistory, error) {
	var row models.CallHistory
	err := r.db.WithContext(ctx).
		Where("call_sid = ?", callSID).
		Order("created_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &row, err
}

func (r *callHistoryRepo) UpdateByCallSID(ctx context.Context, callSID string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.CallHistory{}).
		Where("call_sid = ?", callSID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrNotFound
	}
	return nil
}

func (r *callHistoryRepo) ListByContact(ctx context.Context, contactID string, limit int) ([]models.CallHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.CallHistory
	err := r.db.WithContext(ctx).
		Where("contact_id = ?", contactID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
