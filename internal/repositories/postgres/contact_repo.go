package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/BoweryJG/repconnect/internal/models"
)

type ContactRepo interface {
	// ListForScoring returns the contacts an owner can call. An empty
	// ownerID lists every contact.
	ListForScoring(ctx context.Context, ownerID string, limit int) ([]models.Contact, error)
}

type contactRepo struct {
	db *gorm.DB
}

func NewContactRepo(db *gorm.DB) ContactRepo {
	return &contactRepo{db: db}
}

func (r *contactRepo) ListForScoring(ctx context.Context, ownerID string, limit int) ([]models.Contact, error) {
	if limit <= 0 {
		limit = 5000
	}
	q := r.db.WithContext(ctx).
		Where("phone_number IS NOT NULL AND phone_number <> ''")
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	var rows []models.Contact
	err := q.Order("id ASC").Limit(limit).Find(&rows).Error
	return rows, err
}
