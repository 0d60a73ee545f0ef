package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/BoweryJG/repconnect/internal/models"
	"github.com/BoweryJG/repconnect/internal/utils"
)

type QueuedCallRepo interface {
	InsertMany(ctx context.Context, calls []models.QueuedCall) error
	Insert(ctx context.Context, call *models.QueuedCall) error
	GetByID(ctx context.Context, id string) (*models.QueuedCall, error)
	UpdateByID(ctx context.Context, id string, fields map[string]any) error
	// ClaimPending moves a pending job to calling. False means another
	// worker got there first.
	ClaimPending(ctx context.Context, id string, at time.Time) (bool, error)
	// ReleaseClaim returns a calling job to pending, provided no call was
	// ever placed for it.
	ReleaseClaim(ctx context.Context, id string, at time.Time) (bool, error)
	// Finish commits a terminal outcome. False means an outcome was already
	// recorded and nothing was written.
	Finish(ctx context.Context, c Completion) (bool, error)
	ListByQueue(ctx context.Context, queueID string) ([]models.QueuedCall, error)
	NextPending(ctx context.Context, queueID string, now time.Time) (*models.QueuedCall, error)
	CountByStatus(ctx context.Context, queueID string) (map[models.CallStatus]int, error)
	DeleteByQueue(ctx context.Context, queueID string) error
	DeletePending(ctx context.Context, queueID string) (int64, error)
}

// Completion is everything a terminal outcome writes: the job's status and
// outcome, its history row and an optional follow-up job. FollowUp.Position is
// assigned behind the queue's last job.
type Completion struct {
	ID       string
	Status   models.CallStatus
	Outcome  datatypes.JSON
	At       time.Time
	History  *models.CallHistory
	FollowUp *models.QueuedCall
}

var errOutcomeRecorded = errors.New("outcome already recorded")

type queuedCallRepo struct {
	db *gorm.DB
}

func NewQueuedCallRepo(db *gorm.DB) QueuedCallRepo {
	return &queuedCallRepo{db: db}
}

func (r *queuedCallRepo) InsertMany(ctx context.Context, calls []models.QueuedCall) error {
	if len(calls) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&calls).Error
}

func (r *queuedCallRepo) Insert(ctx context.Context, call *models.QueuedCall) error {
	return r.db.WithContext(ctx).Create(call).Error
}

func (r *queuedCallRepo) GetByID(ctx context.Context, id string) (*models.QueuedCall, error) {
	var row models.QueuedCall
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &row, err
}

func (r *queuedCallRepo) UpdateByID(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.QueuedCall{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrNotFound
	}
	return nil
}

func (r *queuedCallRepo) ClaimPending(ctx context.Context, id string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.QueuedCall{}).
		Where("id = ? AND status = ?", id, models.CallPending).
		Updates(map[string]any{"status": models.CallCalling, "updated_at": at})
	return res.RowsAffected == 1, res.Error
}

func (r *queuedCallRepo) ReleaseClaim(ctx context.Context, id string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.QueuedCall{}).
		Where("id = ? AND status = ? AND outcome IS NULL", id, models.CallCalling).
		Where("call_sid IS NULL OR call_sid = ''").
		Updates(map[string]any{"status": models.CallPending, "updated_at": at})
	return res.RowsAffected == 1, res.Error
}

func (r *queuedCallRepo) Finish(ctx context.Context, c Completion) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.QueuedCall{}).
			Where("id = ? AND outcome IS NULL", c.ID).
			Updates(map[string]any{"status": c.Status, "outcome": c.Outcome, "updated_at": c.At})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errOutcomeRecorded
		}
		if c.History != nil {
			if err := tx.Create(c.History).Error; err != nil {
				return err
			}
		}
		if c.FollowUp == nil {
			return nil
		}
		var maxPos int
		if err := tx.Model(&models.QueuedCall{}).
			Where("queue_id = ?", c.FollowUp.QueueID).
			Select("COALESCE(MAX(position), 0)").
			Scan(&maxPos).Error; err != nil {
			return err
		}
		c.FollowUp.Position = max(models.CallbackPositionFloor, maxPos+1)
		return tx.Create(c.FollowUp).Error
	})
	if errors.Is(err, errOutcomeRecorded) {
		return false, nil
	}
	return err == nil, err
}

func (r *queuedCallRepo) ListByQueue(ctx context.Context, queueID string) ([]models.QueuedCall, error) {
	var rows []models.QueuedCall
	err := r.db.WithContext(ctx).
		Where("queue_id = ?", queueID).
		Order("position ASC").
		Find(&rows).Error
	return rows, err
}

func (r *queuedCallRepo) NextPending(ctx context.Context, queueID string, now time.Time) (*models.QueuedCall, error) {
	var row models.QueuedCall
	err := r.db.WithContext(ctx).
		Where("queue_id = ? AND status = ?", queueID, models.CallPending).
		Where("scheduled_for IS NULL OR scheduled_for <= ?", now).
		Order("position ASC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &row, err
}

func (r *queuedCallRepo) CountByStatus(ctx context.Context, queueID string) (map[models.CallStatus]int, error) {
	var rows []struct {
		Status models.CallStatus
		N      int
	}
	err := r.db.WithContext(ctx).Model(&models.QueuedCall{}).
		Select("status, COUNT(*) AS n").
		Where("queue_id = ?", queueID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[models.CallStatus]int, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

func (r *queuedCallRepo) DeleteByQueue(ctx context.Context, queueID string) error {
	return r.db.WithContext(ctx).
		Where("queue_id = ?", queueID).
		Delete(&models.QueuedCall{}).Error
}

func (r *queuedCallRepo) DeletePending(ctx context.Context, queueID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("queue_id = ? AND status = ?", queueID, models.CallPending).
		Delete(&models.QueuedCall{})
	return res.RowsAffected, res.Error
}
