package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/BoweryJG/repconnect/internal/cache"
	"github.com/BoweryJG/repconnect/internal/clock"
	"github.com/BoweryJG/repconnect/internal/models"
	"github.com/BoweryJG/repconnect/internal/providers/telephony"
	pgrepo "github.com/BoweryJG/repconnect/internal/repositories/postgres"
	"github.com/BoweryJG/repconnect/internal/retry"
	"github.com/BoweryJG/repconnect/internal/scoring"
	"github.com/BoweryJG/repconnect/internal/utils"
)

// QueueService is the call-queue orchestrator. Persisted jobs are the
// source of truth; the cache and the recent index are rebuildable.
type QueueService interface {
	BuildQueue(ctx context.Context, in BuildQueueInput) (*BuiltQueue, error)
	// PlaceNextCall returns nil, nil when no job is due.
	PlaceNextCall(ctx context.Context, queueID string) (*models.QueuedCall, error)
	RecordOutcome(ctx context.Context, callID string, outcome models.CallOutcome) (*models.QueuedCall, error)
	Progress(ctx context.Context, queueID string) (*models.QueueProgress, error)
	RecoverQueue(ctx context.Context, queueID string) (bool, error)
	Queue(ctx context.Context, queueID string) ([]models.QueuedCall, error)
	RecentQueues(ctx context.Context, n int) ([]models.QueueMeta, error)
	RemovePending(ctx context.Context, queueID string) (int64, error)
}

type BuildQueueInput struct {
	// QueueID is generated when empty.
	QueueID     string
	Instruction string
	Query       scoring.ParsedQuery
	Contacts    []models.Contact
}

type BuiltQueue struct {
	QueueID  string                 `json:"queueId"`
	Contacts []models.ScoredContact `json:"contacts"`
	Calls    []models.QueuedCall    `json:"queuedCalls"`
}

type QueueConfig struct {
	Placement    retry.Policy
	ChunkSize    int
	SnapshotTTL  time.Duration
	// ClaimTimeout is how long a calling job with no call placed may sit
	// before RecoverQueue hands it back to the queue.
	ClaimTimeout time.Duration
	Clock        clock.Clock
	Logger       logrus.FieldLogger
}

type queueService struct {
	calls     pgrepo.QueuedCallRepo
	history   pgrepo.CallHistoryRepo
	phone     telephony.Provider
	engine    *scoring.Engine
	snapshots cache.Cache
	index     cache.QueueIndex

	placement    retry.Policy
	chunkSize    int
	snapshotTTL  time.Duration
	claimTimeout time.Duration
	clock        clock.Clock
	log          logrus.FieldLogger
}

func NewQueueService(
	calls pgrepo.QueuedCallRepo,
	history pgrepo.CallHistoryRepo,
	phone telephony.Provider,
	engine *scoring.Engine,
	snapshots cache.Cache,
	index cache.QueueIndex,
	cfg QueueConfig,
) QueueService {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Placement.MaxAttempts == 0 {
		cfg.Placement = retry.Fixed(3, 2*time.Second, cfg.Clock)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 24 * time.Hour
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if engine == nil {
		engine = scoring.NewEngine()
	}
	return &queueService{
		calls:       calls,
		history:     history,
		phone:       phone,
		engine:      engine,
		snapshots:   snapshots,
		index:       index,
		placement:    cfg.Placement,
		chunkSize:    cfg.ChunkSize,
		snapshotTTL:  cfg.SnapshotTTL,
		claimTimeout: cfg.ClaimTimeout,
		clock:        cfg.Clock,
		log:          cfg.Logger.WithField("component", "queue"),
	}
}

func snapshotKey(queueID string) string { return "queue:calls:" + queueID }

func (s *queueService) BuildQueue(ctx context.Context, in BuildQueueInput) (*BuiltQueue, error) {
	const op = "QueueService.BuildQueue"

	ranked := s.engine.Rank(in.Contacts, in.Query)
	if len(ranked) == 0 {
		return nil, utils.E(utils.CodeInvalidArgument, op, "no contacts matched the instruction", nil)
	}

	queueID := in.QueueID
	if queueID == "" {
		queueID = uuid.NewString()
	}
	now := s.clock.Now()
	calls := make([]models.QueuedCall, 0, len(ranked))
	for i, sc := range ranked {
		calls = append(calls, models.QueuedCall{
			ID:          uuid.NewString(),
			ContactID:   sc.Contact.ID,
			PhoneNumber: sc.Contact.Phone,
			QueueID:     queueID,
			Position:    i + 1,
			Status:      models.CallPending,
			Score:       sc.Score,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	for start := 0; start < len(calls); start += s.chunkSize {
		end := min(start+s.chunkSize, len(calls))
		if err := s.calls.InsertMany(ctx, calls[start:end]); err != nil {
			// compensating delete; must run even if ctx was cancelled
			if derr := s.calls.DeleteByQueue(context.WithoutCancel(ctx), queueID); derr != nil {
				s.log.WithError(derr).WithField("queue_id", queueID).Error("queue rollback failed")
			}
			return nil, utils.E(utils.CodePersistenceFailed, op, "failed to persist queue", err)
		}
	}

	s.storeSnapshot(ctx, queueID, calls)
	meta := models.QueueMeta{QueueID: queueID, TotalContacts: len(calls), Instruction: in.Instruction, CreatedAt: now}
	if err := s.index.Put(ctx, meta); err != nil {
		s.log.WithError(err).WithField("queue_id", queueID).Warn("recent queue index update failed")
	}

	s.log.WithFields(logrus.Fields{"queue_id": queueID, "jobs": len(calls)}).Info("queue built")
	return &BuiltQueue{QueueID: queueID, Contacts: ranked, Calls: calls}, nil
}

func (s *queueService) PlaceNextCall(ctx context.Context, queueID string) (*models.QueuedCall, error) {
	const op = "QueueService.PlaceNextCall"

	if queueID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "queue_id is required", nil)
	}

	var job *models.QueuedCall
	for {
		next, err := s.calls.NextPending(ctx, queueID, s.clock.Now())
		if errors.Is(err, utils.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, utils.E(utils.CodePersistenceFailed, op, "failed to load next job", err)
		}
		claimed, err := s.calls.ClaimPending(ctx, next.ID, s.clock.Now())
		if err != nil {
			return nil, utils.E(utils.CodePersistenceFailed, op, "failed to claim job", err)
		}
		if claimed {
			next.Status = models.CallCalling
			job = next
			break
		}
		// another runner took it; look again
	}

	log := s.log.WithFields(logrus.Fields{"queue_id": queueID, "call_id": job.ID})

	var (
		callSID string
		// set when the last dial was cut off by ctx and the carrier may
		// have taken the call
		dialCut bool
	)
	err := s.placement.Do(ctx, func(ctx context.Context, attempt int) error {
		dialCut = false
		at := s.clock.Now()
		job.AttemptCount++
		job.LastAttemptAt = &at
		if err := s.calls.UpdateByID(ctx, job.ID, map[string]any{
			"attempt_count":   job.AttemptCount,
			"last_attempt_at": at,
			"updated_at":      at,
		}); err != nil {
			return retry.Permanent(fmt.Errorf("record attempt: %w", err))
		}
		sid, err := s.phone.PlaceCall(ctx, job.PhoneNumber)
		if err != nil {
			dialCut = errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
			log.WithError(err).WithField("attempt", attempt).Warn("call placement failed")
			return err
		}
		callSID = sid
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			s.abandonPlacement(context.WithoutCancel(ctx), job, dialCut, err)
			return nil, utils.E(utils.CodeTimeout, op, "placement interrupted", err)
		}
		last := err
		var ex *retry.ExhaustedError
		if errors.As(err, &ex) && ex.Last != nil {
			last = ex.Last
		}
		return s.failPlacement(ctx, job, fmt.Sprintf("placement failed after %d attempts: %v", job.AttemptCount, last))
	}

	// stored regardless of ctx; a claim without a sid counts as never dialed
	job.CallSID = callSID
	if err := s.calls.UpdateByID(context.WithoutCancel(ctx), job.ID, map[string]any{"call_sid": callSID, "updated_at": s.clock.Now()}); err != nil {
		log.WithError(err).Error("failed to store call sid")
	}
	s.refreshSnapshot(ctx, queueID)

	log.WithField("call_sid", callSID).Info("call placed")
	return job, nil
}

// abandonPlacement settles a claim whose placement ctx ended. A job whose
// dial was cut off mid-flight may already be ringing, so it is failed rather
// than dialed again; otherwise it goes back to pending.
func (s *queueService) abandonPlacement(ctx context.Context, job *models.QueuedCall, dialCut bool, cause error) {
	log := s.log.WithFields(logrus.Fields{"queue_id": job.QueueID, "call_id": job.ID})
	if dialCut {
		note := fmt.Sprintf("placement interrupted after %d attempts: %v", job.AttemptCount, cause)
		if _, err := s.failPlacement(ctx, job, note); err != nil {
			log.WithError(err).Error("interrupted job left in calling")
		}
		return
	}
	released, err := s.calls.ReleaseClaim(ctx, job.ID, s.clock.Now())
	if err != nil {
		log.WithError(err).Error("interrupted job left in calling")
		return
	}
	if released {
		job.Status = models.CallPending
		log.Info("claim released after interrupted placement")
	}
	s.refreshSnapshot(ctx, job.QueueID)
}

// failPlacement turns a placement that will not be retried into a failed
// job. The failure is state, not an error.
func (s *queueService) failPlacement(ctx context.Context, job *models.QueuedCall, note string) (*models.QueuedCall, error) {
	const op = "QueueService.PlaceNextCall"

	raw, err := models.EncodeOutcome(models.CallOutcome{Status: models.OutcomeFailed, Notes: note})
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "encode outcome", err)
	}
	now := s.clock.Now()
	ok, err := s.calls.Finish(ctx, pgrepo.Completion{
		ID:      job.ID,
		Status:  models.CallFailed,
		Outcome: raw,
		At:      now,
		History: &models.CallHistory{
			ID:          uuid.NewString(),
			ContactID:   job.ContactID,
			PhoneNumber: job.PhoneNumber,
			Direction:   "outbound",
			Status:      string(models.OutcomeFailed),
			Notes:       note,
			CreatedAt:   now,
		},
	})
	if err != nil {
		return nil, utils.E(utils.CodePersistenceFailed, op, "failed to mark job failed", err)
	}
	if !ok {
		return nil, utils.E(utils.CodeConflict, op, "outcome already recorded", nil)
	}
	job.Status = models.CallFailed
	job.Outcome = raw
	job.UpdatedAt = now
	s.refreshSnapshot(ctx, job.QueueID)

	s.log.WithFields(logrus.Fields{
		"queue_id": job.QueueID,
		"call_id":  job.ID,
		"code":     utils.CodePlacementFailed,
		"note":     note,
	}).Warn("call marked failed")
	return job, nil
}

func (s *queueService) RecordOutcome(ctx context.Context, callID string, outcome models.CallOutcome) (*models.QueuedCall, error) {
	const op = "QueueService.RecordOutcome"

	if callID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "call id is required", nil)
	}
	if !outcome.Valid() {
		return nil, utils.E(utils.CodeInvalidArgument, op, "invalid outcome", nil)
	}

	job, err := s.calls.GetByID(ctx, callID)
	if errors.Is(err, utils.ErrNotFound) {
		return nil, utils.E(utils.CodeNotFound, op, "call not found", err)
	}
	if err != nil {
		return nil, utils.E(utils.CodePersistenceFailed, op, "failed to load call", err)
	}
	if job.HasOutcome() {
		return nil, utils.E(utils.CodeConflict, op, "outcome already recorded", nil)
	}

	raw, err := models.EncodeOutcome(outcome)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "encode outcome", err)
	}
	now := s.clock.Now()
	h := &models.CallHistory{
		ID:          uuid.NewString(),
		ContactID:   job.ContactID,
		PhoneNumber: job.PhoneNumber,
		Direction:   "outbound",
		Status:      string(outcome.Status),
		Notes:       outcome.Notes,
		CallSID:     job.CallSID,
		CreatedAt:   now,
	}
	if outcome.Duration != nil {
		h.Duration = *outcome.Duration
	}
	var callback *models.QueuedCall
	if outcome.NextAction == models.NextCallback {
		callback = s.callbackFor(job, *outcome.CallbackDate, now)
	}

	ok, err := s.calls.Finish(ctx, pgrepo.Completion{
		ID:       callID,
		Status:   models.CallCompleted,
		Outcome:  raw,
		At:       now,
		History:  h,
		FollowUp: callback,
	})
	if err != nil {
		return nil, utils.E(utils.CodePersistenceFailed, op, "failed to store outcome", err)
	}
	if !ok {
		return nil, utils.E(utils.CodeConflict, op, "outcome already recorded", nil)
	}
	job.Status = models.CallCompleted
	job.Outcome = raw
	job.UpdatedAt = now

	if callback != nil {
		s.log.WithFields(logrus.Fields{
			"queue_id":      job.QueueID,
			"call_id":       callback.ID,
			"scheduled_for": callback.ScheduledFor,
		}).Info("callback scheduled")
	}
	s.refreshSnapshot(ctx, job.QueueID)
	return job, nil
}

// callbackFor builds the pending job a callback outcome appends; the
// repository places it behind every existing job.
func (s *queueService) callbackFor(job *models.QueuedCall, at, now time.Time) *models.QueuedCall {
	when := at.UTC()
	return &models.QueuedCall{
		ID:           uuid.NewString(),
		ContactID:    job.ContactID,
		PhoneNumber:  job.PhoneNumber,
		QueueID:      job.QueueID,
		Status:       models.CallPending,
		Score:        job.Score,
		ScheduledFor: &when,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (s *queueService) Progress(ctx context.Context, queueID string) (*models.QueueProgress, error) {
	const op = "QueueService.Progress"

	if queueID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "queue_id is required", nil)
	}
	counts, err := s.calls.CountByStatus(ctx, queueID)
	if err != nil {
		return nil, utils.E(utils.CodePersistenceFailed, op, "failed to count jobs", err)
	}
	return progressOf(queueID, counts), nil
}

func progressOf(queueID string, counts map[models.CallStatus]int) *models.QueueProgress {
	p := &models.QueueProgress{
		QueueID:   queueID,
		Completed: counts[models.CallCompleted],
		Failed:    counts[models.CallFailed],
		Pending:   counts[models.CallPending],
		Calling:   counts[models.CallCalling],
	}
	p.Total = p.Completed + p.Failed + p.Pending + p.Calling
	if p.Total > 0 {
		p.Percent = (p.Completed + p.Failed) * 100 / p.Total
	}
	return p
}

func (s *queueService) RecoverQueue(ctx context.Context, queueID string) (bool, error) {
	const op = "QueueService.RecoverQueue"

	if queueID == "" {
		return false, utils.E(utils.CodeInvalidArgument, op, "queue_id is required", nil)
	}
	calls, err := s.calls.ListByQueue(ctx, queueID)
	if err != nil {
		return false, utils.E(utils.CodePersistenceFailed, op, "failed to load queue", err)
	}
	if len(calls) == 0 {
		return false, utils.E(utils.CodeNotFound, op, "queue not found", utils.ErrNotFound)
	}

	now := s.clock.Now()
	pending := false
	for i := range calls {
		c := &calls[i]
		if s.staleClaim(c, now) {
			released, err := s.calls.ReleaseClaim(ctx, c.ID, now)
			if err != nil {
				return false, utils.E(utils.CodePersistenceFailed, op, "failed to release stale claim", err)
			}
			if released {
				c.Status = models.CallPending
				c.UpdatedAt = now
				s.log.WithFields(logrus.Fields{"queue_id": queueID, "call_id": c.ID}).Warn("stale claim released")
			}
		}
		if c.Status == models.CallPending {
			pending = true
		}
	}
	s.storeSnapshot(ctx, queueID, calls)
	return pending, nil
}

// staleClaim reports a job stuck in calling with no call placed, untouched
// for at least the claim timeout.
func (s *queueService) staleClaim(c *models.QueuedCall, now time.Time) bool {
	if c.Status != models.CallCalling || c.CallSID != "" || c.HasOutcome() {
		return false
	}
	last := c.UpdatedAt
	if c.LastAttemptAt != nil && c.LastAttemptAt.After(last) {
		last = *c.LastAttemptAt
	}
	return now.Sub(last) >= s.claimTimeout
}

func (s *queueService) Queue(ctx context.Context, queueID string) ([]models.QueuedCall, error) {
	const op = "QueueService.Queue"

	if queueID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "queue_id is required", nil)
	}
	calls, err := s.calls.ListByQueue(ctx, queueID)
	if err == nil {
		if len(calls) == 0 {
			return nil, utils.E(utils.CodeNotFound, op, "queue not found", utils.ErrNotFound)
		}
		s.storeSnapshot(ctx, queueID, calls)
		return calls, nil
	}

	// last known good
	var snap []models.QueuedCall
	if hit, cerr := s.snapshots.GetJSON(ctx, snapshotKey(queueID), &snap); cerr == nil && hit {
		s.log.WithError(err).WithField("queue_id", queueID).Warn("serving cached queue snapshot")
		return snap, nil
	}
	return nil, utils.E(utils.CodePersistenceFailed, op, "failed to load queue", err)
}

func (s *queueService) RecentQueues(ctx context.Context, n int) ([]models.QueueMeta, error) {
	const op = "QueueService.RecentQueues"
	out, err := s.index.Recent(ctx, n)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to read recent queues", err)
	}
	return out, nil
}

// RemovePending drops the queue's backlog. A call already in flight is left
// to finish.
func (s *queueService) RemovePending(ctx context.Context, queueID string) (int64, error) {
	const op = "QueueService.RemovePending"

	if queueID == "" {
		return 0, utils.E(utils.CodeInvalidArgument, op, "queue_id is required", nil)
	}
	n, err := s.calls.DeletePending(ctx, queueID)
	if err != nil {
		return 0, utils.E(utils.CodePersistenceFailed, op, "failed to remove pending jobs", err)
	}
	s.refreshSnapshot(ctx, queueID)
	return n, nil
}

func (s *queueService) storeSnapshot(ctx context.Context, queueID string, calls []models.QueuedCall) {
	if err := s.snapshots.SetJSON(ctx, snapshotKey(queueID), calls, s.snapshotTTL); err != nil {
		s.log.WithError(err).WithField("queue_id", queueID).Warn("queue snapshot not cached")
	}
}

func (s *queueService) refreshSnapshot(ctx context.Context, queueID string) {
	calls, err := s.calls.ListByQueue(ctx, queueID)
	if err != nil {
		s.log.WithError(err).WithField("queue_id", queueID).Warn("queue snapshot refresh skipped")
		return
	}
	s.storeSnapshot(ctx, queueID, calls)
}
