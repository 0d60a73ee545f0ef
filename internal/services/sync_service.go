package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/BoweryJG/repconnect/internal/cache"
	"github.com/BoweryJG/repconnect/internal/clock"
	"github.com/BoweryJG/repconnect/internal/models"
	pgrepo "github.com/BoweryJG/repconnect/internal/repositories/postgres"
	"github.com/BoweryJG/repconnect/internal/scoring"
	"github.com/BoweryJG/repconnect/internal/utils"
)

// SyncService turns a natural-language instruction into a call queue.
type SyncService interface {
	Sync(ctx context.Context, ownerID, instruction string) (*models.SyncQueue, error)
	Get(ctx context.Context, syncID string) (*models.SyncQueue, error)
	Preview(ctx context.Context, ownerID, instruction string) (*Preview, error)
}

type Preview struct {
	Query    scoring.ParsedQuery    `json:"parsedQuery"`
	Contacts []models.ScoredContact `json:"contacts"`
}

type syncService struct {
	contacts pgrepo.ContactRepo
	queues   QueueService
	engine   *scoring.Engine
	status   cache.Cache
	ttl      time.Duration
	clock    clock.Clock
	log      logrus.FieldLogger
}

func NewSyncService(contacts pgrepo.ContactRepo, queues QueueService, engine *scoring.Engine, status cache.Cache, clk clock.Clock, log logrus.FieldLogger) SyncService {
	if engine == nil {
		engine = scoring.NewEngine()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logrus.New()
	}
	return &syncService{
		contacts: contacts,
		queues:   queues,
		engine:   engine,
		status:   status,
		ttl:      24 * time.Hour,
		clock:    clk,
		log:      log.WithField("component", "sync"),
	}
}

func syncKey(id string) string { return "sync:" + id }

func (s *syncService) Sync(ctx context.Context, ownerID, instruction string) (*models.SyncQueue, error) {
	const op = "SyncService.Sync"

	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "instruction is required", nil)
	}

	now := s.clock.Now()
	q := s.engine.Parse(instruction)
	sq := &models.SyncQueue{
		ID:          uuid.NewString(),
		QueueID:     uuid.NewString(),
		Instruction: instruction,
		Query:       q,
		Status:      models.SyncSyncing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.save(ctx, sq)

	contacts, err := s.contacts.ListForScoring(ctx, ownerID, 0)
	if err != nil {
		s.fail(ctx, sq, "failed to load contacts")
		return sq, utils.E(utils.CodePersistenceFailed, op, "failed to load contacts", err)
	}

	built, err := s.queues.BuildQueue(ctx, BuildQueueInput{
		QueueID:     sq.QueueID,
		Instruction: instruction,
		Query:       q,
		Contacts:    contacts,
	})
	if err != nil {
		s.fail(ctx, sq, err.Error())
		return sq, err
	}

	sq.Status = models.SyncCompleted
	sq.Progress = 100
	sq.Contacts = built.Contacts
	sq.Calls = built.Calls
	sq.UpdatedAt = s.clock.Now()
	s.save(ctx, sq)

	s.log.WithFields(logrus.Fields{
		"sync_id":    sq.ID,
		"queue_id":   sq.QueueID,
		"jobs":       len(built.Calls),
		"confidence": q.Confidence,
	}).Info("sync completed")
	return sq, nil
}

func (s *syncService) Get(ctx context.Context, syncID string) (*models.SyncQueue, error) {
	const op = "SyncService.Get"

	if syncID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "sync id is required", nil)
	}
	var sq models.SyncQueue
	hit, err := s.status.GetJSON(ctx, syncKey(syncID), &sq)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to read sync status", err)
	}
	if !hit {
		return nil, utils.E(utils.CodeNotFound, op, "sync not found", utils.ErrNotFound)
	}

	// the cached job list goes stale once calls start; refresh progress from the queue
	if sq.Status == models.SyncCompleted {
		if p, err := s.queues.Progress(ctx, sq.QueueID); err == nil {
			sq.Progress = p.Percent
		}
	}
	return &sq, nil
}

func (s *syncService) Preview(ctx context.Context, ownerID, instruction string) (*Preview, error) {
	const op = "SyncService.Preview"

	q := s.engine.Parse(instruction)
	contacts, err := s.contacts.ListForScoring(ctx, ownerID, 0)
	if err != nil {
		return nil, utils.E(utils.CodePersistenceFailed, op, "failed to load contacts", err)
	}
	return &Preview{Query: q, Contacts: s.engine.Rank(contacts, q)}, nil
}

func (s *syncService) fail(ctx context.Context, sq *models.SyncQueue, msg string) {
	sq.Status = models.SyncError
	sq.Error = msg
	sq.UpdatedAt = s.clock.Now()
	s.save(ctx, sq)
}

func (s *syncService) save(ctx context.Context, sq *models.SyncQueue) {
	if err := s.status.SetJSON(ctx, syncKey(sq.ID), sq, s.ttl); err != nil {
		s.log.WithError(err).WithField("sync_id", sq.ID).Warn("sync status not cached")
	}
}
