package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BoweryJG/repconnect/internal/cache"
	"github.com/BoweryJG/repconnect/internal/clock"
	"github.com/BoweryJG/repconnect/internal/logger"
	"github.com/BoweryJG/repconnect/internal/models"
	"github.com/BoweryJG/repconnect/internal/retry"
	"github.com/BoweryJG/repconnect/internal/scoring"
	"github.com/BoweryJG/repconnect/internal/utils"
)

type queueFixture struct {
	svc     QueueService
	calls   *memCalls
	history *memHistory
	phone   *scriptedPhone
	index   *cache.MemoryQueueIndex
	snaps   *cache.MemoryCache
	clk     *clock.Fake
}

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newQueueFixture(t *testing.T, chunk int) *queueFixture {
	t.Helper()
	clk := clock.NewFake(t0)
	f := &queueFixture{
		calls:   newMemCalls(),
		history: &memHistory{},
		phone:   &scriptedPhone{},
		index:   cache.NewMemoryQueueIndex(10),
		snaps:   cache.NewMemoryCache(),
		clk:     clk,
	}
	f.calls.history = f.history
	f.svc = NewQueueService(f.calls, f.history, f.phone, &scoring.Engine{Now: clk.Now}, f.snaps, f.index, QueueConfig{
		Placement: retry.Fixed(3, 2*time.Second, clk),
		ChunkSize: chunk,
		Clock:     clk,
		Logger:    logger.Discard(),
	})
	return f
}

func contacts() []models.Contact {
	return []models.Contact{
		{ID: "c1", Phone: "+15550001", City: "Austin", Specialty: "implants"},
		{ID: "c2", Phone: "+15550002", City: "Dallas", Specialty: "implants"},
		{ID: "c3", Phone: "+15550003", City: "Austin", Specialty: "ortho"},
		{ID: "c4", Phone: "+15550004", City: "Houston", Specialty: "ortho"},
	}
}

func austinImplants(count int) scoring.ParsedQuery {
	return scoring.ParsedQuery{Count: &count, Location: "Austin", Services: []string{"implants"}}
}

func TestBuildQueueRanksAndTruncates(t *testing.T) {
	f := newQueueFixture(t, 100)

	built, err := f.svc.BuildQueue(context.Background(), BuildQueueInput{
		Instruction: "top 2 implant offices in Austin",
		Query:       austinImplants(2),
		Contacts:    contacts(),
	})
	require.NoError(t, err)
	require.Len(t, built.Calls, 2)

	// c1 matches both filters, c2 only services (0.4) beats c3 location (0.3); c4 is excluded
	assert.Equal(t, "c1", built.Calls[0].ContactID)
	assert.Equal(t, "c2", built.Calls[1].ContactID)
	assert.Equal(t, 1, built.Calls[0].Position)
	assert.Equal(t, 2, built.Calls[1].Position)
	assert.GreaterOrEqual(t, built.Calls[0].Score, built.Calls[1].Score)

	stored, err := f.svc.Queue(context.Background(), built.QueueID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	recent, err := f.svc.RecentQueues(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, built.QueueID, recent[0].QueueID)
	assert.Equal(t, 2, recent[0].TotalContacts)
}

func TestBuildQueueRollsBackPartialWrites(t *testing.T) {
	f := newQueueFixture(t, 1)
	f.calls.failInsertAt = 2

	_, err := f.svc.BuildQueue(context.Background(), BuildQueueInput{
		QueueID:  "q-roll",
		Query:    austinImplants(3),
		Contacts: contacts(),
	})
	require.Error(t, err)
	assert.Equal(t, utils.CodePersistenceFailed, utils.CodeOf(err))
	assert.Equal(t, []string{"q-roll"}, f.calls.deletedQueues)
	assert.Empty(t, f.calls.byQueue("q-roll"))

	recent, _ := f.svc.RecentQueues(context.Background(), 5)
	assert.Empty(t, recent)
}

func TestBuildQueueNoMatches(t *testing.T) {
	f := newQueueFixture(t, 10)
	_, err := f.svc.BuildQueue(context.Background(), BuildQueueInput{
		Query:    scoring.ParsedQuery{Location: "Nowhere"},
		Contacts: contacts(),
	})
	assert.Equal(t, utils.CodeInvalidArgument, utils.CodeOf(err))
}

func TestPlaceNextCallServesLowestPosition(t *testing.T) {
	f := newQueueFixture(t, 10)
	ids := f.calls.seed("q1", models.CallPending, models.CallPending)

	job, err := f.svc.PlaceNextCall(context.Background(), "q1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, ids[0], job.ID)
	assert.Equal(t, models.CallCalling, job.Status)

	stored, _ := f.calls.GetByID(context.Background(), ids[0])
	assert.Equal(t, 1, stored.AttemptCount)
	assert.NotNil(t, stored.LastAttemptAt)
	assert.NotEmpty(t, stored.CallSID)
	assert.Empty(t, f.clk.Sleeps())
}

func TestPlaceNextCallRetriesTransientFailure(t *testing.T) {
	f := newQueueFixture(t, 10)
	ids := f.calls.seed("q1", models.CallPending)
	f.phone.failures = 1

	job, err := f.svc.PlaceNextCall(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, models.CallCalling, job.Status)

	stored, _ := f.calls.GetByID(context.Background(), ids[0])
	assert.Equal(t, 2, stored.AttemptCount)
	assert.Equal(t, []time.Duration{2 * time.Second}, f.clk.Sleeps())
}

func TestPlaceNextCallFailsAfterCeiling(t *testing.T) {
	f := newQueueFixture(t, 10)
	ids := f.calls.seed("q1", models.CallPending, models.CallPending)
	f.phone.failures = 3

	job, err := f.svc.PlaceNextCall(context.Background(), "q1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.CallFailed, job.Status)

	stored, _ := f.calls.GetByID(context.Background(), ids[0])
	assert.Equal(t, models.CallFailed, stored.Status)
	assert.Equal(t, 3, stored.AttemptCount)
	out, err := stored.DecodeOutcome()
	require.NoError(t, err)
	assert.True(t, strings.Contains(out.Notes, "carrier rejected call"), out.Notes)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, f.clk.Sleeps())
	require.Len(t, f.history.rows, 1)
	assert.Equal(t, "failed", f.history.rows[0].Status)

	// the next job is still served
	next, err := f.svc.PlaceNextCall(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, ids[1], next.ID)
}

func TestPlaceNextCallNothingDue(t *testing.T) {
	f := newQueueFixture(t, 10)
	f.calls.seed("q1", models.CallCompleted)

	job, err := f.svc.PlaceNextCall(context.Background(), "q1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestCallbackAppendsPendingJob(t *testing.T) {
	f := newQueueFixture(t, 10)
	ctx := context.Background()
	f.calls.seed("q1", models.CallPending, models.CallPending, models.CallPending)

	job, err := f.svc.PlaceNextCall(ctx, "q1")
	require.NoError(t, err)

	when := t0.Add(48 * time.Hour)
	dur := 95
	done, err := f.svc.RecordOutcome(ctx, job.ID, models.CallOutcome{
		Status:       models.OutcomeCompleted,
		Duration:     &dur,
		NextAction:   models.NextCallback,
		CallbackDate: &when,
	})
	require.NoError(t, err)
	assert.Equal(t, models.CallCompleted, done.Status)

	rows := f.calls.byQueue("q1")
	require.Len(t, rows, 4)
	cb := rows[3]
	assert.Equal(t, models.CallPending, cb.Status)
	assert.Equal(t, job.ContactID, cb.ContactID)
	for _, r := range rows[:3] {
		assert.Greater(t, cb.Position, r.Position)
	}
	require.NotNil(t, cb.ScheduledFor)
	assert.True(t, cb.ScheduledFor.Equal(when))

	require.Len(t, f.history.rows, 1)
	assert.Equal(t, 95, f.history.rows[0].Duration)

	_, err = f.svc.RecordOutcome(ctx, job.ID, models.CallOutcome{Status: models.OutcomeBusy})
	assert.Equal(t, utils.CodeConflict, utils.CodeOf(err))
	assert.Len(t, f.calls.byQueue("q1"), 4)
}

func TestCallbackNotDueUntilScheduled(t *testing.T) {
	f := newQueueFixture(t, 10)
	ctx := context.Background()
	f.calls.seed("q1", models.CallPending)

	job, err := f.svc.PlaceNextCall(ctx, "q1")
	require.NoError(t, err)
	when := t0.Add(time.Hour)
	_, err = f.svc.RecordOutcome(ctx, job.ID, models.CallOutcome{Status: models.OutcomeNoAnswer, NextAction: models.NextCallback, CallbackDate: &when})
	require.NoError(t, err)

	next, err := f.svc.PlaceNextCall(ctx, "q1")
	require.NoError(t, err)
	assert.Nil(t, next)

	f.clk.Advance(time.Hour)
	next, err = f.svc.PlaceNextCall(ctx, "q1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, job.ContactID, next.ContactID)
}

func TestRecordOutcomeValidation(t *testing.T) {
	f := newQueueFixture(t, 10)
	ctx := context.Background()

	_, err := f.svc.RecordOutcome(ctx, "missing", models.CallOutcome{Status: models.OutcomeBusy})
	assert.Equal(t, utils.CodeNotFound, utils.CodeOf(err))

	_, err = f.svc.RecordOutcome(ctx, "x", models.CallOutcome{Status: models.OutcomeBusy, NextAction: models.NextCallback})
	assert.Equal(t, utils.CodeInvalidArgument, utils.CodeOf(err))
}

func TestProgress(t *testing.T) {
	f := newQueueFixture(t, 10)
	f.calls.seed("q1", models.CallCompleted, models.CallFailed, models.CallCalling, models.CallPending)

	p, err := f.svc.Progress(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueProgress{QueueID: "q1", Total: 4, Completed: 1, Failed: 1, Pending: 1, Calling: 1, Percent: 50}, *p)
}

func TestRecoverQueue(t *testing.T) {
	f := newQueueFixture(t, 10)
	ctx := context.Background()

	mixed := make([]models.CallStatus, 0, 10)
	for i := 0; i < 10; i++ {
		if i < 3 {
			mixed = append(mixed, models.CallCompleted)
		} else {
			mixed = append(mixed, models.CallPending)
		}
	}
	f.calls.seed("q1", mixed...)

	done := make([]models.CallStatus, 10)
	for i := range done {
		done[i] = models.CallCompleted
	}
	f.calls.seed("q2", done...)

	ok, err := f.svc.RecoverQueue(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.RecoverQueue(ctx, "q2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.RecoverQueue(ctx, "q3")
	assert.Equal(t, utils.CodeNotFound, utils.CodeOf(err))
}

func TestQueueFallsBackToSnapshot(t *testing.T) {
	f := newQueueFixture(t, 10)
	ctx := context.Background()
	f.calls.seed("q1", models.CallPending, models.CallCompleted)

	_, err := f.svc.RecoverQueue(ctx, "q1")
	require.NoError(t, err)

	f.calls.failList = true
	calls, err := f.svc.Queue(ctx, "q1")
	require.NoError(t, err)
	assert.Len(t, calls, 2)

	_, err = f.svc.Queue(ctx, "never-cached")
	assert.Equal(t, utils.CodePersistenceFailed, utils.CodeOf(err))
}

func TestRemovePendingKeepsInFlight(t *testing.T) {
	f := newQueueFixture(t, 10)
	f.calls.seed("q1", models.CallCalling, models.CallPending, models.CallPending)

	n, err := f.svc.RemovePending(context.Background(), "q1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	rows := f.calls.byQueue("q1")
	require.Len(t, rows, 1)
	assert.Equal(t, models.CallCalling, rows[0].Status)
}

func TestPlaceNextCallCutMidDialFailsJob(t *testing.T) {
	f := newQueueFixture(t, 10)
	ids := f.calls.seed("q1", models.CallPending, models.CallPending)
	ctx, cancel := context.WithCancel(context.Background())
	f.phone.onPlace = func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}

	job, err := f.svc.PlaceNextCall(ctx, "q1")
	assert.Nil(t, job)
	assert.Equal(t, utils.CodeTimeout, utils.CodeOf(err))

	stored, _ := f.calls.GetByID(context.Background(), ids[0])
	assert.Equal(t, models.CallFailed, stored.Status)
	out, err := stored.DecodeOutcome()
	require.NoError(t, err)
	assert.Contains(t, out.Notes, "interrupted")
	require.Len(t, f.history.rows, 1)

	p, err := f.svc.Progress(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Calling)
	assert.Equal(t, 1, p.Pending)
}

func TestPlaceNextCallInterruptedBetweenAttemptsReleasesClaim(t *testing.T) {
	f := newQueueFixture(t, 10)
	ids := f.calls.seed("q1", models.CallPending)
	ctx, cancel := context.WithCancel(context.Background())
	f.phone.onPlace = func(context.Context) error {
		cancel()
		return errors.New("carrier rejected call")
	}

	_, err := f.svc.PlaceNextCall(ctx, "q1")
	assert.Equal(t, utils.CodeTimeout, utils.CodeOf(err))

	stored, _ := f.calls.GetByID(context.Background(), ids[0])
	assert.Equal(t, models.CallPending, stored.Status)
	assert.False(t, stored.HasOutcome())
	assert.Empty(t, f.history.rows)

	f.phone.onPlace = nil
	job, err := f.svc.PlaceNextCall(context.Background(), "q1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, ids[0], job.ID)
	stored, _ = f.calls.GetByID(context.Background(), ids[0])
	assert.Equal(t, 2, stored.AttemptCount)
	assert.NotEmpty(t, stored.CallSID)
}

func TestRecoverQueueReleasesStaleClaims(t *testing.T) {
	f := newQueueFixture(t, 10)
	ctx := context.Background()
	ids := f.calls.seed("q1", models.CallCalling, models.CallCalling, models.CallCalling, models.CallCompleted)

	old := t0.Add(-10 * time.Minute)
	recent := t0.Add(-time.Minute)
	f.calls.mu.Lock()
	stale := f.calls.rows[ids[0]]
	stale.UpdatedAt = old
	f.calls.rows[ids[0]] = stale
	busy := f.calls.rows[ids[1]]
	busy.UpdatedAt = old
	busy.LastAttemptAt = &recent
	f.calls.rows[ids[1]] = busy
	dialed := f.calls.rows[ids[2]]
	dialed.UpdatedAt = old
	dialed.CallSID = "CA1"
	f.calls.rows[ids[2]] = dialed
	f.calls.mu.Unlock()

	ok, err := f.svc.RecoverQueue(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, ok)

	rows := f.calls.byQueue("q1")
	assert.Equal(t, models.CallPending, rows[0].Status)
	assert.Equal(t, models.CallCalling, rows[1].Status)
	assert.Equal(t, models.CallCalling, rows[2].Status)

	job, err := f.svc.PlaceNextCall(ctx, "q1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, ids[0], job.ID)
}

func TestRecordOutcomeWritesNothingOnHistoryFailure(t *testing.T) {
	f := newQueueFixture(t, 10)
	ctx := context.Background()
	f.calls.seed("q1", models.CallPending, models.CallPending)

	job, err := f.svc.PlaceNextCall(ctx, "q1")
	require.NoError(t, err)

	when := t0.Add(24 * time.Hour)
	outcome := models.CallOutcome{Status: models.OutcomeNoAnswer, NextAction: models.NextCallback, CallbackDate: &when}
	f.history.failNext = 1
	_, err = f.svc.RecordOutcome(ctx, job.ID, outcome)
	assert.Equal(t, utils.CodePersistenceFailed, utils.CodeOf(err))

	stored, _ := f.calls.GetByID(ctx, job.ID)
	assert.False(t, stored.HasOutcome())
	assert.Equal(t, models.CallCalling, stored.Status)
	assert.Len(t, f.calls.byQueue("q1"), 2)
	assert.Empty(t, f.history.rows)

	// a retry goes through once
	done, err := f.svc.RecordOutcome(ctx, job.ID, outcome)
	require.NoError(t, err)
	assert.Equal(t, models.CallCompleted, done.Status)
	rows := f.calls.byQueue("q1")
	require.Len(t, rows, 3)
	assert.Equal(t, models.CallbackPositionFloor, rows[2].Position)
	assert.Len(t, f.history.rows, 1)
}

func TestFailedPlacementWritesNothingOnHistoryFailure(t *testing.T) {
	f := newQueueFixture(t, 10)
	ctx := context.Background()
	ids := f.calls.seed("q1", models.CallPending)
	f.phone.failures = 3
	f.history.failNext = 1

	_, err := f.svc.PlaceNextCall(ctx, "q1")
	assert.Equal(t, utils.CodePersistenceFailed, utils.CodeOf(err))

	stored, _ := f.calls.GetByID(ctx, ids[0])
	assert.Equal(t, models.CallCalling, stored.Status)
	assert.False(t, stored.HasOutcome())
	assert.Empty(t, f.history.rows)

	// the orphaned claim is handed back once it goes stale
	f.clk.Advance(5 * time.Minute)
	ok, err := f.svc.RecoverQueue(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, ok)
}
