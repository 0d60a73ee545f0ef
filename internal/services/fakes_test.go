package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/BoweryJG/repconnect/internal/models"
	"github.com/BoweryJG/repconnect/internal/providers/telephony"
	pgrepo "github.com/BoweryJG/repconnect/internal/repositories/postgres"
	"github.com/BoweryJG/repconnect/internal/utils"
)

var errBoom = errors.New("boom")

// memCalls is an in-memory QueuedCallRepo. Finish writes history rows to
// history when set, all or nothing.
type memCalls struct {
	mu      sync.Mutex
	rows    map[string]models.QueuedCall
	history *memHistory

	insertManyCalls int
	failInsertAt    int // 1-based InsertMany call that fails; 0 never
	failList        bool
	deletedQueues   []string
}

func newMemCalls() *memCalls { return &memCalls{rows: map[string]models.QueuedCall{}} }

func (m *memCalls) InsertMany(_ context.Context, calls []models.QueuedCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertManyCalls++
	if m.failInsertAt == m.insertManyCalls {
		return errBoom
	}
	for _, c := range calls {
		m.rows[c.ID] = c
	}
	return nil
}

func (m *memCalls) Insert(_ context.Context, c *models.QueuedCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[c.ID] = *c
	return nil
}

func (m *memCalls) GetByID(_ context.Context, id string) (*models.QueuedCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return nil, utils.ErrNotFound
	}
	return &c, nil
}

func (m *memCalls) UpdateByID(_ context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return utils.ErrNotFound
	}
	for k, v := range fields {
		switch k {
		case "attempt_count":
			c.AttemptCount = v.(int)
		case "last_attempt_at":
			t := v.(time.Time)
			c.LastAttemptAt = &t
		case "call_sid":
			c.CallSID = v.(string)
		case "updated_at":
			c.UpdatedAt = v.(time.Time)
		}
	}
	m.rows[id] = c
	return nil
}

func (m *memCalls) ClaimPending(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok || c.Status != models.CallPending {
		return false, nil
	}
	c.Status = models.CallCalling
	c.UpdatedAt = at
	m.rows[id] = c
	return true, nil
}

func (m *memCalls) ReleaseClaim(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok || c.Status != models.CallCalling || c.HasOutcome() || c.CallSID != "" {
		return false, nil
	}
	c.Status = models.CallPending
	c.UpdatedAt = at
	m.rows[id] = c
	return true, nil
}

func (m *memCalls) Finish(ctx context.Context, done pgrepo.Completion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[done.ID]
	if !ok || c.HasOutcome() {
		return false, nil
	}
	if done.History != nil && m.history != nil {
		if err := m.history.Insert(ctx, done.History); err != nil {
			return false, err
		}
	}
	if done.FollowUp != nil {
		n := 0
		for _, r := range m.byQueue(done.FollowUp.QueueID) {
			n = max(n, r.Position)
		}
		done.FollowUp.Position = max(models.CallbackPositionFloor, n+1)
		m.rows[done.FollowUp.ID] = *done.FollowUp
	}
	c.Status = done.Status
	c.Outcome = done.Outcome
	c.UpdatedAt = done.At
	m.rows[done.ID] = c
	return true, nil
}

func (m *memCalls) byQueue(queueID string) []models.QueuedCall {
	var out []models.QueuedCall
	for _, c := range m.rows {
		if c.QueueID == queueID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (m *memCalls) ListByQueue(_ context.Context, queueID string) ([]models.QueuedCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failList {
		return nil, errBoom
	}
	return m.byQueue(queueID), nil
}

func (m *memCalls) NextPending(_ context.Context, queueID string, now time.Time) (*models.QueuedCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byQueue(queueID) {
		if c.Status != models.CallPending {
			continue
		}
		if c.ScheduledFor != nil && c.ScheduledFor.After(now) {
			continue
		}
		return &c, nil
	}
	return nil, utils.ErrNotFound
}

func (m *memCalls) CountByStatus(_ context.Context, queueID string) (map[models.CallStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[models.CallStatus]int{}
	for _, c := range m.byQueue(queueID) {
		out[c.Status]++
	}
	return out, nil
}

func (m *memCalls) DeleteByQueue(_ context.Context, queueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedQueues = append(m.deletedQueues, queueID)
	for id, c := range m.rows {
		if c.QueueID == queueID {
			delete(m.rows, id)
		}
	}
	return nil
}

func (m *memCalls) DeletePending(_ context.Context, queueID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.rows {
		if c.QueueID == queueID && c.Status == models.CallPending {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *memCalls) seed(queueID string, statuses ...models.CallStatus) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(statuses))
	for i, st := range statuses {
		id := queueID + "-" + string(rune('a'+i))
		m.rows[id] = models.QueuedCall{ID: id, QueueID: queueID, Position: i + 1, Status: st, PhoneNumber: "+1555000000" + string(rune('0'+i%10))}
		ids = append(ids, id)
	}
	return ids
}

type memHistory struct {
	mu       sync.Mutex
	rows     []models.CallHistory
	failNext int
}

func (h *memHistory) Insert(_ context.Context, row *models.CallHistory) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failNext > 0 {
		h.failNext--
		return errBoom
	}
	h.rows = append(h.rows, *row)
	return nil
}

func (h *memHistory) GetByCallSID(_ context.Context, sid string) (*models.CallHistory, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.rows {
		if h.rows[i].CallSID == sid {
			row := h.rows[i]
			return &row, nil
		}
	}
	return nil, utils.ErrNotFound
}

func (h *memHistory) UpdateByCallSID(_ context.Context, sid string, fields map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.rows {
		if h.rows[i].CallSID != sid {
			continue
		}
		for k, v := range fields {
			switch k {
			case "recording_url":
				h.rows[i].RecordingURL = v.(string)
			case "transcript":
				h.rows[i].Transcript = v.(string)
			}
		}
		return nil
	}
	return utils.ErrNotFound
}

func (h *memHistory) ListByContact(_ context.Context, contactID string, _ int) ([]models.CallHistory, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []models.CallHistory
	for _, r := range h.rows {
		if r.ContactID == contactID {
			out = append(out, r)
		}
	}
	return out, nil
}

// scriptedPhone fails the first `failures` placements. onPlace, when set,
// runs first and its error wins.
type scriptedPhone struct {
	mu         sync.Mutex
	failures   int
	onPlace    func(ctx context.Context) error
	placed     []string
	recordings map[string][]telephony.Recording
	audio      []byte
}

func (p *scriptedPhone) PlaceCall(ctx context.Context, to string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onPlace != nil {
		if err := p.onPlace(ctx); err != nil {
			return "", err
		}
	}
	if p.failures > 0 {
		p.failures--
		return "", errors.New("carrier rejected call")
	}
	p.placed = append(p.placed, to)
	return "CA" + to, nil
}

func (p *scriptedPhone) GetRecordings(_ context.Context, callID string) ([]telephony.Recording, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recordings[callID], nil
}

func (p *scriptedPhone) FetchRecording(_ context.Context, _ telephony.Recording) (io.ReadCloser, string, error) {
	return io.NopCloser(bytes.NewReader(p.audio)), "audio/wav", nil
}
