package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BoweryJG/repconnect/internal/clock"
	"github.com/BoweryJG/repconnect/internal/models"
	"github.com/BoweryJG/repconnect/internal/services"
	"github.com/BoweryJG/repconnect/internal/session"
	"github.com/BoweryJG/repconnect/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueues struct {
	services.QueueService

	next     *models.QueuedCall
	outcomes map[string]models.CallOutcome
	err      error
}

func (f *fakeQueues) PlaceNextCall(ctx context.Context, queueID string) (*models.QueuedCall, error) {
	return f.next, f.err
}

func (f *fakeQueues) RecordOutcome(ctx context.Context, callID string, o models.CallOutcome) (*models.QueuedCall, error) {
	if f.err != nil {
		return nil, f.err
	}
	if _, dup := f.outcomes[callID]; dup {
		return nil, utils.E(utils.CodeConflict, "QueueService.RecordOutcome", "outcome already recorded", nil)
	}
	f.outcomes[callID] = o
	return &models.QueuedCall{ID: callID, Status: models.CallCompleted}, nil
}

func (f *fakeQueues) Progress(ctx context.Context, queueID string) (*models.QueueProgress, error) {
	return &models.QueueProgress{QueueID: queueID, Total: 4, Completed: 1, Failed: 1, Pending: 2, Percent: 50}, nil
}

type fakeRunner struct{ queued []string }

func (f *fakeRunner) Enqueue(ctx context.Context, queueID string) error {
	f.queued = append(f.queued, queueID)
	return nil
}

type fakeVoice struct {
	reg   *session.Registry
	muted map[string]bool
}

func (f *fakeVoice) StartSession(ctx context.Context, id string) (*session.Session, error) {
	s, err := f.reg.Create(id)
	if err != nil {
		return nil, utils.E(utils.CodeSessionExists, "VoiceSessionManager.StartSession", "session already exists", err)
	}
	return s, nil
}

func (f *fakeVoice) EndSession(id string) { f.reg.Remove(id) }

func (f *fakeVoice) SetMuted(id string, muted bool) bool {
	if _, ok := f.reg.Get(id); !ok {
		return false
	}
	f.muted[id] = muted
	return true
}

func (f *fakeVoice) SetVolume(id string, v float64) bool {
	_, ok := f.reg.Get(id)
	return ok
}

func (f *fakeVoice) SendMetadata(id string, v any) error { return nil }

type fakeSessions struct {
	services.VoiceSessionService
	links map[string]string
}

func (f *fakeSessions) Link(ctx context.Context, sessionID, callID, role string) error {
	f.links[sessionID] = callID
	return nil
}

type harness struct {
	r      *gin.Engine
	queues *fakeQueues
	runner *fakeRunner
	voice  *fakeVoice
	links  *fakeSessions
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := session.NewRegistry(clock.NewFake(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)))
	t.Cleanup(reg.Close)

	h := &harness{
		r:      gin.New(),
		queues: &fakeQueues{outcomes: map[string]models.CallOutcome{}},
		runner: &fakeRunner{},
		voice:  &fakeVoice{reg: reg, muted: map[string]bool{}},
		links:  &fakeSessions{links: map[string]string{}},
	}
	qh := NewQueueHandler(h.queues, h.runner)
	sh := NewSessionHandler(h.voice, h.links, nil)

	h.r.Use(func(c *gin.Context) { c.Set("user_id", "user-1"); c.Next() })
	h.r.POST("/queues/:queue_id/next", qh.Next)
	h.r.POST("/queues/:queue_id/run", qh.Run)
	h.r.GET("/queues/:queue_id/progress", qh.Progress)
	h.r.POST("/calls/:call_id/outcome", qh.RecordOutcome)
	h.r.POST("/sessions", sh.Start)
	h.r.POST("/sessions/:session_id/end", sh.End)
	h.r.POST("/sessions/:session_id/mute", sh.Mute)
	h.r.POST("/sessions/:session_id/volume", sh.Volume)
	h.r.GET("/recordings/:call_sid/url", sh.RecordingURL)
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var e APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func TestNextCallNothingDue(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/queues/q1/next", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestNextCallPlaced(t *testing.T) {
	h := newHarness(t)
	h.queues.next = &models.QueuedCall{ID: "job-1", QueueID: "q1", Status: models.CallCalling, CallSID: "CA1"}

	w := h.do(http.MethodPost, "/queues/q1/next", "")
	require.Equal(t, http.StatusOK, w.Code)

	var job models.QueuedCall
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "CA1", job.CallSID)
}

func TestNextCallErrorMapsStatus(t *testing.T) {
	h := newHarness(t)
	h.queues.err = utils.E(utils.CodeTimeout, "QueueService.PlaceNextCall", "placement cancelled", context.Canceled)

	w := h.do(http.MethodPost, "/queues/q1/next", "")
	assert.Equal(t, utils.HTTPStatus(h.queues.err), w.Code)
	assert.Equal(t, utils.CodeTimeout, decodeError(t, w).Code)
}

func TestRunSchedulesQueue(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/queues/q7/run", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"q7"}, h.runner.queued)
}

func TestProgress(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/queues/q1/progress", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"queueId":"q1","total":4,"completed":1,"failed":1,"pending":2,"calling":0,"percent":50}`, w.Body.String())
}

func TestRecordOutcomeTwiceConflicts(t *testing.T) {
	h := newHarness(t)
	body := `{"status":"completed","duration":95,"notes":"interested"}`

	w := h.do(http.MethodPost, "/calls/job-1/outcome", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "interested", h.queues.outcomes["job-1"].Notes)
	require.NotNil(t, h.queues.outcomes["job-1"].Duration)
	assert.Equal(t, 95, *h.queues.outcomes["job-1"].Duration)

	w = h.do(http.MethodPost, "/calls/job-1/outcome", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, utils.CodeConflict, decodeError(t, w).Code)
}

func TestRecordOutcomeBadBody(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/calls/job-1/outcome", `{"status":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, utils.CodeInvalidArgument, decodeError(t, w).Code)
}

func TestStartSessionLinksCall(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/sessions", `{"sessionId":"s1","callId":"CA9"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp StartSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "connecting", resp.State)
	assert.Equal(t, "CA9", h.links.links["s1"])

	w = h.do(http.MethodPost, "/sessions", `{"sessionId":"s1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, utils.CodeSessionExists, decodeError(t, w).Code)
}

func TestStartSessionGeneratesID(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/sessions", "")
	require.Equal(t, http.StatusCreated, w.Code)

	var resp StartSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.Empty(t, h.links.links)
}

func TestMuteAndVolumeNeedLiveSession(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/sessions/nope/mute", `{"muted":true}`).Code)

	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/sessions", `{"sessionId":"s2"}`).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/sessions/s2/mute", `{"muted":true}`).Code)
	assert.True(t, h.voice.muted["s2"])

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/sessions/s2/volume", `{}`).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/sessions/s2/volume", `{"volume":0.4}`).Code)

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodPost, "/sessions/s2/end", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/sessions/s2/volume", `{"volume":0.4}`).Code)
}

func TestRecordingsUnavailableWithoutArchive(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/recordings/CA1/url", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, utils.CodeUnavailable, decodeError(t, w).Code)
}
