package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/BoweryJG/repconnect/internal/services"
	"github.com/BoweryJG/repconnect/internal/session"
	"github.com/BoweryJG/repconnect/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// VoiceControl is the slice of the voice manager the API drives.
type VoiceControl interface {
	StartSession(ctx context.Context, id string) (*session.Session, error)
	EndSession(id string)
	SetMuted(id string, muted bool) bool
	SetVolume(id string, v float64) bool
	SendMetadata(id string, v any) error
}

type SessionHandler struct {
	voice      VoiceControl
	sessions   services.VoiceSessionService
	recordings services.RecordingService
}

func NewSessionHandler(voice VoiceControl, sessions services.VoiceSessionService, recordings services.RecordingService) *SessionHandler {
	return &SessionHandler{voice: voice, sessions: sessions, recordings: recordings}
}

type StartSessionRequest struct {
	SessionID string `json:"sessionId"`
	CallID    string `json:"callId"`
}

type StartSessionResponse struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	CreatedAt string `json:"createdAt"`
}

func (h *SessionHandler) Start(c *gin.Context) {
	var req StartSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, utils.E(utils.CodeInvalidArgument, "SessionHandler.Start", "invalid request body", err))
			return
		}
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	sess, err := h.voice.StartSession(c.Request.Context(), req.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if req.CallID != "" {
		if err := h.sessions.Link(c.Request.Context(), sess.ID, req.CallID, "initiator"); err != nil {
			writeError(c, err)
			return
		}
	}

	c.JSON(http.StatusCreated, StartSessionResponse{
		SessionID: sess.ID,
		State:     sess.State().String(),
		CreatedAt: sess.CreatedAt.Format(time.RFC3339),
	})
}

func (h *SessionHandler) Get(c *gin.Context) {
	rec, err := h.sessions.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *SessionHandler) End(c *gin.Context) {
	h.voice.EndSession(c.Param("session_id"))
	c.Status(http.StatusNoContent)
}

type MuteRequest struct {
	Muted bool `json:"muted"`
}

func (h *SessionHandler) Mute(c *gin.Context) {
	var req MuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SessionHandler.Mute", "invalid request body", err))
		return
	}
	if !h.voice.SetMuted(c.Param("session_id"), req.Muted) {
		writeError(c, utils.E(utils.CodeNotFound, "SessionHandler.Mute", "session not found", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": req.Muted})
}

type VolumeRequest struct {
	Volume *float64 `json:"volume" binding:"required"`
}

func (h *SessionHandler) Volume(c *gin.Context) {
	var req VolumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SessionHandler.Volume", "invalid request body", err))
		return
	}
	if !h.voice.SetVolume(c.Param("session_id"), *req.Volume) {
		writeError(c, utils.E(utils.CodeNotFound, "SessionHandler.Volume", "session not found", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"volume": *req.Volume})
}

func (h *SessionHandler) Transcripts(c *gin.Context) {
	items, err := h.sessions.Transcripts(c.Request.Context(), c.Param("session_id"), int64(queryInt(c, "limit", 100)))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transcripts": items})
}

func (h *SessionHandler) recordingsEnabled(c *gin.Context) bool {
	if h.recordings == nil {
		writeError(c, utils.E(utils.CodeUnavailable, "SessionHandler.Recordings", "recording archive is not configured", nil))
		return false
	}
	return true
}

func (h *SessionHandler) ArchiveRecordings(c *gin.Context) {
	if !h.recordingsEnabled(c) {
		return
	}
	recs, err := h.recordings.Archive(c.Request.Context(), c.Param("call_sid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recordings": recs})
}

func (h *SessionHandler) RecordingURL(c *gin.Context) {
	if !h.recordingsEnabled(c) {
		return
	}
	ttl := time.Duration(queryInt(c, "ttl_minutes", 15)) * time.Minute
	url, err := h.recordings.SignedURL(c.Request.Context(), c.Param("call_sid"), ttl)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expiresIn": int(ttl.Seconds())})
}
