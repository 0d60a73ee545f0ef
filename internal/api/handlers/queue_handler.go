package handlers

import (
	"context"
	"net/http"

	"github.com/BoweryJG/repconnect/internal/models"
	"github.com/BoweryJG/repconnect/internal/services"
	"github.com/BoweryJG/repconnect/internal/utils"
	"github.com/gin-gonic/gin"
)

// Runner hands a queue to the background dialer.
type Runner interface {
	Enqueue(ctx context.Context, queueID string) error
}

type QueueHandler struct {
	queues services.QueueService
	runner Runner
}

func NewQueueHandler(queues services.QueueService, runner Runner) *QueueHandler {
	return &QueueHandler{queues: queues, runner: runner}
}

func (h *QueueHandler) Recent(c *gin.Context) {
	metas, err := h.queues.RecentQueues(c.Request.Context(), queryInt(c, "limit", 10))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": metas})
}

func (h *QueueHandler) Get(c *gin.Context) {
	calls, err := h.queues.Queue(c.Request.Context(), c.Param("queue_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queueId": c.Param("queue_id"), "calls": calls})
}

func (h *QueueHandler) Progress(c *gin.Context) {
	p, err := h.queues.Progress(c.Request.Context(), c.Param("queue_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *QueueHandler) Recover(c *gin.Context) {
	pending, err := h.queues.RecoverQueue(c.Request.Context(), c.Param("queue_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queueId": c.Param("queue_id"), "hasPending": pending})
}

// Next places the next due call synchronously.
func (h *QueueHandler) Next(c *gin.Context) {
	job, err := h.queues.PlaceNextCall(c.Request.Context(), c.Param("queue_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if job == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *QueueHandler) Run(c *gin.Context) {
	queueID := c.Param("queue_id")
	if err := h.runner.Enqueue(c.Request.Context(), queueID); err != nil {
		writeError(c, utils.E(utils.CodeUnavailable, "QueueHandler.Run", "failed to schedule queue", err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queueId": queueID, "status": "scheduled"})
}

func (h *QueueHandler) RemovePending(c *gin.Context) {
	n, err := h.queues.RemovePending(c.Request.Context(), c.Param("queue_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (h *QueueHandler) RecordOutcome(c *gin.Context) {
	var req models.CallOutcome
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "QueueHandler.RecordOutcome", "invalid request body", err))
		return
	}

	job, err := h.queues.RecordOutcome(c.Request.Context(), c.Param("call_id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
