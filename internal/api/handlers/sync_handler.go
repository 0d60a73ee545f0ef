package handlers

import (
	"net/http"

	"github.com/BoweryJG/repconnect/internal/services"
	"github.com/BoweryJG/repconnect/internal/utils"
	"github.com/gin-gonic/gin"
)

type SyncHandler struct {
	svc services.SyncService
}

func NewSyncHandler(svc services.SyncService) *SyncHandler {
	return &SyncHandler{svc: svc}
}

type InstructionRequest struct {
	Instruction string `json:"instruction" binding:"required"`
}

func (h *SyncHandler) Create(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req InstructionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SyncHandler.Create", "invalid request body", err))
		return
	}

	sq, err := h.svc.Sync(c.Request.Context(), userID, req.Instruction)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sq)
}

func (h *SyncHandler) Get(c *gin.Context) {
	sq, err := h.svc.Get(c.Request.Context(), c.Param("sync_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sq)
}

// Preview scores the caller's contacts without creating a queue.
func (h *SyncHandler) Preview(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req InstructionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SyncHandler.Preview", "invalid request body", err))
		return
	}

	p, err := h.svc.Preview(c.Request.Context(), userID, req.Instruction)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
