package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/harborwatch/harborwatch/internal/database/repositories"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/orchestrator"
	"github.com/harborwatch/harborwatch/internal/utils"
)

func (s *Server) listUpdates(c *gin.Context) {
	status := models.UpdateStatus(c.Query("status"))
	if status != "" && !models.IsValidUpdateStatus(status) {
		utils.BadRequest(c, "Invalid status filter")
		return
	}
	var containerID uint
	if raw := c.Query("container_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			utils.BadRequest(c, "Invalid container_id filter")
			return
		}
		containerID = uint(parsed)
	}

	list, err := s.updates.List(c.Request.Context(), status, containerID)
	if err != nil {
		utils.InternalServerError(c, "Failed to list updates")
		return
	}
	utils.SuccessResponse(c, gin.H{"updates": list})
}

type approveRequest struct {
	Version int64  `json:"version" binding:"required"`
	Actor   string `json:"actor" binding:"required"`
}

// approveUpdate marks an update approved. The caller echoes the version it
// read; a stale version means someone else acted first and yields 409.
func (s *Server) approveUpdate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req approveRequest
	if !utils.BindJSON(c, &req) {
		return
	}

	update, err := s.orch.Approve(c.Request.Context(), id, req.Actor, req.Version)
	if err != nil {
		s.respondUpdateError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"update": update})
}

type rejectRequest struct {
	Version int64  `json:"version" binding:"required"`
	Actor   string `json:"actor" binding:"required"`
	Reason  string `json:"reason"`
}

func (s *Server) rejectUpdate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req rejectRequest
	if !utils.BindJSON(c, &req) {
		return
	}

	update, err := s.orch.Reject(c.Request.Context(), id, req.Actor, req.Reason, req.Version)
	if err != nil {
		s.respondUpdateError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"update": update})
}

type snoozeRequest struct {
	Version int64     `json:"version" binding:"required"`
	Until   time.Time `json:"until" binding:"required"`
}

func (s *Server) snoozeUpdate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req snoozeRequest
	if !utils.BindJSON(c, &req) {
		return
	}
	if !req.Until.After(time.Now()) {
		utils.BadRequest(c, "Snooze time must be in the future")
		return
	}

	update, err := s.orch.Snooze(c.Request.Context(), id, req.Until, req.Version)
	if err != nil {
		s.respondUpdateError(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"update": update})
}

func (s *Server) respondUpdateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		utils.NotFound(c, "Update not found")
	case errors.Is(err, repositories.ErrVersionConflict):
		utils.Conflict(c, "Update was modified concurrently, reload and retry")
	case errors.Is(err, orchestrator.ErrNotActionable):
		utils.UnprocessableEntity(c, "Update is already resolved")
	default:
		utils.InternalServerError(c, "Failed to modify update")
	}
}

func (s *Server) listHistory(c *gin.Context) {
	var containerID uint
	if raw := c.Query("container_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			utils.BadRequest(c, "Invalid container_id filter")
			return
		}
		containerID = uint(parsed)
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	records, err := s.history.List(c.Request.Context(), containerID, limit)
	if err != nil {
		utils.InternalServerError(c, "Failed to list history")
		return
	}
	utils.SuccessResponse(c, gin.H{"history": records})
}

// rollback restores the compose snapshot of a successful apply.
func (s *Server) rollback(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	record, err := s.orch.Rollback(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			utils.NotFound(c, "History record not found")
		case errors.Is(err, orchestrator.ErrNotRollbackable):
			utils.UnprocessableEntity(c, "History record cannot be rolled back")
		default:
			utils.InternalServerError(c, "Rollback failed: "+err.Error())
		}
		return
	}
	utils.SuccessResponse(c, gin.H{"history": record})
}

// runSweep triggers one orchestration sweep immediately.
func (s *Server) runSweep(c *gin.Context) {
	result, err := s.orch.Sweep(c.Request.Context(), s.config.Snapshot())
	if err != nil {
		utils.InternalServerError(c, "Sweep failed: "+err.Error())
		return
	}
	utils.SuccessResponse(c, gin.H{"sweep": result})
}
