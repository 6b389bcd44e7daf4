package api

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/harborwatch/harborwatch/internal/database/repositories"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/utils"
)

type startCheckRequest struct {
	ContainerID *uint `json:"container_id"`
}

// startCheck launches a fleet check job. A second request while one is
// active returns the active job instead of a new one.
func (s *Server) startCheck(c *gin.Context) {
	var req startCheckRequest
	if c.Request.ContentLength > 0 && !utils.BindJSON(c, &req) {
		return
	}

	job, alreadyRunning, err := s.scan.RunCheck(
		c.Request.Context(), "api", req.ContainerID, s.config.Snapshot())
	if err != nil {
		utils.InternalServerError(c, "Failed to start check job: "+err.Error())
		return
	}
	if alreadyRunning {
		utils.SuccessResponse(c, gin.H{"job": job, "already_running": true})
		return
	}
	utils.AcceptedResponse(c, gin.H{"job": job})
}

// startDependencyScan launches a dependency scan job.
func (s *Server) startDependencyScan(c *gin.Context) {
	job, alreadyRunning, err := s.scan.RunDependencyScan(c.Request.Context(), "api")
	if err != nil {
		utils.InternalServerError(c, "Failed to start dependency scan: "+err.Error())
		return
	}
	if alreadyRunning {
		utils.SuccessResponse(c, gin.H{"job": job, "already_running": true})
		return
	}
	utils.AcceptedResponse(c, gin.H{"job": job})
}

func (s *Server) listJobs(c *gin.Context) {
	kind := models.JobKind(c.Query("kind"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	list, err := s.jobsRepo.List(c.Request.Context(), kind, limit)
	if err != nil {
		utils.InternalServerError(c, "Failed to list jobs")
		return
	}
	utils.SuccessResponse(c, gin.H{"jobs": list})
}

func (s *Server) getJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	job, err := s.jobsRepo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			utils.NotFound(c, "Job not found")
			return
		}
		utils.InternalServerError(c, "Failed to load job")
		return
	}
	utils.SuccessResponse(c, gin.H{"job": job, "progress": job.ProgressPercent()})
}

// cancelJob requests cooperative cancellation; the job keeps running until
// its next checkpoint.
func (s *Server) cancelJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	job, err := s.jobsRepo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			utils.NotFound(c, "Job not found")
			return
		}
		utils.InternalServerError(c, "Failed to load job")
		return
	}
	if job.Status.Terminal() {
		utils.Conflict(c, "Job has already finished")
		return
	}
	if err := s.runner.Cancel(c.Request.Context(), id); err != nil {
		utils.InternalServerError(c, "Failed to request cancellation")
		return
	}
	utils.AcceptedResponse(c, gin.H{"cancel_requested": true})
}

// pathID parses the :id path parameter.
func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		utils.BadRequest(c, "Invalid id parameter")
		return 0, false
	}
	return uint(id), true
}
