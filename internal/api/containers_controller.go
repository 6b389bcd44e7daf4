package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/harborwatch/harborwatch/internal/database/repositories"
	"github.com/harborwatch/harborwatch/internal/engine"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/utils"
)

func (s *Server) listContainers(c *gin.Context) {
	list, err := s.containers.List(c.Request.Context())
	if err != nil {
		utils.InternalServerError(c, "Failed to list containers")
		return
	}
	utils.SuccessResponse(c, gin.H{"containers": list})
}

func (s *Server) getContainer(c *gin.Context) {
	container, ok := s.loadContainer(c)
	if !ok {
		return
	}
	utils.SuccessResponse(c, gin.H{"container": container})
}

type updateContainerRequest struct {
	Policy            *models.UpdatePolicy `json:"policy"`
	Scope             *models.ChangeScope  `json:"scope"`
	VersionTrack      *string              `json:"version_track"`
	IncludePrerelease *bool                `json:"include_prerelease"`
	MaintenanceWindow *string              `json:"maintenance_window"`
	IgnoredVersion    *string              `json:"ignored_version"`
	IgnoredPrefix     *string              `json:"ignored_prefix"`
	DependsOn         *[]string            `json:"depends_on"`
}

// updateContainer mutates the operator-editable policy fields. Identity
// and runtime-observed fields are owned by discovery and applies.
func (s *Server) updateContainer(c *gin.Context) {
	container, ok := s.loadContainer(c)
	if !ok {
		return
	}
	var req updateContainerRequest
	if !utils.BindJSON(c, &req) {
		return
	}

	if req.Policy != nil {
		container.Policy = *req.Policy
	}
	if req.Scope != nil {
		container.Scope = *req.Scope
	}
	if req.VersionTrack != nil {
		if *req.VersionTrack == "" {
			container.VersionTrack = nil
		} else {
			container.VersionTrack = req.VersionTrack
		}
	}
	if req.IncludePrerelease != nil {
		container.IncludePrerelease = req.IncludePrerelease
	}
	if req.MaintenanceWindow != nil {
		if _, err := engine.ParseWindow(*req.MaintenanceWindow); err != nil {
			utils.BadRequest(c, err.Error())
			return
		}
		container.MaintenanceWindow = *req.MaintenanceWindow
	}
	if req.IgnoredVersion != nil {
		container.IgnoredVersion = *req.IgnoredVersion
	}
	if req.IgnoredPrefix != nil {
		container.IgnoredPrefix = *req.IgnoredPrefix
	}
	if req.DependsOn != nil {
		container.DependsOn = models.StringArray(*req.DependsOn)
	}

	if err := container.Validate(); err != nil {
		utils.BadRequest(c, "Invalid container configuration: "+err.Error())
		return
	}
	if err := s.containers.Save(c.Request.Context(), container); err != nil {
		utils.InternalServerError(c, "Failed to save container")
		return
	}
	utils.SuccessResponse(c, gin.H{"container": container})
}

// getTrace returns the decision trace of the container's most recent
// unresolved update, falling back to the latest resolved one.
func (s *Server) getTrace(c *gin.Context) {
	container, ok := s.loadContainer(c)
	if !ok {
		return
	}

	update, err := s.updates.GetUnresolved(c.Request.Context(), container.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		var list []models.Update
		list, err = s.updates.List(c.Request.Context(), "", container.ID)
		if err == nil {
			if len(list) == 0 {
				utils.NotFound(c, "Container has no recorded decisions")
				return
			}
			update = &list[0]
		}
	}
	if err != nil {
		utils.InternalServerError(c, "Failed to load decision trace")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"update_id": update.ID,
		"status":    update.Status,
		"trace":     update.DecisionTrace,
	})
}

func (s *Server) loadContainer(c *gin.Context) (*models.Container, bool) {
	id, ok := pathID(c)
	if !ok {
		return nil, false
	}
	container, err := s.containers.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			utils.NotFound(c, "Container not found")
			return nil, false
		}
		utils.InternalServerError(c, "Failed to load container")
		return nil, false
	}
	return container, true
}
