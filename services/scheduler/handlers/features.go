// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP surface of the scheduler service.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Fawwaz-2009/automaker/services/scheduler/engine"
	"github.com/Fawwaz-2009/automaker/services/scheduler/feature"
	"github.com/Fawwaz-2009/automaker/services/scheduler/graph"
	"github.com/Fawwaz-2009/automaker/services/scheduler/store"
	"github.com/Fawwaz-2009/automaker/services/scheduler/workspace"
)

type createFeatureRequest struct {
	Title        string   `json:"title" binding:"required"`
	Description  string   `json:"description"`
	BranchName   string   `json:"branch_name"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies"`
}

type updateFeatureRequest struct {
	Title        *string   `json:"title"`
	Description  *string   `json:"description"`
	BranchName   *string   `json:"branch_name"`
	Priority     *int      `json:"priority"`
	Dependencies *[]string `json:"dependencies"`
}

type addDependencyRequest struct {
	SourceID string `json:"source_id" binding:"required"`
}

// writeError maps the scheduler error taxonomy onto HTTP statuses.
// Graph-integrity rejections are synchronous: the client sees them on the
// mutating call itself, never only via the event stream.
func writeError(c *gin.Context, err error) {
	var cycleErr *graph.CycleError
	switch {
	case errors.As(err, &cycleErr):
		c.JSON(http.StatusConflict, gin.H{
			"error": "dependency cycle rejected",
			"cycle": cycleErr.Path,
		})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrConflict), errors.Is(err, engine.ErrFeatureRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrNotEligible):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, workspace.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		slog.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// CreateFeature handles POST /v1/features.
func CreateFeature(coord *engine.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createFeatureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		created, err := coord.CreateFeature(c.Request.Context(), feature.Feature{
			Title:        req.Title,
			Description:  req.Description,
			BranchName:   req.BranchName,
			Priority:     req.Priority,
			Dependencies: req.Dependencies,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, created)
	}
}

// ListFeatures handles GET /v1/features.
func ListFeatures(coord *engine.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"features": coord.Features()})
	}
}

// GetFeature handles GET /v1/features/:id.
func GetFeature(coord *engine.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := coord.Feature(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, f)
	}
}

// UpdateFeature handles PATCH /v1/features/:id.
func UpdateFeature(coord *engine.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateFeatureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		updated, err := coord.UpdateFeature(c.Request.Context(), c.Param("id"), engine.Patch{
			Title:        req.Title,
			Description:  req.Description,
			BranchName:   req.BranchName,
			Priority:     req.Priority,
			Dependencies: req.Dependencies,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

// DeleteFeature handles DELETE /v1/features/:id. The cascade query flag
// removes edges from dependents instead of failing on them.
func DeleteFeature(coord *engine.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		cascade := c.Query("cascade") == "true"
		if err := coord.DeleteFeature(c.Request.Context(), c.Param("id"), cascade); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// AddDependency handles POST /v1/features/:id/dependencies. The body
// names the source feature that must complete before :id may start.
func AddDependency(coord *engine.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req addDependencyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := coord.AddDependency(c.Request.Context(), req.SourceID, c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// RemoveDependency handles DELETE /v1/features/:id/dependencies/:depId.
func RemoveDependency(coord *engine.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := coord.RemoveDependency(c.Request.Context(), c.Param("depId"), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// StartFeature handles POST /v1/features/:id/start.
func StartFeature(coord *engine.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := coord.StartFeature(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	}
}

// StopFeature handles POST /v1/features/:id/stop. Accepted means the
// terminate request reached the agent; the stopped transition arrives on
// the event stream once acknowledged.
func StopFeature(coord *engine.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := coord.StopFeature(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	}
}

// ResumeFeature handles POST /v1/features/:id/resume.
func ResumeFeature(coord *engine.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := coord.ResumeFeature(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	}
}

// SpawnTask handles POST /v1/features/:id/spawn: create a new feature
// depending on :id.
func SpawnTask(coord *engine.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createFeatureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		child, err := coord.SpawnTask(c.Request.Context(), c.Param("id"), feature.Feature{
			Title:        req.Title,
			Description:  req.Description,
			BranchName:   req.BranchName,
			Priority:     req.Priority,
			Dependencies: req.Dependencies,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, child)
	}
}

// Slots handles GET /v1/slots: the live execution slot table.
func Slots(coord *engine.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		slots, err := coord.RunningSlots(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"slots": slots})
	}
}

// HealthCheck handles GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
