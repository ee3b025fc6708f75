package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/openphenome/forest-backend-go/internal/forest"
	"github.com/openphenome/forest-backend-go/internal/models"
	"github.com/openphenome/forest-backend-go/internal/service"
	"github.com/openphenome/forest-backend-go/pkg/response"
)

// ForestTaskHandler handles HTTP requests for forest tasks
type ForestTaskHandler struct {
	service *service.ForestTaskService
}

// NewForestTaskHandler creates a new forest task handler
func NewForestTaskHandler(service *service.ForestTaskService) *ForestTaskHandler {
	return &ForestTaskHandler{service: service}
}

// CreateTaskRequest represents the request body for queueing a forest task
type CreateTaskRequest struct {
	PatientID     string          `json:"patient_id" binding:"required"`
	ForestTree    string          `json:"forest_tree" binding:"required"`
	DataDateStart string          `json:"data_date_start" binding:"required"`
	DataDateEnd   string          `json:"data_date_end" binding:"required"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
}

// decodeOverrides parses the optional per-tree parameter overrides from
// the request body into the typed struct for the requested tree.
func decodeOverrides(tree models.ForestTree, raw json.RawMessage) (forest.TreeOverrides, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var overrides forest.TreeOverrides
	switch tree {
	case models.TreeJasmine:
		overrides = &forest.JasmineOverrides{}
	case models.TreeOak:
		overrides = &forest.OakOverrides{}
	case models.TreeSycamore:
		overrides = &forest.SycamoreOverrides{}
	case models.TreeWillow:
		overrides = &forest.WillowOverrides{}
	default:
		return nil, fmt.Errorf("invalid forest tree: %s", tree)
	}
	// unknown keys are rejected so a typoed parameter name fails here
	// instead of silently running the tree with defaults
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(overrides); err != nil {
		return nil, fmt.Errorf("invalid parameters for %s: %w", tree, err)
	}
	return overrides, nil
}

// CreateTask queues a new forest task
// POST /api/v1/forest/tasks
func (h *ForestTaskHandler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	tree := models.ForestTree(req.ForestTree)
	overrides, err := decodeOverrides(tree, req.Parameters)
	if err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	task, err := h.service.CreateTask(c.Request.Context(), service.CreateTaskRequest{
		PatientID:     req.PatientID,
		ForestTree:    tree,
		DataDateStart: req.DataDateStart,
		DataDateEnd:   req.DataDateEnd,
		Overrides:     overrides,
	})
	if err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	response.Success(c, task)
}

// GetTask retrieves a task by external id
// GET /api/v1/forest/tasks/:external_id
func (h *ForestTaskHandler) GetTask(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), c.Param("external_id"))
	if err != nil {
		response.Error(c, http.StatusNotFound, err.Error())
		return
	}
	response.Success(c, task)
}

// ListTasks retrieves tasks with optional filters
// GET /api/v1/forest/tasks
func (h *ForestTaskHandler) ListTasks(c *gin.Context) {
	tree := c.Query("forest_tree")
	status := c.Query("status")

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		offset = 0
	}

	tasks, err := h.service.ListTasks(c.Request.Context(), tree, status, limit, offset)
	if err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	response.Success(c, gin.H{
		"tasks":  tasks,
		"limit":  limit,
		"offset": offset,
	})
}

// CancelTask cancels a queued task
// POST /api/v1/forest/tasks/:external_id/cancel
func (h *ForestTaskHandler) CancelTask(c *gin.Context) {
	if err := h.service.CancelTask(c.Request.Context(), c.Param("external_id")); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	response.Success(c, gin.H{"message": "Task cancelled successfully"})
}
