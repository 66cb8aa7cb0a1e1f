package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/compiler"
	"github.com/weftlabs/weft/internal/diagram"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// --- Workflows ---

type runWorkflowRequest struct {
	Definition schema.WorkflowDefinition `json:"definition"`
	Input      json.RawMessage           `json:"input,omitempty"`
	Wait       bool                      `json:"wait,omitempty"`
}

// handleRunWorkflow seeds and runs an inline definition. With wait=true the
// response carries the final report; otherwise the run continues in the
// background and the response is the accepted workflow ID.
func (s *Server) handleRunWorkflow(c *gin.Context) {
	var req runWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %s", err.Error()))
		return
	}

	if req.Wait {
		report, err := s.deps.Runtime.Run(c.Request.Context(), &req.Definition, req.Input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}

	// Seed synchronously so validation errors surface in the response, then
	// let the run finish detached from the request.
	plan, err := s.deps.Runtime.Seed(c.Request.Context(), &req.Definition, req.Input)
	if err != nil {
		writeError(c, err)
		return
	}
	go s.runDetached(&req.Definition, req.Input)

	c.JSON(http.StatusAccepted, gin.H{
		"workflow_id": plan.WorkflowID,
		"status":      schema.WorkflowStatusRunning,
	})
}

// runDetached re-enters Run with a background context; the seed inside is
// idempotent against the one already done.
func (s *Server) runDetached(def *schema.WorkflowDefinition, input json.RawMessage) {
	if _, err := s.deps.Runtime.Run(context.Background(), def, input); err != nil {
		s.deps.Logger.Error("background workflow run failed",
			"workflow_id", def.WorkflowID, "error", err)
	}
}

func (s *Server) handleListWorkflows(c *gin.Context) {
	filter := store.WorkflowFilter{Limit: queryInt(c, "limit", 50)}
	if raw := c.Query("status"); raw != "" {
		status := schema.WorkflowStatus(raw)
		filter.Status = &status
	}

	metas, err := s.deps.Store.ListWorkflows(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": metas, "count": len(metas)})
}

func (s *Server) handleGetWorkflow(c *gin.Context) {
	meta, err := s.deps.Store.GetWorkflowMeta(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) handleListStates(c *gin.Context) {
	records, err := s.deps.Store.ListStateRecords(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"states": records, "count": len(records)})
}

func (s *Server) handleStateOutput(c *gin.Context) {
	env, err := s.deps.Store.LatestEnvelope(c.Request.Context(), c.Param("id"), c.Param("state"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

func (s *Server) handleWorkflowEvents(c *gin.Context) {
	since := int64(queryInt(c, "since", 0))
	events, err := s.deps.Store.GetEvents(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// handleDiagram renders the run's plan. format=mermaid (default), ascii, or
// png.
func (s *Server) handleDiagram(c *gin.Context) {
	ctx := c.Request.Context()
	workflowID := c.Param("id")

	meta, err := s.deps.Store.GetWorkflowMeta(ctx, workflowID)
	if err != nil {
		writeError(c, err)
		return
	}
	plan, err := compiler.UnmarshalPlan(meta.Plan)
	if err != nil {
		writeError(c, err)
		return
	}
	records, err := s.deps.Store.ListStateRecords(ctx, workflowID)
	if err != nil {
		writeError(c, err)
		return
	}

	model := diagram.Build(plan, records)
	switch c.DefaultQuery("format", "mermaid") {
	case "ascii":
		c.String(http.StatusOK, diagram.RenderASCII(model))
	case "png":
		png, renderErr := diagram.RenderImage(model)
		if renderErr != nil {
			writeError(c, renderErr)
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	default:
		c.String(http.StatusOK, diagram.RenderMermaid(model))
	}
}

func (s *Server) handleAbortWorkflow(c *gin.Context) {
	workflowID := c.Param("id")
	if err := s.deps.Runtime.Abort(c.Request.Context(), workflowID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow_id": workflowID, "aborted": true})
}

// --- Definition catalog ---

type publishDefinitionRequest struct {
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition"`
}

func (s *Server) handlePublishDefinition(c *gin.Context) {
	var req publishDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %s", err.Error()))
		return
	}
	if req.Name == "" || req.Version == "" {
		writeError(c, schema.NewError(schema.ErrCodeValidation, "name and version are required"))
		return
	}

	err := s.deps.Store.PutDefinition(c.Request.Context(), &store.Definition{
		Name:        req.Name,
		Version:     req.Version,
		Description: req.Description,
		Raw:         req.Definition,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "version": req.Version})
}

func (s *Server) handleListDefinitions(c *gin.Context) {
	defs, err := s.deps.Store.ListDefinitions(c.Request.Context(), queryInt(c, "limit", 0))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"definitions": defs, "count": len(defs)})
}

type runDefinitionRequest struct {
	Version string          `json:"version,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Wait    bool            `json:"wait,omitempty"`
}

func (s *Server) handleRunDefinition(c *gin.Context) {
	var req runDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %s", err.Error()))
		return
	}
	name := c.Param("name")

	if req.Wait {
		report, err := s.deps.Runtime.RunDefinition(c.Request.Context(), name, req.Version, req.Input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}

	// Resolve the definition synchronously so a missing name is a 404, not a
	// silent background failure.
	if _, err := s.deps.Store.GetDefinition(c.Request.Context(), name, req.Version); err != nil {
		writeError(c, err)
		return
	}
	go func() {
		if _, err := s.deps.Runtime.RunDefinition(context.Background(), name, req.Version, req.Input); err != nil {
			s.deps.Logger.Error("background definition run failed",
				"definition", name, "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"definition": name, "status": schema.WorkflowStatusRunning})
}

// --- Capability catalog ---

type publishCapabilityRequest struct {
	Descriptor schema.CapabilityDescriptor `json:"descriptor"`
	Summary    string                      `json:"summary,omitempty"`
	Enabled    *bool                       `json:"enabled,omitempty"`
}

func (s *Server) handlePublishCapability(c *gin.Context) {
	var req publishCapabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %s", err.Error()))
		return
	}

	name, version, err := schema.ParseManifestID(req.Descriptor.ManifestID)
	if err != nil {
		writeError(c, err)
		return
	}
	raw, err := json.Marshal(req.Descriptor)
	if err != nil {
		writeError(c, schema.NewError(schema.ErrCodeValidation, "descriptor is not serializable").WithCause(err))
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	err = s.deps.Store.PutManifest(c.Request.Context(), &store.CapabilityManifest{
		ManifestID: req.Descriptor.ManifestID,
		Name:       name,
		Version:    version,
		Summary:    req.Summary,
		Descriptor: raw,
		Enabled:    enabled,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"manifest_id": req.Descriptor.ManifestID})
}

func (s *Server) handleListCapabilities(c *gin.Context) {
	ctx := c.Request.Context()
	limit := queryInt(c, "limit", 50)

	if q := c.Query("q"); q != "" {
		manifests, err := s.deps.Store.SearchManifests(ctx, q, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"capabilities": manifests, "count": len(manifests)})
		return
	}

	manifests, err := s.deps.Store.ListManifests(ctx, store.ManifestFilter{
		Name:  c.Query("name"),
		Limit: limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"capabilities": manifests, "count": len(manifests)})
}

func (s *Server) handleCapabilityStats(c *gin.Context) {
	stats, err := s.deps.Store.CapabilityStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// --- Executors ---

func (s *Server) handleListExecutors(c *gin.Context) {
	execs, err := s.deps.Store.ListExecutors(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executors": execs, "count": len(execs)})
}

// --- Scheduled jobs ---

type createJobRequest struct {
	DefinitionName    string          `json:"definition_name"`
	DefinitionVersion string          `json:"definition_version,omitempty"`
	CronExpression    string          `json:"cron_expression"`
	Input             json.RawMessage `json:"input,omitempty"`
	Enabled           bool            `json:"enabled"`
}

func (s *Server) handleCreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %s", err.Error()))
		return
	}
	if req.DefinitionName == "" || req.CronExpression == "" {
		writeError(c, schema.NewError(schema.ErrCodeValidation, "definition_name and cron_expression are required"))
		return
	}

	job := &store.ScheduledJob{
		ID:                uuid.New().String(),
		DefinitionName:    req.DefinitionName,
		DefinitionVersion: req.DefinitionVersion,
		CronExpression:    req.CronExpression,
		Input:             req.Input,
		Enabled:           req.Enabled,
	}
	if err := s.deps.Store.CreateScheduledJob(c.Request.Context(), job); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": job.ID})
}

func (s *Server) handleListJobs(c *gin.Context) {
	filter := store.ScheduledJobFilter{Limit: queryInt(c, "limit", 0)}
	if raw := c.Query("enabled"); raw != "" {
		enabled := raw == "true"
		filter.Enabled = &enabled
	}

	jobs, err := s.deps.Store.ListScheduledJobs(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleUpdateJob(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %s", err.Error()))
		return
	}

	id := c.Param("id")
	if err := s.deps.Store.UpdateScheduledJob(c.Request.Context(), id, store.ScheduledJobUpdate{
		Enabled: req.Enabled,
	}); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) handleDeleteJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Store.DeleteScheduledJob(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
