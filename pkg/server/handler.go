package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mikeboe/research-director/pkg/index"
	"github.com/mikeboe/research-director/pkg/research"
)

var (
	// ErrInvalidRequest marks client errors in job requests
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConflict is returned when a job is in the wrong state for an operation
	ErrConflict = errors.New("conflict")
)

// ContentSearcher answers queries over the indexed verified content
type ContentSearcher interface {
	SearchContent(ctx context.Context, args index.SearchContentArgs) (string, error)
	FindContentBySource(ctx context.Context, source string) (string, error)
	FindContentByMetadata(ctx context.Context, filter map[string]interface{}, limit int) (string, error)
}

type Handler struct {
	Jobs    JobService
	Content ContentSearcher

	mcpHandler *mcp.StreamableHTTPHandler
}

// NewHandler wires the HTTP layer. content may be nil when no vector index
// is configured; the content tools then report an error.
func NewHandler(jobs JobService, content ContentSearcher) *Handler {
	h := &Handler{Jobs: jobs, Content: content}
	srv := h.newMCPServer()
	h.mcpHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
	return h
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.Any("/mcp", gin.WrapH(h.mcpHandler))

	api := r.Group("/api")
	{
		api.POST("/research", h.createJob)
		api.GET("/research", h.listJobs)
		api.GET("/research/:id", h.getJob)
		api.GET("/research/:id/logs", h.getJobLogs)
		api.GET("/research/:id/state", h.getJobState)
		api.GET("/research/:id/sources", h.getJobSources)
		api.POST("/research/:id/resume", h.resumeJob)
		api.POST("/research/:id/cancel", h.cancelJob)
	}
}

// writeError maps service errors onto HTTP status codes
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, research.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) createJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := h.Jobs.CreateJob(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (h *Handler) listJobs(c *gin.Context) {
	jobs, err := h.Jobs.ListJobs(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	// Return empty list instead of null
	if jobs == nil {
		jobs = []Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *Handler) getJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	job, err := h.Jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) getJobLogs(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	logs, err := h.Jobs.GetJobLogs(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if logs == nil {
		logs = []LogEntry{}
	}
	c.JSON(http.StatusOK, logs)
}

func (h *Handler) getJobState(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	state, err := h.Jobs.GetJobState(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handler) getJobSources(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	state, err := h.Jobs.GetJobState(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state.Sources())
}

func (h *Handler) resumeJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	job, err := h.Jobs.ResumeJob(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (h *Handler) cancelJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.Jobs.CancelJob(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "canceling"})
}
