package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mikeboe/research-director/pkg/index"
	"github.com/mikeboe/research-director/pkg/research"
)

var errNoIndex = errors.New("content index is not configured")

type sourceArgs struct {
	Source string `json:"source" jsonschema:"the source URL"`
}

type metadataArgs struct {
	Filter map[string]interface{} `json:"filter" jsonschema:"JSON filter object with logical operators ($and, $or, $not)"`
	Limit  int                    `json:"limit,omitempty" jsonschema:"maximum number of chunks (default 50)"`
}

type jobArgs struct {
	JobID string `json:"job_id" jsonschema:"the research job id"`
}

// researchStatus is the get_research_state payload
type researchStatus struct {
	ID             string            `json:"id"`
	Query          string            `json:"query"`
	Status         research.Status   `json:"status"`
	IterationCount int               `json:"iteration_count"`
	Progress       research.Progress `json:"progress"`
	Sources        []research.Source `json:"sources"`
	Summary        string            `json:"summary,omitempty"`
	Report         string            `json:"report,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// newMCPServer registers the content and research tools. Tool failures are
// returned as error results so the calling model can see them.
func (h *Handler) newMCPServer() *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{Name: "research-director-mcp", Version: "1.0.0"}, nil)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "search_content",
		Description: "Semantic search over verified research content.",
	}, h.searchContent)
	mcp.AddTool(s, &mcp.Tool{
		Name:        "find_content_by_source",
		Description: "Return all indexed content for a source URL.",
	}, h.findContentBySource)
	mcp.AddTool(s, &mcp.Tool{
		Name:        "find_content_by_metadata",
		Description: "Find content using logical filters ($and, $or, $not) on metadata.",
	}, h.findContentByMetadata)
	mcp.AddTool(s, &mcp.Tool{
		Name:        "start_research",
		Description: "Start a research job for a topic and return its id.",
	}, h.startResearch)
	mcp.AddTool(s, &mcp.Tool{
		Name:        "get_research_state",
		Description: "Return progress, sources and report of a research job.",
	}, h.getResearchState)

	return s
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func (h *Handler) searchContent(ctx context.Context, _ *mcp.CallToolRequest, args index.SearchContentArgs) (*mcp.CallToolResult, any, error) {
	if h.Content == nil {
		return nil, nil, errNoIndex
	}
	out, err := h.Content.SearchContent(ctx, args)
	if err != nil {
		return nil, nil, err
	}
	return textResult(out), nil, nil
}

func (h *Handler) findContentBySource(ctx context.Context, _ *mcp.CallToolRequest, args sourceArgs) (*mcp.CallToolResult, any, error) {
	if h.Content == nil {
		return nil, nil, errNoIndex
	}
	if args.Source == "" {
		return nil, nil, errors.New("source is required")
	}
	out, err := h.Content.FindContentBySource(ctx, args.Source)
	if err != nil {
		return nil, nil, err
	}
	return textResult(out), nil, nil
}

func (h *Handler) findContentByMetadata(ctx context.Context, _ *mcp.CallToolRequest, args metadataArgs) (*mcp.CallToolResult, any, error) {
	if h.Content == nil {
		return nil, nil, errNoIndex
	}
	out, err := h.Content.FindContentByMetadata(ctx, args.Filter, args.Limit)
	if err != nil {
		return nil, nil, err
	}
	return textResult(out), nil, nil
}

func (h *Handler) startResearch(ctx context.Context, _ *mcp.CallToolRequest, args CreateJobRequest) (*mcp.CallToolResult, any, error) {
	job, err := h.Jobs.CreateJob(ctx, args)
	if err != nil {
		return nil, nil, err
	}
	return textResult(fmt.Sprintf("Started research job %s for %q", job.ID, job.Topic)), nil, nil
}

func (h *Handler) getResearchState(ctx context.Context, _ *mcp.CallToolRequest, args jobArgs) (*mcp.CallToolResult, researchStatus, error) {
	id, err := uuid.Parse(args.JobID)
	if err != nil {
		return nil, researchStatus{}, fmt.Errorf("invalid job_id %q: %w", args.JobID, err)
	}
	state, err := h.Jobs.GetJobState(ctx, id)
	if err != nil {
		return nil, researchStatus{}, err
	}
	return nil, researchStatus{
		ID:             state.ID,
		Query:          state.Query,
		Status:         state.Status,
		IterationCount: state.IterationCount,
		Progress:       state.Progress(),
		Sources:        state.Sources(),
		Summary:        state.Summary,
		Report:         state.Report,
		Error:          state.Error,
	}, nil
}
