package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memstream/pkg/model"
	"github.com/m-mizutani/memstream/pkg/usecase/memory"
	"github.com/m-mizutani/memstream/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server exposes one agent's memory stream as MCP tools so that an external
// planner can record observations and recall memories.
type Server struct {
	uc     *memory.UseCase
	server *mcp.Server
}

type observeParams struct {
	Description string `json:"description" jsonschema:"Natural-language description of what the agent observed"`
}

type recallParams struct {
	Situation string `json:"situation" jsonschema:"Current situation to recall memories for"`
	K         int    `json:"k,omitempty" jsonschema:"Maximum number of memories to return (default 5)"`
}

// NewServer registers the observe, recall and inspect tools
func NewServer(uc *memory.UseCase, version string) *Server {
	s := &Server{
		uc: uc,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "memstream",
			Version: version,
		}, nil),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "observe",
		Description: "Record an observation in the agent's memory stream. The observation is rated for importance and embedded before it is stored.",
	}, s.observe)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "recall",
		Description: "Retrieve the memories most relevant to a situation, ranked by recency, importance and relevance.",
	}, s.recall)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "inspect",
		Description: "Like recall, but returns the raw and normalised component scores of each memory as JSON.",
	}, s.inspect)

	return s
}

// MCP returns the underlying SDK server
func (s *Server) MCP() *mcp.Server {
	return s.server
}

// RunStdio serves the tools over stdin/stdout until ctx is done or the client disconnects
func (s *Server) RunStdio(ctx context.Context) error {
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return goerr.Wrap(err, "mcp server stopped")
	}
	return nil
}

// HTTPHandler serves the tools over the streamable HTTP transport
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.server
	}, nil)
}

func (s *Server) observe(ctx context.Context, req *mcp.CallToolRequest, params *observeParams) (*mcp.CallToolResult, any, error) {
	if params.Description == "" {
		return errorResult(goerr.New("description is required")), nil, nil
	}

	mem, err := s.uc.Observe(ctx, params.Description)
	if err != nil {
		logging.From(ctx).Warn("observe failed", "error", err)
		return errorResult(err), nil, nil
	}

	return textResult(fmt.Sprintf("stored memory %s (importance %.0f)", mem.ID, mem.Importance)), nil, nil
}

func (s *Server) recall(ctx context.Context, req *mcp.CallToolRequest, params *recallParams) (*mcp.CallToolResult, any, error) {
	if params.Situation == "" {
		return errorResult(goerr.New("situation is required")), nil, nil
	}

	memories, err := s.uc.Retrieve(ctx, params.Situation, recallOptions(params)...)
	if err != nil {
		logging.From(ctx).Warn("recall failed", "error", err)
		return errorResult(err), nil, nil
	}
	if len(memories) == 0 {
		return textResult("no memories"), nil, nil
	}

	return textResult(model.Memories(memories).Format()), nil, nil
}

type scoredView struct {
	ID             model.MemoryID `json:"id"`
	Description    string         `json:"description"`
	CreatedAt      string         `json:"created_at"`
	LastAccessedAt string         `json:"last_accessed_at"`
	Recency        float64        `json:"recency"`
	Importance     float64        `json:"importance"`
	Relevance      float64        `json:"relevance"`
	NormRecency    float64        `json:"norm_recency"`
	NormImportance float64        `json:"norm_importance"`
	NormRelevance  float64        `json:"norm_relevance"`
	Score          float64        `json:"score"`
}

func (s *Server) inspect(ctx context.Context, req *mcp.CallToolRequest, params *recallParams) (*mcp.CallToolResult, any, error) {
	if params.Situation == "" {
		return errorResult(goerr.New("situation is required")), nil, nil
	}

	scored, err := s.uc.RetrieveScored(ctx, params.Situation, recallOptions(params)...)
	if err != nil {
		logging.From(ctx).Warn("inspect failed", "error", err)
		return errorResult(err), nil, nil
	}

	views := make([]scoredView, len(scored))
	for i, sm := range scored {
		views[i] = scoredView{
			ID:             sm.Memory.ID,
			Description:    sm.Memory.Description,
			CreatedAt:      sm.Memory.CreatedAt.Format(time.RFC3339),
			LastAccessedAt: sm.Memory.LastAccessedAt.Format(time.RFC3339),
			Recency:        sm.Recency,
			Importance:     sm.Importance,
			Relevance:      sm.Relevance,
			NormRecency:    sm.NormRecency,
			NormImportance: sm.NormImportance,
			NormRelevance:  sm.NormRelevance,
			Score:          sm.Score,
		}
	}

	raw, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return errorResult(goerr.Wrap(err, "failed to marshal scores")), nil, nil
	}
	return textResult(string(raw)), nil, nil
}

func recallOptions(params *recallParams) []memory.RetrieveOption {
	if params.K > 0 {
		return []memory.RetrieveOption{memory.WithK(params.K)}
	}
	return nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: err.Error()},
		},
	}
}
