package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/clipseek/clipseek/internal/search"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  VideoStore
	Search MomentSearcher
	UserID uuid.UUID // the library every MCP session operates on
}

// NewMCPServer exposes the video library to MCP clients: moment search and
// library listing as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"clipseek",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("clipseek — search your video library for moments by describing what happens in them."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_moments",
			mcp.WithDescription("Search the video library for moments matching a natural-language description. Returns matching time ranges with scores and preview frames."),
			mcp.WithString("query", mcp.Description("What to look for, e.g. 'a dog running on the beach'"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of moments (default 10)")),
			mcp.WithString("video_id", mcp.Description("Optional video UUID to search within one video")),
		),
		mcpSearchMoments(deps),
	)

	s.AddTool(
		mcp.NewTool("list_videos",
			mcp.WithDescription("List videos in the library with their ingestion status."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of videos (default 20)")),
		),
		mcpListVideos(deps),
	)

	return s
}

func mcpSearchMoments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		q := search.Query{UserID: deps.UserID, Text: query, TopK: limit}
		if raw := req.GetString("video_id", ""); raw != "" {
			videoID, err := uuid.Parse(raw)
			if err != nil {
				return mcpError("video_id must be a UUID"), nil
			}
			q.VideoID = &videoID
		}

		moments, err := deps.Search.Search(ctx, q)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(moments) == 0 {
			return mcpText("[]"), nil
		}

		results := make([]momentResponse, len(moments))
		for i, m := range moments {
			results[i] = momentResponse{
				VideoID:     m.VideoID.String(),
				TimestampMS: m.TimestampMS,
				StartMS:     m.StartMS,
				EndMS:       m.EndMS,
				Score:       m.Score,
				Caption:     m.Caption,
				PreviewURL:  m.PreviewURL,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListVideos(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		videos, err := deps.Store.ListVideos(ctx, deps.UserID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing videos failed: %v", err)), nil
		}
		if len(videos) == 0 {
			return mcpText("[]"), nil
		}

		type videoSummary struct {
			ID         string `json:"id"`
			Status     string `json:"status"`
			DurationMS int64  `json:"duration_ms"`
			Error      string `json:"error,omitempty"`
			CreatedAt  string `json:"created_at"`
		}

		summaries := make([]videoSummary, len(videos))
		for i, v := range videos {
			summaries[i] = videoSummary{
				ID:         v.ID.String(),
				Status:     string(v.Status),
				DurationMS: v.DurationMS,
				Error:      v.ErrorMsg,
				CreatedAt:  v.CreatedAt.Format("2006-01-02 15:04"),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal videos: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
