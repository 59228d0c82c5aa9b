// Package mcp provides a Model Context Protocol server for dornt.
//
// It exposes stage runs, stage status and cluster inspection as MCP tools,
// and the stage table as an MCP resource. Served over stdio by `dornt mcp`.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/dornt/internal/cluster"
	"github.com/hurttlocker/dornt/internal/pipeline"
	"github.com/hurttlocker/dornt/internal/stage"
)

// ServerConfig holds the collaborators the tools call into.
type ServerConfig struct {
	Coordinator *pipeline.Coordinator
	States      *stage.StateStore
	Clusters    *cluster.Repository
	Version     string
}

// NewServer creates a configured MCP server with all dornt tools and resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"dornt",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerRunStageTool(s, cfg.Coordinator)
	registerStageStatusTool(s, cfg.States)
	registerListClustersTool(s, cfg.Clusters)
	registerGetClusterTool(s, cfg.Clusters)

	registerStagesResource(s, cfg.States)
	return s
}

// ServeStdio serves s on stdin/stdout until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func stageNames() []string {
	out := make([]string, 0, len(stage.All))
	for _, n := range stage.All {
		out = append(out, string(n))
	}
	return out
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// --- Tools ---

func registerRunStageTool(s *server.MCPServer, coord *pipeline.Coordinator) {
	tool := mcp.NewTool("dornt_run_stage",
		mcp.WithDescription("Run one pipeline stage under its lock. Returns the run result; a stage already running elsewhere is reported as skipped."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("stage",
			mcp.Required(),
			mcp.Description("Stage to run"),
			mcp.Enum(stageNames()...),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("stage")
		if err != nil {
			return mcp.NewToolResultError("stage is required"), nil
		}
		name, err := stage.Parse(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		res, err := coord.Run(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, err := jsonResult(res)
		if err == nil && res.Outcome == stage.OutcomeFailed {
			out.IsError = true
		}
		return out, err
	})
}

func registerStageStatusTool(s *server.MCPServer, states *stage.StateStore) {
	tool := mcp.NewTool("dornt_stage_status",
		mcp.WithDescription("Show the last run state and current lock holder of one stage, or of every stage when none is given."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("stage",
			mcp.Description("Stage name (default: all stages)"),
			mcp.Enum(stageNames()...),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snaps, err := states.Snapshots(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reading stage state: %v", err)), nil
		}
		raw := req.GetString("stage", "")
		if raw == "" {
			return jsonResult(snaps)
		}
		name, err := stage.Parse(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		for _, snap := range snaps {
			if snap.Stage == name {
				return jsonResult(snap)
			}
		}
		return mcp.NewToolResultError(fmt.Sprintf("stage %s not found", name)), nil
	})
}

// clusterSummary is a cluster without its member lists and centroid.
type clusterSummary struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Status        cluster.Status `json:"status"`
	ArticleCount  int            `json:"articleCount"`
	SourceCount   int            `json:"sourceCount"`
	TopSources    []string       `json:"topSources"`
	Importance    int            `json:"importance"`
	NeedsAnalysis bool           `json:"needsAnalysis"`
	UpdatedAt     string         `json:"updatedAt"`
}

func summarize(c *cluster.Cluster) clusterSummary {
	return clusterSummary{
		ID:            c.ID,
		Title:         c.Title,
		Status:        c.Status,
		ArticleCount:  c.ArticleCount,
		SourceCount:   c.SourceCount,
		TopSources:    c.TopSources,
		Importance:    c.Importance,
		NeedsAnalysis: c.NeedsAnalysis(),
		UpdatedAt:     c.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func registerListClustersTool(s *server.MCPServer, repo *cluster.Repository) {
	tool := mcp.NewTool("dornt_list_clusters",
		mcp.WithDescription("List topic clusters, most important first. Archived clusters are hidden unless requested."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithBoolean("include_archived",
			mcp.Description("Include archived clusters (default: false)"),
		),
		mcp.WithBoolean("needs_analysis",
			mcp.Description("Only clusters whose analysis is missing or out of date (default: false)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of clusters (default: 20, max: 200)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var (
			clusters []*cluster.Cluster
			err      error
		)
		if req.GetBool("needs_analysis", false) {
			clusters, err = repo.ListNeedingAnalysis(ctx)
		} else {
			clusters, err = repo.List(ctx, req.GetBool("include_archived", false))
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing clusters: %v", err)), nil
		}

		limit := int(req.GetFloat("limit", 20))
		if limit > 200 {
			limit = 200
		}
		if limit <= 0 {
			limit = 20
		}
		cluster.SortByImportance(clusters)
		total := len(clusters)
		if len(clusters) > limit {
			clusters = clusters[:limit]
		}
		out := make([]clusterSummary, 0, len(clusters))
		for _, c := range clusters {
			out = append(out, summarize(c))
		}
		return jsonResult(map[string]any{"clusters": out, "count": len(out), "total": total})
	})
}

func registerGetClusterTool(s *server.MCPServer, repo *cluster.Repository) {
	tool := mcp.NewTool("dornt_get_cluster",
		mcp.WithDescription("Get one cluster with its member article ids, social post ids and source breakdown."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Cluster id"),
		),
		mcp.WithBoolean("include_centroid",
			mcp.Description("Include the centroid vector (default: false)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil || id == "" {
			return mcp.NewToolResultError("id is required"), nil
		}
		c, found, err := repo.Get(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reading cluster: %v", err)), nil
		}
		if !found {
			return mcp.NewToolResultError(fmt.Sprintf("reading cluster: %v", fmt.Errorf("%s: %w", id, cluster.ErrNotFound))), nil
		}
		if !req.GetBool("include_centroid", false) {
			c.Centroid = nil
		}
		return jsonResult(c)
	})
}

// --- Resources ---

func registerStagesResource(s *server.MCPServer, states *stage.StateStore) {
	resource := mcp.NewResource(
		"dornt://stages",
		"Pipeline Stages",
		mcp.WithResourceDescription("State and lock holder of every pipeline stage, in pipeline order."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		snaps, err := states.Snapshots(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading stage state: %w", err)
		}
		data, err := json.MarshalIndent(map[string]any{"stages": snaps}, "", "  ")
		if err != nil {
			return nil, errors.Join(errors.New("encoding stages"), err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}
