// Package tools assembles the registry of analytics tools the server
// exposes. Handlers close over their collaborators (backend, cache, usage
// tracker) so the registry stays free of global state.
package tools

import (
	"context"
	"time"

	"github.com/vantagedata/vantage-mcp/backend"
	"github.com/vantagedata/vantage-mcp/cache"
	"github.com/vantagedata/vantage-mcp/registry"
	"github.com/vantagedata/vantage-mcp/usage"
)

// Deps are the collaborators the tool handlers need.
type Deps struct {
	Backend backend.DataBackend
	Cache   cache.Store
	Usage   *usage.Tracker
	// ServerVersion is reported by vantage_health.
	ServerVersion string
}

type noArgs struct{}

type datasetsArgs struct {
	// WorkspaceID limits the listing to one workspace when set.
	WorkspaceID string `json:"workspace_id,omitempty" jsonschema:"description=Workspace to list datasets from; all datasets when omitted"`
}

type queryArgs struct {
	DatasetID   string `json:"dataset_id" jsonschema:"description=Dataset to query"`
	Query       string `json:"query" jsonschema:"description=Query text in the analytics query language"`
	WorkspaceID string `json:"workspace_id,omitempty" jsonschema:"description=Workspace containing the dataset"`
}

type healthResult struct {
	Status        string `json:"status"`
	Mode          string `json:"mode"`
	Configured    bool   `json:"configured"`
	ServerVersion string `json:"server_version"`
	CachedItems   int    `json:"cached_items"`
	TotalCalls    uint64 `json:"total_calls"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Timestamp     string `json:"timestamp"`
}

type workspacesResult struct {
	Workspaces []backend.Workspace `json:"workspaces"`
	Count      int                 `json:"count"`
	Mode       string              `json:"mode"`
}

type datasetsResult struct {
	Datasets []backend.Dataset `json:"datasets"`
	Count    int               `json:"count"`
	Mode     string            `json:"mode"`
}

type queryResult struct {
	DatasetID string           `json:"dataset_id"`
	Query     string           `json:"query"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Mode      string           `json:"mode"`
}

type usageResult struct {
	Tools         map[string]usage.ToolStats `json:"tools"`
	TotalCalls    uint64                     `json:"total_calls"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
}

type clearResult struct {
	Removed int `json:"removed"`
}

// BuildRegistry constructs the full tool registry. Read-only data tools
// carry the default cache TTL; diagnostics and administrative tools are
// never cached.
func BuildRegistry(d Deps) (*registry.Registry, error) {
	return registry.New(
		registry.NewTool("vantage_health",
			func(ctx context.Context, _ noArgs) (any, error) {
				h, err := d.Backend.Health(ctx)
				if err != nil {
					return nil, err
				}
				items, _ := d.Cache.Len(ctx)
				return &healthResult{
					Status:        h.Status,
					Mode:          h.Mode,
					Configured:    h.Configured,
					ServerVersion: d.ServerVersion,
					CachedItems:   items,
					TotalCalls:    d.Usage.TotalCalls(),
					UptimeSeconds: int64(d.Usage.Uptime().Seconds()),
					Timestamp:     time.Now().UTC().Format(time.RFC3339),
				}, nil
			},
			registry.WithDescription("Check server health, backend mode and cache state"),
		),
		registry.NewTool("vantage_workspaces",
			func(ctx context.Context, _ noArgs) (any, error) {
				ws, err := d.Backend.Workspaces(ctx)
				if err != nil {
					return nil, err
				}
				return &workspacesResult{Workspaces: ws, Count: len(ws), Mode: d.Backend.Mode()}, nil
			},
			registry.WithDescription("List analytics workspaces"),
			registry.WithTTL(cache.DefaultTTL),
		),
		registry.NewTool("vantage_datasets",
			func(ctx context.Context, args datasetsArgs) (any, error) {
				ds, err := d.Backend.Datasets(ctx, args.WorkspaceID)
				if err != nil {
					return nil, err
				}
				return &datasetsResult{Datasets: ds, Count: len(ds), Mode: d.Backend.Mode()}, nil
			},
			registry.WithDescription("List datasets, optionally scoped to a workspace"),
			registry.WithTTL(cache.DefaultTTL),
		),
		registry.NewTool("vantage_query",
			func(ctx context.Context, args queryArgs) (any, error) {
				res, err := d.Backend.Query(ctx, args.DatasetID, args.WorkspaceID, args.Query)
				if err != nil {
					return nil, err
				}
				return &queryResult{
					DatasetID: res.DatasetID,
					Query:     res.Query,
					Rows:      res.Rows,
					RowCount:  len(res.Rows),
					Mode:      d.Backend.Mode(),
				}, nil
			},
			registry.WithDescription("Execute a query against a dataset"),
			registry.WithTTL(cache.DefaultTTL),
		),
		registry.NewTool("usage_stats",
			func(ctx context.Context, _ noArgs) (any, error) {
				return &usageResult{
					Tools:         d.Usage.Snapshot(),
					TotalCalls:    d.Usage.TotalCalls(),
					UptimeSeconds: int64(d.Usage.Uptime().Seconds()),
				}, nil
			},
			registry.WithDescription("Report per-tool invocation and cache statistics"),
		),
		registry.NewTool("clear_cache",
			func(ctx context.Context, _ noArgs) (any, error) {
				removed, err := d.Cache.Clear(ctx)
				if err != nil {
					return nil, err
				}
				return &clearResult{Removed: removed}, nil
			},
			registry.WithDescription("Drop all cached tool responses"),
		),
	)
}
