// Package backend defines the collaborator interface to the analytics
// service the tools fetch data from. Two implementations exist: demo
// (fabricated data for unconfigured deployments) and live (the real REST
// API). The server selects one at startup; handlers never branch on mode.
package backend

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested workspace or dataset does not exist.
var ErrNotFound = errors.New("not found")

// Workspace is one analytics workspace visible to the service principal.
type Workspace struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Dataset is one queryable dataset, optionally scoped to a workspace.
type Dataset struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// QueryResult carries the rows returned for one query execution.
type QueryResult struct {
	DatasetID string           `json:"dataset_id"`
	Query     string           `json:"query"`
	Rows      []map[string]any `json:"rows"`
}

// Health describes backend reachability and configuration.
type Health struct {
	Status     string `json:"status"`
	Configured bool   `json:"configured"`
	Mode       string `json:"mode"`
}

// DataBackend is the data-fetching collaborator behind the analytics tools.
// All methods honor context cancellation.
type DataBackend interface {
	// Mode identifies the backend for diagnostics ("live" or "demo").
	Mode() string
	Health(ctx context.Context) (*Health, error)
	Workspaces(ctx context.Context) ([]Workspace, error)
	// Datasets lists datasets, scoped to workspaceID when non-empty.
	Datasets(ctx context.Context, workspaceID string) ([]Dataset, error)
	// Query executes a query against a dataset. workspaceID may be empty.
	Query(ctx context.Context, datasetID, workspaceID, query string) (*QueryResult, error)
}
