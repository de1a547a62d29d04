// Package demo provides a fabricated DataBackend so the server remains fully
// exercisable without live API credentials. The dataset can optionally be
// loaded from a JSON file, which is then watched for changes and reloaded in
// place.
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/vantagedata/vantage-mcp/backend"
)

// Fixture is the on-disk shape of a demo dataset file.
type Fixture struct {
	Workspaces []backend.Workspace         `json:"workspaces"`
	Datasets   []backend.Dataset           `json:"datasets"`
	Results    map[string][]map[string]any `json:"results"`
}

// defaultFixture mirrors the built-in sample data served when no file is
// configured.
func defaultFixture() *Fixture {
	return &Fixture{
		Workspaces: []backend.Workspace{
			{ID: "demo-ws-1", Name: "Finance Dashboard", Type: "Workspace"},
			{ID: "demo-ws-2", Name: "Sales Reports", Type: "Workspace"},
		},
		Datasets: []backend.Dataset{
			{ID: "demo-ds-1", Name: "Financial KPIs", WorkspaceID: "demo-ws-1"},
			{ID: "demo-ds-2", Name: "Sales Performance", WorkspaceID: "demo-ws-2"},
		},
		Results: map[string][]map[string]any{
			"demo-ds-1": {{"Metric": "Revenue", "Value": 1250000}},
			"demo-ds-2": {{"Product": "Product A", "Sales": 45000}},
		},
	}
}

// Backend serves fabricated analytics data.
type Backend struct {
	log *slog.Logger

	mu      sync.RWMutex
	fixture *Fixture

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	stopped sync.Once
}

var _ backend.DataBackend = (*Backend)(nil)

// New returns a Backend serving the built-in sample data.
func New(log *slog.Logger) *Backend {
	return &Backend{
		log:     log,
		fixture: defaultFixture(),
		stopCh:  make(chan struct{}),
	}
}

// NewFromFile loads the fixture from path and watches the file, reloading on
// every write so demo data can be edited without a restart.
func NewFromFile(log *slog.Logger, path string) (*Backend, error) {
	b := New(log)
	if err := b.load(path); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	b.watcher = w
	go b.watch(path)
	return b, nil
}

func (b *Backend) load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}
	var f Fixture
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse fixture: %w", err)
	}
	b.mu.Lock()
	b.fixture = &f
	b.mu.Unlock()
	return nil
}

func (b *Backend) watch(path string) {
	for {
		select {
		case <-b.stopCh:
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if err := b.load(path); err != nil {
					b.log.Warn("demo.fixture.reload.fail", slog.String("err", err.Error()))
					continue
				}
				b.log.Info("demo.fixture.reload.ok", slog.String("path", path))
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.Warn("demo.fixture.watch.fail", slog.String("err", err.Error()))
		}
	}
}

// Close stops the file watcher if one is running.
func (b *Backend) Close() error {
	var err error
	b.stopped.Do(func() {
		close(b.stopCh)
		if b.watcher != nil {
			err = b.watcher.Close()
		}
	})
	return err
}

func (b *Backend) Mode() string { return "demo" }

func (b *Backend) Health(ctx context.Context) (*backend.Health, error) {
	return &backend.Health{Status: "healthy", Configured: false, Mode: b.Mode()}, nil
}

func (b *Backend) Workspaces(ctx context.Context) ([]backend.Workspace, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]backend.Workspace, len(b.fixture.Workspaces))
	copy(out, b.fixture.Workspaces)
	return out, nil
}

func (b *Backend) Datasets(ctx context.Context, workspaceID string) ([]backend.Dataset, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []backend.Dataset
	for _, ds := range b.fixture.Datasets {
		if workspaceID == "" || ds.WorkspaceID == workspaceID {
			out = append(out, ds)
		}
	}
	return out, nil
}

func (b *Backend) Query(ctx context.Context, datasetID, workspaceID, query string) (*backend.QueryResult, error) {
	b.mu.RLock()
	rows, ok := b.fixture.Results[datasetID]
	b.mu.RUnlock()
	if !ok {
		rows = []map[string]any{{"Message": "Demo data"}}
	}
	cp := make([]map[string]any, len(rows))
	copy(cp, rows)
	return &backend.QueryResult{DatasetID: datasetID, Query: query, Rows: cp}, nil
}
