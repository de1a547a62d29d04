package demo

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuiltInFixture(t *testing.T) {
	b := New(testLogger())
	defer b.Close()
	ctx := context.Background()

	if b.Mode() != "demo" {
		t.Fatalf("mode = %q", b.Mode())
	}

	h, err := b.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.Status != "healthy" || h.Configured {
		t.Fatalf("health = %+v", h)
	}

	ws, err := b.Workspaces(ctx)
	if err != nil {
		t.Fatalf("workspaces: %v", err)
	}
	if len(ws) != 2 || ws[0].Name != "Finance Dashboard" {
		t.Fatalf("workspaces = %+v", ws)
	}
}

func TestDatasetsWorkspaceFilter(t *testing.T) {
	b := New(testLogger())
	defer b.Close()
	ctx := context.Background()

	all, err := b.Datasets(ctx, "")
	if err != nil {
		t.Fatalf("datasets: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all datasets = %+v", all)
	}

	scoped, err := b.Datasets(ctx, "demo-ws-1")
	if err != nil {
		t.Fatalf("datasets: %v", err)
	}
	if len(scoped) != 1 || scoped[0].ID != "demo-ds-1" {
		t.Fatalf("scoped datasets = %+v", scoped)
	}
}

func TestQueryKnownAndUnknownDataset(t *testing.T) {
	b := New(testLogger())
	defer b.Close()
	ctx := context.Background()

	res, err := b.Query(ctx, "demo-ds-1", "", "EVALUATE KPIs")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Query != "EVALUATE KPIs" || len(res.Rows) != 1 || res.Rows[0]["Metric"] != "Revenue" {
		t.Fatalf("result = %+v", res)
	}

	res, err = b.Query(ctx, "no-such-ds", "", "EVALUATE X")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0]["Message"] != "Demo data" {
		t.Fatalf("placeholder result = %+v", res)
	}
}

func TestFixtureFileReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fixture.json")

	first := `{"workspaces":[{"id":"ws-a","name":"Alpha","type":"Workspace"}],"datasets":[],"results":{}}`
	if err := os.WriteFile(path, []byte(first), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	b, err := NewFromFile(testLogger(), path)
	if err != nil {
		t.Fatalf("new from file: %v", err)
	}
	defer b.Close()
	ctx := context.Background()

	ws, err := b.Workspaces(ctx)
	if err != nil {
		t.Fatalf("workspaces: %v", err)
	}
	if len(ws) != 1 || ws[0].Name != "Alpha" {
		t.Fatalf("workspaces = %+v", ws)
	}

	second := `{"workspaces":[{"id":"ws-b","name":"Beta","type":"Workspace"}],"datasets":[],"results":{}}`
	if err := os.WriteFile(path, []byte(second), 0o644); err != nil {
		t.Fatalf("rewrite fixture: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ws, err = b.Workspaces(ctx)
		if err != nil {
			t.Fatalf("workspaces: %v", err)
		}
		if len(ws) == 1 && ws[0].Name == "Beta" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("fixture never reloaded, last workspaces = %+v", ws)
}

func TestNewFromFileRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fixture.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := NewFromFile(testLogger(), path); err == nil {
		t.Fatal("expected parse error")
	}
}
