package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/dornt/internal/cluster"
	"github.com/hurttlocker/dornt/internal/stage"
)

func TestParseGlobalFlags(t *testing.T) {
	g, rest, err := parseGlobalFlags([]string{"--backend", "redis", "run", "--dsn=localhost:6379", "cluster", "--json"})
	require.NoError(t, err)
	assert.Equal(t, "redis", g.backend)
	assert.Equal(t, "localhost:6379", g.dsn)
	assert.Equal(t, []string{"run", "cluster", "--json"}, rest)

	_, _, err = parseGlobalFlags([]string{"status", "--config"})
	assert.Error(t, err)
}

// cli runs the binary's entry point against a private sqlite database and
// returns the exit code and captured stdout.
type cli struct {
	t    *testing.T
	base []string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("DORNT_EMBED_API_KEY", "")
	t.Setenv("DORNT_KAFKA_BROKERS", "")
	t.Setenv("DORNT_LOG_LEVEL", "error")
	dir := t.TempDir()
	return &cli{t: t, base: []string{
		"--config", filepath.Join(dir, "absent.yaml"),
		"--backend", "sqlite",
		"--dsn", filepath.Join(dir, "dornt.db"),
	}}
}

func (c *cli) run(args ...string) (int, string) {
	c.t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	defer func() { stdout = prev }()
	code := run(append(append([]string(nil), c.base...), args...))
	return code, buf.String()
}

func writeItems(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "items.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestEnqueueRunAndInspect(t *testing.T) {
	c := newCLI(t)

	items := []map[string]any{
		{"id": "a1", "title": "Quake hits coast", "source": "wire", "embedding": []float32{1, 0, 0}},
		{"id": "a2", "title": "Coastal quake damage", "source": "daily", "embedding": []float32{0.95, 0.05, 0}},
		{"id": "a3", "title": "Aftershocks continue", "source": "wire", "embedding": []float32{0.9, 0.1, 0}},
		{"id": "b1", "title": "Unrelated", "source": "blog", "embedding": []float32{0, 0, 1}},
	}
	code, out := c.run("enqueue", writeItems(t, items))
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Enqueued 4 items")

	code, out = c.run("run", "cluster", "--json")
	require.Equal(t, 0, code, out)
	var results []stage.Result
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, stage.OutcomeCompleted, results[0].Outcome)

	code, out = c.run("clusters", "--json")
	require.Equal(t, 0, code)
	var clusters []cluster.Cluster
	require.NoError(t, json.Unmarshal([]byte(out), &clusters))
	require.Len(t, clusters, 1)
	assert.Equal(t, "Quake hits coast", clusters[0].Title)
	assert.Equal(t, 3, clusters[0].ArticleCount)
	assert.Empty(t, clusters[0].Centroid)

	code, out = c.run("clusters")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Quake hits coast")

	code, out = c.run("status", "--json")
	require.Equal(t, 0, code)
	var snaps []stage.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snaps))
	require.Len(t, snaps, len(stage.All))
	assert.Equal(t, stage.StatusCompleted, snaps[1].Status)

	code, out = c.run("sweep", "--dry-run")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Scanned 1 clusters, 0 transitions")
}

func TestRunUnregisteredStageExitsNonZero(t *testing.T) {
	c := newCLI(t)
	code, out := c.run("run", "analyze")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "no handler registered for stage analyze")

	code, out = c.run("status")
	require.Equal(t, 0, code)
	assert.True(t, strings.Contains(out, "analyze") && strings.Contains(out, "failed"), out)
}

func TestRunAllStopsAtIngest(t *testing.T) {
	c := newCLI(t)
	code, out := c.run("run", "all", "--json")
	assert.Equal(t, 1, code)
	var results []stage.Result
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, stage.Ingest, results[0].Stage)
}

func TestCommandErrors(t *testing.T) {
	c := newCLI(t)
	for _, args := range [][]string{
		{"run"},
		{"run", "deploy"},
		{"clusters", "--limit", "zero"},
		{"sweep", "--force"},
		{"enqueue"},
		{"enqueue", filepath.Join(t.TempDir(), "missing.json")},
		{"bogus"},
	} {
		code, _ := c.run(args...)
		assert.Equal(t, 1, code, "%v", args)
	}
	code, _ := c.run("version")
	assert.Equal(t, 0, code)
}

func TestReadItemsSingleObject(t *testing.T) {
	path := writeItems(t, map[string]any{"id": "x", "title": "One"})
	items, err := readItems(path)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "One", items[0].Title)

	prev := stdin
	stdin = strings.NewReader(`[{"id":"y","title":"Two"},{"id":"z","title":"Three"}]`)
	defer func() { stdin = prev }()
	items, err = readItems("-")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}
