package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hurttlocker/dornt/internal/app"
	"github.com/hurttlocker/dornt/internal/cluster"
	"github.com/hurttlocker/dornt/internal/mcp"
	"github.com/hurttlocker/dornt/internal/pipeline"
	"github.com/hurttlocker/dornt/internal/stage"
)

var (
	stdout io.Writer = os.Stdout
	stdin  io.Reader = os.Stdin
)

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: shutdown: %v\n", err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStage(ctx context.Context, g globalFlags, args []string) error {
	var target string
	asJSON := false
	for _, arg := range args {
		switch {
		case arg == "--json":
			asJSON = true
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		case target == "":
			target = arg
		default:
			return fmt.Errorf("usage: dornt run <stage|all> [--json]")
		}
	}
	if target == "" {
		return fmt.Errorf("usage: dornt run <stage|all> [--json]")
	}

	var names []stage.Name
	if target != "all" {
		name, err := stage.Parse(target)
		if err != nil {
			return err
		}
		names = []stage.Name{name}
	}

	a, _, err := bootstrap(ctx, g)
	if err != nil {
		return err
	}
	defer closeApp(a)

	var results []stage.Result
	if names == nil {
		results = a.Coordinator.RunAll(ctx)
	} else {
		res, err := a.Coordinator.Run(ctx, names[0])
		if err != nil {
			return err
		}
		results = []stage.Result{res}
	}

	if asJSON {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			printResult(r)
		}
	}
	for _, r := range results {
		if r.Outcome == stage.OutcomeFailed {
			return errStageFailed{msg: r.Error}
		}
	}
	return nil
}

func printResult(r stage.Result) {
	switch r.Outcome {
	case stage.OutcomeSkipped:
		fmt.Fprintf(stdout, "%-11s skipped: %s\n", r.Stage, r.Error)
	case stage.OutcomeFailed:
		fmt.Fprintf(stdout, "%-11s failed after %s: %s\n", r.Stage, r.Duration.Round(time.Millisecond), r.Error)
	default:
		fmt.Fprintf(stdout, "%-11s completed in %s\n", r.Stage, r.Duration.Round(time.Millisecond))
		if r.Output != nil {
			data, _ := json.MarshalIndent(r.Output, "  ", "  ")
			fmt.Fprintf(stdout, "  %s\n", data)
		}
	}
}

func runStatus(ctx context.Context, g globalFlags, args []string) error {
	asJSON := false
	for _, arg := range args {
		if arg != "--json" {
			return fmt.Errorf("unknown flag: %s", arg)
		}
		asJSON = true
	}

	a, _, err := bootstrap(ctx, g)
	if err != nil {
		return err
	}
	defer closeApp(a)

	snaps, err := a.States.Snapshots(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(snaps)
	}

	fmt.Fprintf(stdout, "%-11s %-10s %-20s %-20s %s\n", "STAGE", "STATUS", "LAST RUN", "LAST COMPLETED", "LOCK")
	for _, s := range snaps {
		lock := "-"
		if s.Lock != nil {
			lock = fmt.Sprintf("%s since %s", shortID(s.Lock.Holder), s.Lock.LockedAt.Format(time.RFC3339))
			if s.Lock.Expired {
				lock += " (expired)"
			}
		}
		fmt.Fprintf(stdout, "%-11s %-10s %-20s %-20s %s\n", s.Stage, s.Status, formatTime(s.LastRunAt), formatTime(s.LastCompletedAt), lock)
		if s.Error != "" {
			fmt.Fprintf(stdout, "            error: %s\n", s.Error)
		}
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runClusters(ctx context.Context, g globalFlags, args []string) error {
	var (
		all, needsAnalysis, asJSON bool
		limit                      = 20
	)
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "--all":
			all = true
		case arg == "--needs-analysis":
			needsAnalysis = true
		case arg == "--json":
			asJSON = true
		case arg == "--limit" && i+1 < len(args):
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid --limit %q", args[i])
			}
			limit = n
		case strings.HasPrefix(arg, "--limit="):
			n, err := strconv.Atoi(strings.TrimPrefix(arg, "--limit="))
			if err != nil || n < 1 {
				return fmt.Errorf("invalid %s", arg)
			}
			limit = n
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	a, _, err := bootstrap(ctx, g)
	if err != nil {
		return err
	}
	defer closeApp(a)

	var clusters []*cluster.Cluster
	if needsAnalysis {
		clusters, err = a.Clusters.ListNeedingAnalysis(ctx)
	} else {
		clusters, err = a.Clusters.List(ctx, all)
	}
	if err != nil {
		return err
	}
	cluster.SortByImportance(clusters)
	total := len(clusters)
	if len(clusters) > limit {
		clusters = clusters[:limit]
	}

	if asJSON {
		for _, c := range clusters {
			c.Centroid = nil
		}
		return printJSON(clusters)
	}
	if total == 0 {
		fmt.Fprintln(stdout, "No clusters.")
		return nil
	}
	fmt.Fprintf(stdout, "%-36s %-8s %4s %4s %4s  %s\n", "ID", "STATUS", "IMP", "ART", "SRC", "TITLE")
	for _, c := range clusters {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(stdout, "%-36s %-8s %4d %4d %4d  %s\n", c.ID, c.Status, c.Importance, c.ArticleCount, c.SourceCount, title)
	}
	if total > len(clusters) {
		fmt.Fprintf(stdout, "... %d more (use --limit)\n", total-len(clusters))
	}
	return nil
}

func runSweep(ctx context.Context, g globalFlags, args []string) error {
	dryRun, asJSON := false, false
	for _, arg := range args {
		switch arg {
		case "--dry-run", "-n":
			dryRun = true
		case "--json":
			asJSON = true
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	a, _, err := bootstrap(ctx, g)
	if err != nil {
		return err
	}
	defer closeApp(a)

	report, err := a.Sweeper.Sweep(ctx, dryRun)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(report)
	}
	if dryRun {
		fmt.Fprintln(stdout, "Dry run mode - no changes will be written")
	}
	fmt.Fprintf(stdout, "Scanned %d clusters, %d transitions", report.Scanned, len(report.Actions))
	if !dryRun {
		fmt.Fprintf(stdout, " (%d applied)", report.Applied)
	}
	fmt.Fprintln(stdout)
	for _, act := range report.Actions {
		fmt.Fprintf(stdout, "  %-36s %s -> %s  %s\n", act.ClusterID, act.FromState, act.ToState, act.Reason)
	}
	return nil
}

func runEnqueue(ctx context.Context, g globalFlags, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: dornt enqueue <file.json|->")
	}
	items, err := readItems(args[0])
	if err != nil {
		return err
	}

	a, _, err := bootstrap(ctx, g)
	if err != nil {
		return err
	}
	defer closeApp(a)

	for _, it := range items {
		if err := a.Pending.Enqueue(ctx, it); err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "Enqueued %d items\n", len(items))
	return nil
}

// readItems decodes one item or an array of items from path, or stdin
// when path is "-".
func readItems(path string) ([]pipeline.Item, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("reading items: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no items in %s", path)
	}

	var items []pipeline.Item
	if data[0] == '[' {
		err = json.Unmarshal(data, &items)
	} else {
		var one pipeline.Item
		err = json.Unmarshal(data, &one)
		items = []pipeline.Item{one}
	}
	if err != nil {
		return nil, fmt.Errorf("parsing items: %w", err)
	}
	return items, nil
}

func runMCP(ctx context.Context, g globalFlags, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("usage: dornt mcp")
	}
	a, log, err := bootstrap(ctx, g)
	if err != nil {
		return err
	}
	defer closeApp(a)
	a.StartMetrics()

	srv := mcp.NewServer(mcp.ServerConfig{
		Coordinator: a.Coordinator,
		States:      a.States,
		Clusters:    a.Clusters,
		Version:     version,
	})
	log.Info().Str("version", version).Msg("serving MCP over stdio")
	return mcp.ServeStdio(srv)
}
