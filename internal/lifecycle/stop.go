package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/registry"
)

const cleanConcurrency = 4

// Stop tears a run down. Unknown ids are NotFound and write nothing; stopped
// runs are left alone. Failed runs only lose their containers, the work dir
// stays for clean.
func (o *Orchestrator) Stop(ctx context.Context, runID string) (*registry.RunRecord, error) {
	reg, err := o.registry(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := reg.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch rec.Phase {
	case registry.PhaseStopped:
		o.log.Info("run already stopped", "runId", runID)
		return rec, nil
	case registry.PhaseFailed:
		if !fileExists(rec.ComposeFile) {
			return rec, nil
		}
		if err := o.compose.Down(ctx, o.project(rec)); err != nil {
			return rec, err
		}
		return reg.Record(ctx, runID, registry.Change{Event: registry.EventContainers, Message: "containers removed by stop"})
	}
	return o.stopRecord(ctx, reg, rec)
}

// stopRecord is the stop sequence: stopping, compose down, remove the work
// dir, stopped. A failed teardown leaves the run in stopping with its
// previous status so stop can be retried. The returned record is never nil.
func (o *Orchestrator) stopRecord(ctx context.Context, reg *registry.Registry, rec *registry.RunRecord) (*registry.RunRecord, error) {
	rec, err := o.enter(ctx, rec, registry.PhaseStopping, "removing containers", nil)
	if err != nil {
		return rec, err
	}
	if fileExists(rec.ComposeFile) {
		if err := o.compose.Down(ctx, o.project(rec)); err != nil {
			return rec, err
		}
	} else {
		o.log.Info("compose file missing, skipping teardown", "runId", rec.RunID, "path", rec.ComposeFile)
	}
	if rec.WorkDir != "" {
		if err := os.RemoveAll(rec.WorkDir); err != nil {
			return rec, fmt.Errorf("remove work dir: %w", err)
		}
	}
	stopped, err := reg.MarkStopped(ctx, rec.RunID, "stack removed")
	if err != nil {
		return rec, err
	}
	o.observe(rec.RunID, registry.PhaseStopped, "stack removed")
	return stopped, nil
}

type CleanOptions struct {
	// Retention overrides the manifest retention when positive.
	Retention   time.Duration
	DockerPrune bool
	DryRun      bool
}

// CleanReport lists what Clean removed, or would remove on a dry run.
type CleanReport struct {
	Pruned      []string `json:"pruned"`
	Orphans     []string `json:"orphans"`
	Errors      []string `json:"errors,omitempty"`
	PruneOutput string   `json:"pruneOutput,omitempty"`
}

// Clean removes the work dirs of stopped runs and of failed runs older than
// the retention, then orphan directories under runsRoot the registry does
// not know about.
func (o *Orchestrator) Clean(ctx context.Context, opts CleanOptions) (*CleanReport, error) {
	reg, err := o.registry(ctx)
	if err != nil {
		return nil, err
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = o.m.Defaults.Retention
	}
	cutoff := o.now().Add(-retention)
	recs, err := reg.List(ctx, registry.ListFilter{})
	if err != nil {
		return nil, err
	}
	var candidates []*registry.RunRecord
	for _, rec := range recs {
		switch {
		case rec.Status == registry.StatusStopped:
			candidates = append(candidates, rec)
		case rec.Status == registry.StatusFailed && rec.UpdatedAt.Before(cutoff):
			candidates = append(candidates, rec)
		}
	}

	report := &CleanReport{}
	var mu sync.Mutex
	addErr := func(format string, args ...any) {
		mu.Lock()
		report.Errors = append(report.Errors, fmt.Sprintf(format, args...))
		mu.Unlock()
	}
	removed := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cleanConcurrency)
	for i, rec := range candidates {
		if opts.DryRun {
			removed[i] = true
			continue
		}
		g.Go(func() error {
			if rec.Status == registry.StatusFailed && fileExists(rec.ComposeFile) {
				if err := o.compose.Down(gctx, o.project(rec)); err != nil {
					o.log.Info("teardown of failed run did not complete", "runId", rec.RunID, "error", err.Error())
				}
			}
			if rec.WorkDir != "" {
				if err := os.RemoveAll(rec.WorkDir); err != nil {
					addErr("%s: %v", rec.RunID, err)
					return nil
				}
			}
			removed[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	for i, rec := range candidates {
		if !removed[i] {
			continue
		}
		report.Pruned = append(report.Pruned, rec.RunID)
		if opts.DryRun {
			continue
		}
		if _, err := reg.MarkPruned(ctx, rec.RunID); err != nil {
			addErr("%s: %v", rec.RunID, err)
		}
	}

	orphans, err := o.orphanDirs(ctx, reg, cutoff)
	if err != nil {
		return report, err
	}
	for _, dir := range orphans {
		if !opts.DryRun {
			if err := os.RemoveAll(dir); err != nil {
				addErr("%s: %v", dir, err)
				continue
			}
		}
		report.Orphans = append(report.Orphans, dir)
	}

	if opts.DockerPrune && !opts.DryRun {
		out, err := o.compose.SystemPrune(ctx)
		if err != nil {
			addErr("docker system prune: %v", err)
		}
		report.PruneOutput = out
	}
	sort.Strings(report.Errors)
	o.log.Info("clean finished", "pruned", len(report.Pruned), "orphans", len(report.Orphans), "errors", len(report.Errors))
	return report, nil
}

// orphanDirs returns run-shaped directories under runsRoot that the registry
// never recorded and that were last modified before cutoff.
func (o *Orchestrator) orphanDirs(ctx context.Context, reg *registry.Registry, cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(o.m.Defaults.RunsRoot)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids, err := reg.RunIDs(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "odoo-") || known[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		out = append(out, filepath.Join(o.m.Defaults.RunsRoot, e.Name()))
	}
	return out, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
