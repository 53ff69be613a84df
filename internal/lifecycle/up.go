package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/harness"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/registry"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/render"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/seed"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/version"
)

const maxRunIDAttempts = 3

// UpRequest is the input of Up. An empty SeedPacks selects the entry's
// default pack.
type UpRequest struct {
	Edition        string
	Version        string
	SeedPacks      []string
	Modules        []string
	TestTags       []string
	RunTests       bool
	KeepAlive      bool
	EnterpriseCode string
}

// UpResult describes a run that reached running or tested.
type UpResult struct {
	Record  *registry.RunRecord
	Seed    *seed.Result
	Outcome *harness.Outcome
	URL     string
	// Stopped is set when the stack was torn down after its tests.
	Stopped bool
}

// Err returns a *TestsFailedError when tests ran and did not pass.
func (r *UpResult) Err() error {
	if r == nil || r.Outcome == nil || r.Outcome.Passed {
		return nil
	}
	return &TestsFailedError{RunID: r.Record.RunID, ExitCode: r.Outcome.ExitCode}
}

// Up boots a stack. Errors before the record exists leave nothing behind;
// later errors mark the run failed and are returned as *RunFailedError.
func (o *Orchestrator) Up(ctx context.Context, req UpRequest) (*UpResult, error) {
	entry, err := o.m.Entry(req.Edition, req.Version)
	if err != nil {
		return nil, err
	}
	code := strings.TrimSpace(req.EnterpriseCode)
	if entry.RequiresEnterpriseCode && code == "" {
		return nil, ErrEnterpriseCodeRequired
	}
	packs, err := seed.SelectPacks(entry, req.SeedPacks)
	if err != nil {
		return nil, err
	}
	reg, err := o.registry(ctx)
	if err != nil {
		return nil, err
	}
	allocated, err := o.ports.AllocateAll(entry.Ports)
	if err != nil {
		return nil, err
	}
	runID, err := o.freshRunID(ctx, reg)
	if err != nil {
		return nil, err
	}
	log := o.log.WithValues("runId", runID)
	log.Info("launching stack", "entry", entry.Key(), "ports", allocated)

	packNames := make([]string, 0, len(packs))
	for _, p := range packs {
		packNames = append(packNames, p.Name)
	}
	loc := o.renderer.Locate(runID, allocated)
	rec, err := reg.Create(ctx, &registry.RunRecord{
		RunID:           runID,
		Edition:         entry.Edition,
		Version:         entry.Version,
		ProjectName:     loc.ProjectName,
		DBName:          loc.DBName,
		SeedPacks:       packNames,
		Modules:         splitList(req.Modules),
		TestTags:        splitList(req.TestTags),
		AllocatedPorts:  loc.Ports,
		ComposeFile:     loc.ComposeFile,
		WorkDir:         loc.WorkDir,
		ManifestDigest:  o.m.Digest(),
		LauncherVersion: version.Short(),
		CreatedAt:       o.now(),
		Phase:           registry.PhaseRendering,
		KeepAlive:       req.KeepAlive,
	}, "rendering compose file")
	if err != nil {
		return nil, err
	}
	o.observe(runID, registry.PhaseRendering, "rendering compose file")
	if _, err := o.renderer.Render(render.Request{Entry: entry, Ports: allocated, RunID: runID}); err != nil {
		return nil, o.fail(ctx, rec, err)
	}

	res := &UpResult{Record: rec, URL: WebURL(rec)}
	steps := []struct {
		phase   registry.Phase
		message string
		run     func(ctx context.Context) error
	}{
		{registry.PhaseStarting, "starting containers", func(ctx context.Context) error {
			return o.compose.Up(ctx, o.project(rec))
		}},
		{registry.PhaseProbing, "waiting for database and http", func(ctx context.Context) error {
			return o.prober(o.probeTarget(rec)).WaitReady(ctx, o.m.Defaults.Readiness.Timeout)
		}},
		{registry.PhaseSeeding, "applying seed packs", func(ctx context.Context) error {
			seedCtx, cancel := withTimeout(ctx, o.m.Defaults.Timeouts.Seed)
			defer cancel()
			out, err := o.seeder.Seed(seedCtx, seed.Target{RunID: runID, Project: o.project(rec), DB: o.dbConfig(rec)}, packs, code)
			res.Seed = out
			return err
		}},
	}
	for _, step := range steps {
		if rec, err = o.enter(ctx, rec, step.phase, step.message, nil); err != nil {
			return nil, o.fail(ctx, rec, err)
		}
		if err := step.run(ctx); err != nil {
			return nil, o.fail(ctx, rec, err)
		}
	}
	if rec, err = o.enter(ctx, rec, registry.PhaseRunning, "stack ready", nil); err != nil {
		return nil, o.fail(ctx, rec, err)
	}
	res.Record = rec

	if !req.RunTests {
		log.Info("stack running", "url", res.URL)
		return res, nil
	}
	if rec, err = o.enter(ctx, rec, registry.PhaseTestRunning, "running odoo tests", nil); err != nil {
		return nil, o.fail(ctx, rec, err)
	}
	outcome, err := o.tests.RunTests(ctx, harness.Target{RunID: runID, Project: o.project(rec), DBName: rec.DBName}, rec.Modules, rec.TestTags)
	if err != nil {
		return nil, o.fail(ctx, rec, err)
	}
	res.Outcome = outcome
	if err := writeTestLog(rec.WorkDir, outcome.RawOutput); err != nil {
		log.Info("test output not saved", "error", err.Error())
	}
	rec, err = o.enter(ctx, rec, registry.PhaseTested, fmt.Sprintf("tests finished (passed=%t)", outcome.Passed), func(r *registry.RunRecord) {
		r.TestResult = &registry.TestResult{
			Passed:   outcome.Passed,
			Tags:     r.TestTags,
			Modules:  r.Modules,
			ExitCode: outcome.ExitCode,
		}
	})
	if err != nil {
		return nil, o.fail(ctx, rec, err)
	}
	res.Record = rec

	if !req.KeepAlive {
		log.Info("tearing down after tests")
		stopped, err := o.stopRecord(ctx, reg, rec)
		if err != nil {
			return nil, o.fail(ctx, stopped, err)
		}
		res.Record = stopped
		res.Stopped = true
	}
	return res, nil
}

// enter persists phase for rec and notifies the observer.
func (o *Orchestrator) enter(ctx context.Context, rec *registry.RunRecord, phase registry.Phase, message string, mutate func(*registry.RunRecord)) (*registry.RunRecord, error) {
	reg, err := o.registry(ctx)
	if err != nil {
		return rec, err
	}
	next, err := reg.Record(ctx, rec.RunID, registry.Change{Phase: phase, Message: message, Mutate: mutate})
	if err != nil {
		return rec, err
	}
	o.observe(rec.RunID, phase, message)
	return next, nil
}

// fail records cause on the run, saves the compose logs next to the compose
// file and removes the containers unless seeding failed. A run that failed
// while rendering never started any.
func (o *Orchestrator) fail(ctx context.Context, rec *registry.RunRecord, cause error) error {
	cleanupCtx := context.WithoutCancel(ctx)
	log := o.log.WithValues("runId", rec.RunID)
	runErr := Describe(cause)
	failedIn := rec.Phase
	log.Error(cause, "run failed", "phase", failedIn, "kind", runErr.Kind, "subject", runErr.Subject)

	out := &RunFailedError{RunID: rec.RunID, Phase: failedIn, WorkDir: rec.WorkDir, Err: cause}
	reg, err := o.registry(cleanupCtx)
	if err != nil {
		return errors.Join(out, err)
	}
	if _, err := reg.MarkFailed(cleanupCtx, rec.RunID, runErr); err != nil {
		log.Error(err, "could not record failure")
		return errors.Join(out, err)
	}
	o.observe(rec.RunID, registry.PhaseFailed, runErr.Message)

	if failedIn == registry.PhaseRendering {
		if err := writeFailureLog(rec, runErr, failedIn, "", nil); err != nil {
			log.Info("failure log not written", "error", err.Error())
		}
		return out
	}
	logs, logErr := o.compose.Logs(cleanupCtx, o.project(rec), "", failureLogTail)
	if err := writeFailureLog(rec, runErr, failedIn, logs, logErr); err != nil {
		log.Info("failure log not written", "error", err.Error())
	}

	var seedErr *seed.SeedError
	if errors.As(cause, &seedErr) {
		log.Info("containers kept for inspection", "workDir", rec.WorkDir)
		return out
	}
	if err := o.compose.Down(cleanupCtx, o.project(rec)); err != nil {
		log.Error(err, "teardown after failure did not complete")
		return out
	}
	if _, err := reg.Record(cleanupCtx, rec.RunID, registry.Change{Event: registry.EventContainers, Message: "containers removed after failure"}); err != nil {
		log.Error(err, "could not record teardown")
	}
	return out
}

func writeFailureLog(rec *registry.RunRecord, runErr registry.RunError, phase registry.Phase, logs string, logErr error) error {
	if rec.WorkDir == "" {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "run: %s\n", rec.RunID)
	fmt.Fprintf(&b, "phase: %s\n", phase)
	fmt.Fprintf(&b, "kind: %s\n", runErr.Kind)
	if runErr.Subject != "" {
		fmt.Fprintf(&b, "subject: %s\n", runErr.Subject)
	}
	fmt.Fprintf(&b, "error: %s\n", runErr.Message)
	if logErr != nil {
		fmt.Fprintf(&b, "logs unavailable: %v\n", logErr)
	}
	b.WriteString("\n--- compose logs ---\n")
	b.WriteString(logs)
	if err := os.MkdirAll(rec.WorkDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(rec.WorkDir, failureLogName), []byte(b.String()), 0o644)
}

func writeTestLog(workDir, output string) error {
	if workDir == "" || output == "" {
		return nil
	}
	return os.WriteFile(filepath.Join(workDir, "tests.log"), []byte(output), 0o644)
}

func (o *Orchestrator) freshRunID(ctx context.Context, reg *registry.Registry) (string, error) {
	for i := 0; i < maxRunIDAttempts; i++ {
		id := o.newRunID(o.now())
		if _, err := reg.Get(ctx, id); registry.IsNotFound(err) {
			return id, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", &registry.RegistryError{Kind: registry.KindConflict, Err: errors.New("could not generate an unused run id")}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// splitList flattens repeated and comma separated flag values.
func splitList(items []string) []string {
	var out []string
	for _, it := range items {
		for _, part := range strings.Split(it, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
