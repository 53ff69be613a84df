package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/database"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/dockercompose"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/manifest"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/procexec"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/readiness"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/registry"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/seed"
)

const manifestFixture = `
defaults:
  runs_root: runs
  history_log: state/history.jsonl
  state_dir: state
  readiness:
    timeout: 5s
    interval: 1s
  retention: 1h
editions:
  community:
    "18.0":
      repo_path: .
      compose_template: %[1]s
      addons:
        - "{{ repo_path }}/addons"
      ports:
        http: 18069
        db: 15432
      default_seed: basic
      seeds:
        basic:
          sql: [seeds/basic/001.sql]
          scripts: [seeds/basic/010.py]
        broken:
          sql: [seeds/broken/001.sql]
    "17.0":
      repo_path: .
      compose_template: %[2]s
      ports:
        http: 18269
        db: 15632
  enterprise:
    "18.0":
      repo_path: .
      compose_template: %[1]s
      requires_enterprise_code: true
      ports:
        http: 18169
        db: 15532
`

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type waiterFunc func(ctx context.Context, timeout time.Duration) error

func (f waiterFunc) WaitReady(ctx context.Context, timeout time.Duration) error { return f(ctx, timeout) }

type recordingObserver struct {
	mu     sync.Mutex
	phases []registry.Phase
}

func (r *recordingObserver) ObservePhase(_ string, phase registry.Phase, _ string) {
	r.mu.Lock()
	r.phases = append(r.phases, phase)
	r.mu.Unlock()
}

type harnessFixture struct {
	t        *testing.T
	m        *manifest.Manifest
	runner   *procexec.Fake
	clock    *clock
	mock     sqlmock.Sqlmock
	observer *recordingObserver
	probeErr error
	testExit int
	upOutput *procexec.Result
	testOut  *procexec.Result
	downOut  *procexec.Result
	runIDs   int
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newHarness(t *testing.T) *harnessFixture {
	t.Helper()
	repo := t.TempDir()
	tmpl, err := filepath.Abs(filepath.Join("..", "..", "config", "templates", "docker-compose.yml.tmpl"))
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(repo, "seeds", "basic", "001.sql"), "INSERT INTO res_partner (name) VALUES ('Seed');\n")
	writeFile(t, filepath.Join(repo, "seeds", "basic", "010.py"), "env['res.partner'].search([]).write({'active': True})\n")
	writeFile(t, filepath.Join(repo, "seeds", "broken", "001.sql"), "INSERT INTO missing_table VALUES (1);\n")
	if err := os.MkdirAll(filepath.Join(repo, "addons"), 0o755); err != nil {
		t.Fatal(err)
	}
	broken := filepath.Join(repo, "broken.yml.tmpl")
	writeFile(t, broken, "name: {{ .ProjectName }}\nservices: {{ .NoSuchField }}\n")
	manifestPath := filepath.Join(repo, "manifest.yml")
	writeFile(t, manifestPath, fmt.Sprintf(manifestFixture, tmpl, broken))
	m, err := manifest.Resolve(manifest.ResolveOptions{DefaultPath: manifestPath})
	if err != nil {
		t.Fatalf("resolve manifest: %v", err)
	}
	h := &harnessFixture{
		t:        t,
		m:        m,
		clock:    &clock{now: time.Now().UTC().Truncate(time.Second)},
		observer: &recordingObserver{},
	}
	h.runner = &procexec.Fake{Handler: h.handle}
	return h
}

func (h *harnessFixture) handle(call procexec.FakeCall) (procexec.Result, error) {
	line := call.Line()
	switch {
	case strings.Contains(line, " up -d"):
		if h.upOutput != nil {
			return *h.upOutput, nil
		}
	case strings.Contains(line, "--test-enable"):
		if h.testOut != nil {
			return *h.testOut, nil
		}
		return procexec.Result{ExitCode: h.testExit, Stdout: "Ran 3 tests\n"}, nil
	case strings.Contains(line, " down "):
		if h.downOut != nil {
			return *h.downOut, nil
		}
	case strings.Contains(line, " logs "):
		return procexec.Result{Stdout: "odoo-1 | booting\n"}, nil
	case strings.Contains(line, " version"):
		return procexec.Result{Stdout: "Docker Compose version v2.29.0\n"}, nil
	}
	return procexec.Result{}, nil
}

func (h *harnessFixture) orchestrator() *Orchestrator {
	h.t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		h.t.Fatalf("sqlmock: %v", err)
	}
	h.mock = mock
	o, err := New(Options{
		Manifest: h.m,
		Runner:   h.runner,
		Logger:   logr.Discard(),
		Observer: h.observer,
		NewProber: func(ProbeTarget) Waiter {
			return waiterFunc(func(context.Context, time.Duration) error { return h.probeErr })
		},
		OpenDB: func(context.Context, database.Config) (*sql.DB, error) { return db, nil },
		NewRunID: func(now time.Time) string {
			h.runIDs++
			return fmt.Sprintf("odoo-%s-%06x", now.UTC().Format(runIDTimeLayout), h.runIDs)
		},
		Now: h.clock.Now,
	})
	if err != nil {
		h.t.Fatalf("new orchestrator: %v", err)
	}
	h.t.Cleanup(func() { _ = o.Close() })
	return o
}

func (h *harnessFixture) expectBasicSeed() {
	h.mock.ExpectBegin()
	h.mock.ExpectExec("INSERT INTO res_partner").WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectCommit()
}

func eventTypes(t *testing.T, o *Orchestrator, runID string) []string {
	t.Helper()
	details, err := o.Show(context.Background(), runID)
	if err != nil {
		t.Fatalf("show %s: %v", runID, err)
	}
	var out []string
	for _, ev := range details.Events {
		out = append(out, ev.Type)
	}
	return out
}

func TestUpReachesRunning(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()
	h.expectBasicSeed()
	ctx := context.Background()

	res, err := o.Up(ctx, UpRequest{Edition: "community", Version: "18.0", SeedPacks: []string{"basic"}})
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	rec := res.Record
	if rec.Status != registry.StatusRunning || rec.Phase != registry.PhaseRunning {
		t.Fatalf("expected running, got status=%s phase=%s", rec.Status, rec.Phase)
	}
	if len(rec.AllocatedPorts) != 2 {
		t.Fatalf("expected two allocated ports, got %v", rec.AllocatedPorts)
	}
	if rec.AllocatedPorts["http"] < 18069 || rec.AllocatedPorts["db"] < 15432 {
		t.Fatalf("ports below manifest defaults: %v", rec.AllocatedPorts)
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("seed sql: %v", err)
	}
	if len(h.runner.CallsContaining("up", "-d", "-p "+rec.ProjectName)) != 1 {
		t.Fatalf("expected one compose up, calls: %v", h.runner.Calls())
	}
	scripts := h.runner.CallsContaining("exec -T odoo odoo shell -d " + rec.DBName)
	if len(scripts) != 1 || !strings.Contains(scripts[0].Stdin, "res.partner") {
		t.Fatalf("expected the seed script on stdin, got %+v", scripts)
	}
	for _, name := range []string{"docker-compose.yml", registry.SnapshotFileName} {
		if _, err := os.Stat(filepath.Join(rec.WorkDir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}

	all, err := o.List(ctx, registry.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].Status != registry.StatusRunning {
		t.Fatalf("expected exactly one running record, got %+v", all)
	}
	want := []string{"rendering", "starting", "probing", "seeding", "running"}
	if got := eventTypes(t, o, rec.RunID); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if got := h.observer.phases; len(got) != 5 || got[len(got)-1] != registry.PhaseRunning {
		t.Fatalf("observer saw %v", got)
	}
	if res.URL == "" {
		t.Fatalf("expected a web url")
	}
}

func TestStopUnknownRunWritesNothing(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()
	_, err := o.Stop(context.Background(), "odoo-20250101000000-ffffff")
	if !registry.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := os.Stat(h.m.Defaults.HistoryLog); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("history must not be written, stat err=%v", err)
	}
	if calls := h.runner.Calls(); len(calls) != 0 {
		t.Fatalf("no process should run, got %v", calls)
	}
}

func TestSeedFailureKeepsStateForInspection(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()
	h.mock.ExpectBegin()
	h.mock.ExpectExec("INSERT INTO missing_table").WillReturnError(errors.New(`relation "missing_table" does not exist`))
	h.mock.ExpectRollback()
	ctx := context.Background()

	_, err := o.Up(ctx, UpRequest{Edition: "community", Version: "18.0", SeedPacks: []string{"broken"}})
	var failed *RunFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected RunFailedError, got %v", err)
	}
	var seedErr *seed.SeedError
	if !errors.As(err, &seedErr) || seedErr.Kind != seed.KindSQLExecutionFailed {
		t.Fatalf("expected SQL seed error, got %v", err)
	}
	details, err := o.Show(ctx, failed.RunID)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if details.Record.Status != registry.StatusFailed || details.Record.Error == nil || details.Record.Error.Kind != "SeedError" {
		t.Fatalf("unexpected record: %+v", details.Record)
	}
	if _, err := os.Stat(filepath.Join(failed.WorkDir, "docker-compose.yml")); err != nil {
		t.Fatalf("work dir must be preserved: %v", err)
	}
	logData, err := os.ReadFile(filepath.Join(failed.WorkDir, failureLogName))
	if err != nil {
		t.Fatalf("failure log: %v", err)
	}
	if !strings.Contains(string(logData), "kind: SeedError") || !strings.Contains(string(logData), "booting") {
		t.Fatalf("unexpected failure log:\n%s", logData)
	}
	if calls := h.runner.CallsContaining(" down "); len(calls) != 0 {
		t.Fatalf("containers must be kept after a seed failure, got %v", calls)
	}
	failedEvents := 0
	for _, ev := range details.Events {
		if ev.Type == string(registry.PhaseFailed) {
			failedEvents++
		}
	}
	if failedEvents != 1 {
		t.Fatalf("expected exactly one failed event, got %d", failedEvents)
	}

	stopped, err := o.Stop(ctx, failed.RunID)
	if err != nil {
		t.Fatalf("stop failed run: %v", err)
	}
	if stopped.Status != registry.StatusFailed {
		t.Fatalf("failed run must stay failed, got %s", stopped.Status)
	}
	if len(h.runner.CallsContaining(" down ")) != 1 {
		t.Fatalf("stop must remove the containers")
	}
	if _, err := os.Stat(failed.WorkDir); err != nil {
		t.Fatalf("stop must keep the failed run's work dir: %v", err)
	}
}

func TestProbeTimeoutTearsDown(t *testing.T) {
	h := newHarness(t)
	h.probeErr = &readiness.TimeoutError{Timeout: 5 * time.Second, Pending: []string{"http"}}
	o := h.orchestrator()

	_, err := o.Up(context.Background(), UpRequest{Edition: "community", Version: "18.0"})
	var te *readiness.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	var failed *RunFailedError
	if !errors.As(err, &failed) || failed.Phase != registry.PhaseProbing {
		t.Fatalf("expected failure while probing, got %v", err)
	}
	if len(h.runner.CallsContaining(" down ", "--volumes")) != 1 {
		t.Fatalf("expected teardown after timeout")
	}
	types := eventTypes(t, o, failed.RunID)
	if types[len(types)-2] != "failed" || types[len(types)-1] != registry.EventContainers {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestFailureAtEachStepIsRecordedOnce(t *testing.T) {
	tests := []struct {
		name      string
		version   string
		seeds     []string
		runTests  bool
		setup     func(h *harnessFixture)
		wantPhase registry.Phase
		wantKind  string
		wantDowns int
		wantTail  []string
	}{
		{
			name:      "render",
			version:   "17.0",
			wantPhase: registry.PhaseRendering,
			wantKind:  "RenderError",
			wantTail:  []string{"rendering", "failed"},
		},
		{
			name:    "compose up",
			version: "18.0",
			setup: func(h *harnessFixture) {
				h.upOutput = &procexec.Result{ExitCode: 1, Stderr: "Error response from daemon: pull access denied for odoo"}
			},
			wantPhase: registry.PhaseStarting,
			wantKind:  "ComposeError",
			wantDowns: 1,
			wantTail:  []string{"starting", "failed", registry.EventContainers},
		},
		{
			name:    "probe",
			version: "18.0",
			setup: func(h *harnessFixture) {
				h.probeErr = &readiness.TimeoutError{Timeout: 5 * time.Second, Pending: []string{"db"}}
			},
			wantPhase: registry.PhaseProbing,
			wantKind:  "TimeoutError",
			wantDowns: 1,
			wantTail:  []string{"probing", "failed", registry.EventContainers},
		},
		{
			name:    "seed",
			version: "18.0",
			seeds:   []string{"broken"},
			setup: func(h *harnessFixture) {
				h.mock.ExpectBegin()
				h.mock.ExpectExec("INSERT INTO missing_table").WillReturnError(errors.New("boom"))
				h.mock.ExpectRollback()
			},
			wantPhase: registry.PhaseSeeding,
			wantKind:  "SeedError",
			wantTail:  []string{"seeding", "failed"},
		},
		{
			name:     "test run",
			version:  "18.0",
			runTests: true,
			setup: func(h *harnessFixture) {
				h.expectBasicSeed()
				h.testOut = &procexec.Result{ExitCode: 1, Stderr: "service \"odoo\" is not running\n"}
			},
			wantPhase: registry.PhaseTestRunning,
			wantKind:  "InvocationError",
			wantDowns: 1,
			wantTail:  []string{"test_running", "failed", registry.EventContainers},
		},
		{
			name:     "teardown after tests",
			version:  "18.0",
			runTests: true,
			setup: func(h *harnessFixture) {
				h.expectBasicSeed()
				h.downOut = &procexec.Result{ExitCode: 1, Stderr: "Error response from daemon: permission denied"}
			},
			wantPhase: registry.PhaseStopping,
			wantKind:  "ComposeError",
			wantDowns: 2,
			wantTail:  []string{"tested", "stopping", "failed"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			o := h.orchestrator()
			if tt.setup != nil {
				tt.setup(h)
			}
			ctx := context.Background()

			res, err := o.Up(ctx, UpRequest{Edition: "community", Version: tt.version, SeedPacks: tt.seeds, RunTests: tt.runTests})
			if res != nil {
				t.Fatalf("expected no result, got %+v", res.Record)
			}
			var failed *RunFailedError
			if !errors.As(err, &failed) {
				t.Fatalf("expected RunFailedError, got %v", err)
			}
			if failed.Phase != tt.wantPhase {
				t.Fatalf("failed in %s, want %s", failed.Phase, tt.wantPhase)
			}

			details, err := o.Show(ctx, failed.RunID)
			if err != nil {
				t.Fatalf("show: %v", err)
			}
			rec := details.Record
			if rec.Status != registry.StatusFailed || rec.Phase != registry.PhaseFailed {
				t.Fatalf("expected failed record, got status=%s phase=%s", rec.Status, rec.Phase)
			}
			if rec.Error == nil || rec.Error.Kind != tt.wantKind {
				t.Fatalf("recorded error = %+v, want kind %s", rec.Error, tt.wantKind)
			}
			var types []string
			failedEvents := 0
			for _, ev := range details.Events {
				types = append(types, ev.Type)
				if ev.Type == string(registry.PhaseFailed) {
					failedEvents++
				}
			}
			if failedEvents != 1 {
				t.Fatalf("expected exactly one failed event, got %v", types)
			}
			if len(types) < len(tt.wantTail) || strings.Join(types[len(types)-len(tt.wantTail):], ",") != strings.Join(tt.wantTail, ",") {
				t.Fatalf("events = %v, want suffix %v", types, tt.wantTail)
			}
			if details.Events[len(details.Events)-1].Seq != rec.Seq {
				t.Fatalf("last event seq %d != record seq %d", details.Events[len(details.Events)-1].Seq, rec.Seq)
			}

			logData, err := os.ReadFile(filepath.Join(rec.WorkDir, failureLogName))
			if err != nil {
				t.Fatalf("failure log: %v", err)
			}
			for _, want := range []string{"run: " + rec.RunID, "phase: " + string(tt.wantPhase), "kind: " + tt.wantKind} {
				if !strings.Contains(string(logData), want) {
					t.Fatalf("failure log missing %q:\n%s", want, logData)
				}
			}
			if got := len(h.runner.CallsContaining(" down ")); got != tt.wantDowns {
				t.Fatalf("compose down ran %d times, want %d", got, tt.wantDowns)
			}
		})
	}
}

func TestPortConflictIsReportedDistinctly(t *testing.T) {
	h := newHarness(t)
	h.upOutput = &procexec.Result{ExitCode: 1, Stderr: "Error response from daemon: driver failed programming external connectivity: Bind for 127.0.0.1:18069 failed: port is already allocated"}
	o := h.orchestrator()

	_, err := o.Up(context.Background(), UpRequest{Edition: "community", Version: "18.0"})
	var pc *dockercompose.PortConflictError
	if !errors.As(err, &pc) {
		t.Fatalf("expected PortConflictError, got %v", err)
	}
	if pc.Port != 18069 {
		t.Fatalf("conflict port = %d", pc.Port)
	}
	if d := Describe(err); d.Kind != "PortConflictError" || d.Subject != "port 18069" {
		t.Fatalf("unexpected description %+v", d)
	}
}

func TestTestsWithoutKeepAliveStopTheStack(t *testing.T) {
	h := newHarness(t)
	h.testExit = 1
	o := h.orchestrator()
	h.expectBasicSeed()
	ctx := context.Background()

	res, err := o.Up(ctx, UpRequest{Edition: "community", Version: "18.0", RunTests: true, Modules: []string{"sale,stock"}, TestTags: []string{"/sale"}})
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	var tf *TestsFailedError
	if !errors.As(res.Err(), &tf) || tf.ExitCode != 1 {
		t.Fatalf("expected TestsFailedError, got %v", res.Err())
	}
	if !res.Stopped || res.Record.Status != registry.StatusStopped || !res.Record.Pruned {
		t.Fatalf("expected a stopped and pruned run, got %+v", res.Record)
	}
	if res.Record.TestResult == nil || res.Record.TestResult.Passed {
		t.Fatalf("test result not recorded: %+v", res.Record.TestResult)
	}
	if _, err := os.Stat(res.Record.WorkDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("work dir should be removed, stat err=%v", err)
	}
	if len(h.runner.CallsContaining("--test-enable", "-u sale,stock", "--test-tags /sale")) != 1 {
		t.Fatalf("unexpected test invocation: %v", h.runner.Calls())
	}
	want := "rendering,starting,probing,seeding,running,test_running,tested,stopping,stopped"
	if got := strings.Join(eventTypes(t, o, res.Record.RunID), ","); got != want {
		t.Fatalf("events = %s", got)
	}
}

func TestKeepAliveLeavesTestedStackRunning(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()
	h.expectBasicSeed()
	ctx := context.Background()

	res, err := o.Up(ctx, UpRequest{Edition: "community", Version: "18.0", RunTests: true, KeepAlive: true})
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if res.Err() != nil || res.Record.Status != registry.StatusTested || res.Stopped {
		t.Fatalf("unexpected result: err=%v record=%+v", res.Err(), res.Record)
	}

	if _, err := o.Psql(ctx, res.Record.RunID, "select count(*) from res_partner"); err != nil {
		t.Fatalf("psql: %v", err)
	}
	calls := h.runner.CallsContaining("exec -T -e PGOPTIONS=-c default_transaction_read_only=on db psql")
	if len(calls) != 1 {
		t.Fatalf("expected a read-only psql exec, got %v", h.runner.Calls())
	}

	stopped, err := o.Stop(ctx, res.Record.RunID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != registry.StatusStopped {
		t.Fatalf("expected stopped, got %s", stopped.Status)
	}
	before := len(eventTypes(t, o, stopped.RunID))
	if _, err := o.Stop(ctx, stopped.RunID); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if after := len(eventTypes(t, o, stopped.RunID)); after != before {
		t.Fatalf("second stop wrote events: %d -> %d", before, after)
	}
	if _, err := o.Psql(ctx, stopped.RunID, "select 1"); err == nil {
		t.Fatalf("psql on a stopped run must fail")
	} else {
		var rse *RunStateError
		if !errors.As(err, &rse) {
			t.Fatalf("expected RunStateError, got %v", err)
		}
	}
}

func TestCleanPrunesOldFailedRunsAndOrphans(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()
	h.mock.ExpectBegin()
	h.mock.ExpectExec("INSERT INTO missing_table").WillReturnError(errors.New("boom"))
	h.mock.ExpectRollback()
	ctx := context.Background()

	_, err := o.Up(ctx, UpRequest{Edition: "community", Version: "18.0", SeedPacks: []string{"broken"}})
	var failed *RunFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected failure, got %v", err)
	}

	orphan := filepath.Join(h.m.Defaults.RunsRoot, "odoo-20200101000000-000000")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatal(err)
	}
	old := h.clock.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(orphan, old, old); err != nil {
		t.Fatal(err)
	}

	report, err := o.Clean(ctx, CleanOptions{})
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if len(report.Pruned) != 0 {
		t.Fatalf("a fresh failed run must be kept, pruned %v", report.Pruned)
	}
	if len(report.Orphans) != 1 || report.Orphans[0] != orphan {
		t.Fatalf("unexpected orphans %v", report.Orphans)
	}

	h.clock.Advance(2 * time.Hour)
	report, err = o.Clean(ctx, CleanOptions{})
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if len(report.Pruned) != 1 || report.Pruned[0] != failed.RunID {
		t.Fatalf("expected the old failed run pruned, got %+v", report)
	}
	if _, err := os.Stat(failed.WorkDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("failed work dir should be removed, stat err=%v", err)
	}
	details, err := o.Show(ctx, failed.RunID)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !details.Record.Pruned || details.Record.Status != registry.StatusFailed {
		t.Fatalf("unexpected record after clean: %+v", details.Record)
	}
}

func TestUpValidatesBeforeSideEffects(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()
	ctx := context.Background()

	if _, err := o.Up(ctx, UpRequest{Edition: "enterprise", Version: "18.0"}); !errors.Is(err, ErrEnterpriseCodeRequired) {
		t.Fatalf("expected missing licence error, got %v", err)
	}
	_, err := o.Up(ctx, UpRequest{Edition: "community", Version: "99.0"})
	var me *manifest.ManifestError
	if !errors.As(err, &me) || me.Kind != manifest.KindUnknownEdition || me.Key != "community/99.0" {
		t.Fatalf("expected UnknownEdition, got %v", err)
	}
	_, err = o.Up(ctx, UpRequest{Edition: "community", Version: "18.0", SeedPacks: []string{"nope"}})
	var se *seed.SeedError
	if !errors.As(err, &se) || se.Kind != seed.KindUnknownPack {
		t.Fatalf("expected UnknownPack, got %v", err)
	}
	if calls := h.runner.Calls(); len(calls) != 0 {
		t.Fatalf("no process should run, got %v", calls)
	}
	if _, err := os.Stat(h.m.Defaults.RunsRoot); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("no work dir should be created, stat err=%v", err)
	}
}

func TestValidate(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()
	ctx := context.Background()

	results, err := o.Validate(ctx, ValidateOptions{})
	if err != nil {
		t.Fatalf("validate: %v (%+v)", err, results)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 checks, got %+v", results)
	}
	_, err = o.Validate(ctx, ValidateOptions{RequireEnterprise: true})
	var ve *ValidationError
	if !errors.As(err, &ve) || len(ve.Failed) != 1 || !strings.HasPrefix(ve.Failed[0], "enterprise") {
		t.Fatalf("expected enterprise failure, got %v", err)
	}
}

func TestNewRunIDFormat(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 30, 5, 0, time.UTC)
	re := regexp.MustCompile(`^odoo-20261015093005-[0-9a-f]{6}$`)
	a, b := NewRunID(now), NewRunID(now)
	if !re.MatchString(a) {
		t.Fatalf("unexpected run id %q", a)
	}
	if a == b {
		t.Fatalf("run ids should differ: %q", a)
	}
}

func TestInitRefusesToOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "config.yml")
	res, err := Init(InitOptions{Path: path, Content: []byte("defaults: {}\n")})
	if err != nil || !res.Written {
		t.Fatalf("first init: res=%+v err=%v", res, err)
	}
	_, err = Init(InitOptions{Path: path, Content: []byte("defaults: {retention: 1h}\n")})
	var exists *ConfigExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("expected ConfigExistsError, got %v", err)
	}
	res, err = Init(InitOptions{Path: path, Content: []byte("defaults: {retention: 1h}\n"), Diff: true})
	if err != nil || res.Written || !strings.Contains(res.Diff, "+defaults: {retention: 1h}") {
		t.Fatalf("diff: res=%+v err=%v", res, err)
	}
	res, err = Init(InitOptions{Path: path, Content: []byte("defaults: {retention: 1h}\n"), Force: true})
	if err != nil || !res.Written {
		t.Fatalf("forced init: res=%+v err=%v", res, err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "defaults: {retention: 1h}\n" {
		t.Fatalf("unexpected content %q", data)
	}
}
