// Package lifecycle drives disposable Odoo stacks through their run states:
// render, start, probe, seed, test, stop and clean. Every transition is
// persisted through the run registry before the next step starts.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/database"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/dockercompose"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/harness"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/manifest"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/ports"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/procexec"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/readiness"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/registry"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/render"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/seed"
)

const (
	loopbackHost     = "127.0.0.1"
	maintenanceDB    = "postgres"
	failureLogName   = "failure.log"
	failureLogTail   = 500
	dbPingTimeout    = 5 * time.Second
	runIDTimeLayout  = "20060102150405"
	runIDSuffixBytes = 3
)

// PortAllocator hands out free host ports for a run.
type PortAllocator interface {
	AllocateAll(desired map[string]int) (map[string]int, error)
}

// Waiter blocks until a stack answers or the timeout expires.
type Waiter interface {
	WaitReady(ctx context.Context, timeout time.Duration) error
}

// ProbeTarget is what readiness checks need to reach a run.
type ProbeTarget struct {
	RunID   string
	HTTPURL string
	DB      database.Config
}

// Observer is told about every phase a run enters.
type Observer interface {
	ObservePhase(runID string, phase registry.Phase, message string)
}

type Options struct {
	Manifest *manifest.Manifest
	Runner   procexec.Runner
	Logger   logr.Logger
	Observer Observer

	// Hooks for tests; nil selects the real implementation.
	Ports     PortAllocator
	NewProber func(ProbeTarget) Waiter
	OpenDB    func(ctx context.Context, cfg database.Config) (*sql.DB, error)
	NewRunID  func(time.Time) string
	Now       func() time.Time

	LockTimeout time.Duration
}

// Orchestrator runs lifecycle operations against one resolved manifest.
type Orchestrator struct {
	m        *manifest.Manifest
	log      logr.Logger
	observer Observer
	compose  *dockercompose.Client
	renderer *render.Renderer
	seeder   *seed.Executor
	tests    *harness.Invoker
	ports    PortAllocator
	prober   func(ProbeTarget) Waiter
	newRunID func(time.Time) string
	now      func() time.Time
	lockTO   time.Duration

	regOnce sync.Once
	reg     *registry.Registry
	regErr  error
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Manifest == nil {
		return nil, errors.New("lifecycle: manifest is required")
	}
	log := opts.Logger.WithName("lifecycle")
	runner := opts.Runner
	if runner == nil {
		runner = procexec.NewExecRunner(opts.Logger)
	}
	d := opts.Manifest.Defaults
	client, err := dockercompose.New(runner, dockercompose.Options{
		ComposeBin:  d.ComposeBin,
		DockerBin:   d.DockerBin,
		UpTimeout:   d.Timeouts.ComposeUp,
		DownTimeout: d.Timeouts.ComposeDown,
		ExecTimeout: d.Timeouts.Exec,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		m:        opts.Manifest,
		log:      log,
		observer: opts.Observer,
		compose:  client,
		renderer: render.New(d, opts.Logger),
		seeder:   seed.New(client, seed.Options{ScriptTimeout: d.Timeouts.Exec, Logger: opts.Logger, OpenDB: opts.OpenDB}),
		tests:    harness.New(client, d.Timeouts.Tests, opts.Logger),
		ports:    opts.Ports,
		prober:   opts.NewProber,
		newRunID: opts.NewRunID,
		now:      opts.Now,
		lockTO:   opts.LockTimeout,
	}
	if o.ports == nil {
		o.ports = ports.New(opts.Logger)
	}
	if o.prober == nil {
		interval := d.Readiness.Interval
		logger := opts.Logger
		o.prober = func(t ProbeTarget) Waiter {
			return readiness.New([]readiness.Check{
				readiness.DBCheck{Config: t.DB},
				readiness.NewHTTPCheck(t.HTTPURL),
			}, interval, logger)
		}
	}
	if o.newRunID == nil {
		o.newRunID = NewRunID
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Close releases the registry if it was opened.
func (o *Orchestrator) Close() error {
	if o.reg != nil {
		return o.reg.Close()
	}
	return nil
}

// Manifest returns the manifest the orchestrator was built with.
func (o *Orchestrator) Manifest() *manifest.Manifest { return o.m }

// Compose exposes the compose client for diagnostics commands.
func (o *Orchestrator) Compose() *dockercompose.Client { return o.compose }

func (o *Orchestrator) registry(ctx context.Context) (*registry.Registry, error) {
	o.regOnce.Do(func() {
		o.reg, o.regErr = registry.Open(ctx, registry.Options{
			HistoryPath: o.m.Defaults.HistoryLog,
			StateDir:    o.m.Defaults.StateDir,
			LockTimeout: o.lockTO,
			Logger:      o.log,
			Now:         o.now,
		})
	})
	return o.reg, o.regErr
}

// NewRunID returns odoo-<UTC timestamp>-<6 hex chars>.
func NewRunID(now time.Time) string {
	id := uuid.New()
	return "odoo-" + now.UTC().Format(runIDTimeLayout) + "-" + hex.EncodeToString(id[:runIDSuffixBytes])
}

func (o *Orchestrator) project(rec *registry.RunRecord) dockercompose.Project {
	return dockercompose.Project{Name: rec.ProjectName, File: rec.ComposeFile, Dir: rec.WorkDir}
}

func (o *Orchestrator) dbConfig(rec *registry.RunRecord) database.Config {
	return database.Config{
		Host:        loopbackHost,
		Port:        rec.AllocatedPorts[manifest.ServiceDB],
		User:        o.m.Defaults.Database.User,
		Password:    o.m.Defaults.Database.Password,
		Name:        rec.DBName,
		PingTimeout: dbPingTimeout,
	}
}

// WebURL is the address a browser opens for the run.
func WebURL(rec *registry.RunRecord) string {
	port := rec.AllocatedPorts[manifest.ServiceHTTP]
	if port == 0 {
		return ""
	}
	return "http://" + net.JoinHostPort("localhost", strconv.Itoa(port)) + "/web?db=" + rec.DBName
}

func (o *Orchestrator) probeTarget(rec *registry.RunRecord) ProbeTarget {
	path := o.m.Defaults.Readiness.HTTPPath
	if path == "" {
		path = "/web/login"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	httpPort := rec.AllocatedPorts[manifest.ServiceHTTP]
	return ProbeTarget{
		RunID:   rec.RunID,
		HTTPURL: fmt.Sprintf("http://%s%s", net.JoinHostPort(loopbackHost, strconv.Itoa(httpPort)), path),
		DB:      o.dbConfig(rec).WithName(maintenanceDB),
	}
}

func (o *Orchestrator) observe(runID string, phase registry.Phase, message string) {
	if o.observer != nil {
		o.observer.ObservePhase(runID, phase, message)
	}
}
