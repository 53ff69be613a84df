// File: internal/registry/record.go
// Brief: Run records, lifecycle phases and the status each phase reports.

package registry

import (
	"fmt"
	"time"
)

// Status is the coarse, user-facing state of a run.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusTested   Status = "tested"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// Phase is the lifecycle state a run most recently entered.
type Phase string

const (
	PhaseCreated     Phase = "created"
	PhaseRendering   Phase = "rendering"
	PhaseStarting    Phase = "starting"
	PhaseProbing     Phase = "probing"
	PhaseSeeding     Phase = "seeding"
	PhaseRunning     Phase = "running"
	PhaseTestRunning Phase = "test_running"
	PhaseTested      Phase = "tested"
	PhaseStopping    Phase = "stopping"
	PhaseStopped     Phase = "stopped"
	PhaseFailed      Phase = "failed"
)

var knownPhases = map[Phase]bool{
	PhaseCreated: true, PhaseRendering: true, PhaseStarting: true, PhaseProbing: true,
	PhaseSeeding: true, PhaseRunning: true, PhaseTestRunning: true, PhaseTested: true,
	PhaseStopping: true, PhaseStopped: true, PhaseFailed: true,
}

func (p Phase) Valid() bool { return knownPhases[p] }

// Terminal reports whether no further lifecycle step follows p.
func (p Phase) Terminal() bool { return p == PhaseStopped || p == PhaseFailed }

// StatusFor maps a phase to the status a run reports once it is in that
// phase. Stopping keeps the previous status so an interrupted teardown still
// reads as running or tested.
func StatusFor(p Phase, prev Status) Status {
	switch p {
	case PhaseCreated, PhaseRendering, PhaseStarting, PhaseProbing, PhaseSeeding:
		return StatusStarting
	case PhaseRunning, PhaseTestRunning:
		return StatusRunning
	case PhaseTested:
		return StatusTested
	case PhaseStopping:
		if prev == "" {
			return StatusRunning
		}
		return prev
	case PhaseStopped:
		return StatusStopped
	case PhaseFailed:
		return StatusFailed
	default:
		return prev
	}
}

// RunError is the failure recorded on a failed run.
type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Subject string `json:"subject,omitempty"`
}

// TestResult is the outcome of the embedded test runner.
type TestResult struct {
	Passed   bool     `json:"passed"`
	Tags     []string `json:"tags,omitempty"`
	Modules  []string `json:"modules,omitempty"`
	ExitCode int      `json:"exitCode"`
}

// RunRecord is the persisted state of one disposable stack.
type RunRecord struct {
	RunID           string         `json:"runId"`
	Edition         string         `json:"edition"`
	Version         string         `json:"version"`
	ProjectName     string         `json:"projectName"`
	DBName          string         `json:"dbName"`
	SeedPacks       []string       `json:"seedPacks,omitempty"`
	Modules         []string       `json:"modules,omitempty"`
	TestTags        []string       `json:"testTags,omitempty"`
	AllocatedPorts  map[string]int `json:"allocatedPorts"`
	ComposeFile     string         `json:"composeFilePath"`
	WorkDir         string         `json:"workDir"`
	ManifestDigest  string         `json:"manifestDigest,omitempty"`
	// LauncherVersion is the odoo-launch build that created the run.
	LauncherVersion string         `json:"launcherVersion,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	Status          Status         `json:"status"`
	Phase           Phase          `json:"phase"`
	KeepAlive       bool           `json:"keepAlive"`
	Error           *RunError      `json:"error,omitempty"`
	TestResult      *TestResult    `json:"testResult,omitempty"`
	Pruned          bool           `json:"pruned"`
	// Seq is the sequence number of the last history event applied.
	Seq             int64          `json:"seq"`
}

// Clone returns a deep copy.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.SeedPacks = cloneStrings(r.SeedPacks)
	c.Modules = cloneStrings(r.Modules)
	c.TestTags = cloneStrings(r.TestTags)
	if r.AllocatedPorts != nil {
		c.AllocatedPorts = make(map[string]int, len(r.AllocatedPorts))
		for k, v := range r.AllocatedPorts {
			c.AllocatedPorts[k] = v
		}
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.TestResult != nil {
		tr := *r.TestResult
		tr.Tags = cloneStrings(r.TestResult.Tags)
		tr.Modules = cloneStrings(r.TestResult.Modules)
		c.TestResult = &tr
	}
	return &c
}

// Live reports whether the run may still own containers.
func (r *RunRecord) Live() bool {
	switch r.Status {
	case StatusStarting, StatusRunning, StatusTested:
		return true
	default:
		return false
	}
}

func (r *RunRecord) validate() error {
	if r.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if !r.Phase.Valid() {
		return fmt.Errorf("run %s: unknown phase %q", r.RunID, r.Phase)
	}
	switch r.Status {
	case StatusStarting, StatusRunning, StatusTested, StatusStopped, StatusFailed:
	default:
		return fmt.Errorf("run %s: unknown status %q", r.RunID, r.Status)
	}
	return nil
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
