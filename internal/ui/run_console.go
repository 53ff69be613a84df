package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/registry"
)

type RunConsoleOptions struct {
	// Interactive draws a spinner for the phase in progress; otherwise each
	// phase is one timestamped line.
	Interactive bool
	Color       bool
	Now         func() time.Time
}

// RunConsole prints lifecycle phases as a run moves through them.
type RunConsole struct {
	out  io.Writer
	opts RunConsoleOptions

	mu        sync.Mutex
	stop      func(bool)
	startedAt time.Time
	phaseAt   time.Time
	last      registry.Phase

	ok, fail, dim, bold *color.Color
}

func NewRunConsole(out io.Writer, opts RunConsoleOptions) *RunConsole {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &RunConsole{
		out:  out,
		opts: opts,
		ok:   color.New(color.FgGreen),
		fail: color.New(color.FgRed, color.Bold),
		dim:  color.New(color.Faint),
		bold: color.New(color.Bold),
	}
	for _, col := range []*color.Color{c.ok, c.fail, c.dim, c.bold} {
		if opts.Color {
			col.EnableColor()
		} else {
			col.DisableColor()
		}
	}
	return c
}

func (c *RunConsole) ObservePhase(runID string, phase registry.Phase, message string) {
	if c == nil || c.out == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	if c.startedAt.IsZero() {
		c.startedAt = now
		fmt.Fprintf(c.out, "%s %s\n", c.bold.Sprint("run"), runID)
	}
	failed := phase == registry.PhaseFailed
	c.finishLocked(!failed)
	c.last = phase
	c.phaseAt = now

	line := phaseLine(phase, message)
	switch {
	case failed:
		fmt.Fprintf(c.out, "%s %s\n", c.fail.Sprint("failed"), message)
	case phase.Terminal() || phase == registry.PhaseRunning || phase == registry.PhaseTested:
		fmt.Fprintf(c.out, "%s %s %s\n", c.ok.Sprint(padPhase(phase)), message, c.dim.Sprintf("(%s)", roundElapsed(now.Sub(c.startedAt))))
	case c.opts.Interactive:
		c.stop = StartSpinner(c.out, fitWidth(c.out, line))
	default:
		fmt.Fprintf(c.out, "%s %s\n", c.dim.Sprint(now.Format("15:04:05")), line)
	}
}

// Done clears a spinner left by an interrupted run.
func (c *RunConsole) Done() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.finishLocked(false)
	c.mu.Unlock()
}

func (c *RunConsole) finishLocked(success bool) {
	if c.stop != nil {
		c.stop(success)
		c.stop = nil
	}
}

func phaseLine(phase registry.Phase, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return padPhase(phase)
	}
	return padPhase(phase) + " " + msg
}

// fitWidth keeps a spinner line on one row so the carriage return redraws it.
func fitWidth(w io.Writer, line string) string {
	cols, ok := TerminalWidth(w)
	if !ok || cols <= 8 {
		return line
	}
	limit := cols - 8
	if r := []rune(line); len(r) > limit {
		return string(r[:limit-3]) + "..."
	}
	return line
}

func padPhase(phase registry.Phase) string {
	return fmt.Sprintf("%-12s", string(phase))
}

func roundElapsed(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(100 * time.Millisecond)
}
