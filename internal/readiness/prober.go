// Package readiness waits for a launched stack's database and HTTP endpoint
// to answer.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval       = 2 * time.Second
	DefaultAttemptTimeout = 5 * time.Second
)

// Check is one readiness probe. Check must release every resource it opens
// before returning.
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// TimeoutError lists the checks that never succeeded before the deadline.
type TimeoutError struct {
	Timeout    time.Duration
	Pending    []string
	LastErrors map[string]string
}

func (e *TimeoutError) Error() string {
	parts := make([]string, 0, len(e.Pending))
	for _, name := range e.Pending {
		if msg := e.LastErrors[name]; msg != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", name, msg))
		} else {
			parts = append(parts, name)
		}
	}
	return fmt.Sprintf("stack not ready after %s: %s never succeeded", e.Timeout, strings.Join(parts, ", "))
}

// Prober polls its checks until each has succeeded once.
type Prober struct {
	Checks         []Check
	Interval       time.Duration
	AttemptTimeout time.Duration
	Logger         logr.Logger
}

func New(checks []Check, interval time.Duration, logger logr.Logger) *Prober {
	return &Prober{
		Checks:         checks,
		Interval:       interval,
		AttemptTimeout: DefaultAttemptTimeout,
		Logger:         logger.WithName("readiness"),
	}
}

// WaitReady returns nil once every check has passed, a *TimeoutError when
// timeout elapses first, or the context error when ctx is cancelled.
func (p *Prober) WaitReady(ctx context.Context, timeout time.Duration) error {
	if len(p.Checks) == 0 {
		return nil
	}
	if timeout <= 0 {
		return errors.New("readiness timeout must be positive")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pending := map[string]Check{}
	for _, c := range p.Checks {
		pending[c.Name()] = c
	}
	lastErrors := map[string]string{}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-deadlineCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return &TimeoutError{Timeout: timeout, Pending: sortedNames(pending), LastErrors: lastErrors}
		case <-timer.C:
		}

		results := p.round(deadlineCtx, pending)
		for name, err := range results {
			if err == nil {
				p.Logger.Info("check passed", "check", name, "attempt", attempt)
				delete(pending, name)
				delete(lastErrors, name)
				continue
			}
			lastErrors[name] = err.Error()
			p.Logger.V(1).Info("check not ready", "check", name, "attempt", attempt, "error", err.Error())
		}
		if len(pending) == 0 {
			return nil
		}
		timer.Reset(interval)
	}
}

// round runs every pending check once, concurrently.
func (p *Prober) round(ctx context.Context, pending map[string]Check) map[string]error {
	attemptTimeout := p.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	var (
		mu      sync.Mutex
		results = make(map[string]error, len(pending))
		g       errgroup.Group
	)
	for name, check := range pending {
		g.Go(func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
			defer cancel()
			err := check.Check(attemptCtx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func sortedNames(m map[string]Check) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
