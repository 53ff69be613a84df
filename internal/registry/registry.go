// File: internal/registry/registry.go
// Brief: Run registry: the single writer of run records and their history.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// SnapshotFileName is the per-run snapshot written into the run's work dir.
const SnapshotFileName = "run.json"

const (
	EventPruned     = "pruned"
	EventContainers = "containers_removed"

	defaultLockAttempts = 3
)

type Options struct {
	HistoryPath  string
	StateDir     string
	LockTimeout  time.Duration
	LockAttempts int
	Logger       logr.Logger
	Now          func() time.Time
}

// Registry persists run records. History is authoritative; the sqlite
// index and the per-run snapshots are derived from it.
type Registry struct {
	historyPath  string
	stateDir     string
	lockTimeout  time.Duration
	lockAttempts int
	log          logr.Logger
	now          func() time.Time
	idx          *indexStore
}

// Change describes one lifecycle event applied through Record.
type Change struct {
	// Phase is the phase the run enters; empty keeps the current one.
	Phase Phase
	// Event names the history entry; it defaults to the phase.
	Event   string
	Message string
	Error   *RunError
	Mutate  func(*RunRecord)
}

// Open opens the registry and brings the index up to date with history.
func Open(ctx context.Context, opts Options) (*Registry, error) {
	if strings.TrimSpace(opts.HistoryPath) == "" || strings.TrimSpace(opts.StateDir) == "" {
		return nil, fmt.Errorf("registry: history path and state dir are required")
	}
	r := &Registry{
		historyPath:  opts.HistoryPath,
		stateDir:     opts.StateDir,
		lockTimeout:  opts.LockTimeout,
		lockAttempts: opts.LockAttempts,
		log:          opts.Logger.WithName("registry"),
		now:          opts.Now,
	}
	if r.lockAttempts <= 0 {
		r.lockAttempts = defaultLockAttempts
	}
	if r.now == nil {
		r.now = time.Now
	}
	err := r.locked(ctx, func() error {
		idx, err := r.openIndexLocked(ctx)
		if err != nil {
			return err
		}
		r.idx = idx
		return r.syncLocked(ctx)
	})
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) Close() error {
	if r == nil || r.idx == nil {
		return nil
	}
	err := r.idx.Close()
	r.idx = nil
	return err
}

func (r *Registry) HistoryPath() string { return r.historyPath }

// openIndexLocked opens the index, moving an unreadable file aside and
// starting a fresh one that is then rebuilt from history.
func (r *Registry) openIndexLocked(ctx context.Context) (*indexStore, error) {
	idx, created, err := openIndex(ctx, r.stateDir)
	if err == nil {
		if created {
			r.log.V(1).Info("creating run index", "path", filepath.Join(r.stateDir, indexFileName))
		}
		return idx, nil
	}
	path := filepath.Join(r.stateDir, indexFileName)
	aside := fmt.Sprintf("%s.broken-%d", path, r.now().UnixNano())
	r.log.Info("run index unreadable, rebuilding from history", "path", path, "movedTo", aside, "error", err.Error())
	if renameErr := os.Rename(path, aside); renameErr != nil {
		return nil, &RegistryError{Kind: KindCorrupt, Path: path, Err: errors.Join(err, renameErr)}
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	idx, _, err = openIndex(ctx, r.stateDir)
	if err != nil {
		return nil, &RegistryError{Kind: KindCorrupt, Path: path, Err: err}
	}
	return idx, nil
}

func (r *Registry) locked(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.lockAttempts; attempt++ {
		err = withLock(ctx, r.stateDir, r.lockTimeout, fn)
		var re *RegistryError
		if !errors.As(err, &re) || re.Kind != KindLockTimeout {
			return err
		}
		r.log.V(1).Info("registry lock busy", "attempt", attempt, "of", r.lockAttempts)
	}
	return err
}

// syncLocked applies history entries the index has not seen yet. A torn
// final line from an interrupted append is truncated.
func (r *Registry) syncLocked(ctx context.Context) error {
	offset, err := r.idx.historyOffset(ctx)
	if err != nil {
		return &RegistryError{Kind: KindCorrupt, Path: r.idx.path, Err: err}
	}
	size, err := historySize(r.historyPath)
	if err != nil {
		return err
	}
	if offset > size {
		r.log.Info("history shorter than indexed offset, rebuilding index", "offset", offset, "size", size)
		if err := r.idx.reset(ctx); err != nil {
			return err
		}
		offset = 0
	}
	if offset == size {
		return nil
	}
	applied := 0
	err = scanHistory(r.historyPath, offset, func(ev Event, end int64) error {
		seq, digest, _, err := r.idx.chainHead(ctx, ev.RunID)
		if err != nil {
			return err
		}
		if err := verifyEvent(ev, seq, digest); err != nil {
			return &RegistryError{Kind: KindCorrupt, RunID: ev.RunID, Path: r.historyPath, Err: err}
		}
		if err := r.idx.applyEvent(ctx, ev, end); err != nil {
			return err
		}
		r.writeSnapshot(ev.Record)
		applied++
		return nil
	})
	var torn *errTornTail
	if errors.As(err, &torn) {
		r.log.Info("truncating incomplete history entry", "path", r.historyPath, "offset", torn.Offset)
		err = truncateTornTail(r.historyPath, torn.Offset)
	}
	if err != nil {
		return err
	}
	if applied > 0 {
		r.log.V(1).Info("run index caught up", "events", applied)
	}
	return nil
}

// commitLocked appends ev to history, refreshes the snapshot, then the
// index. A crash between the append and the index update is repaired by
// the next syncLocked.
func (r *Registry) commitLocked(ctx context.Context, ev Event) error {
	if err := sealEvent(&ev); err != nil {
		return err
	}
	end, err := appendEvent(r.historyPath, ev)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	r.writeSnapshot(ev.Record)
	if err := r.idx.applyEvent(ctx, ev, end); err != nil {
		return fmt.Errorf("update run index: %w", err)
	}
	return nil
}

func (r *Registry) writeSnapshot(rec *RunRecord) {
	if rec == nil || rec.WorkDir == "" || rec.Pruned {
		return
	}
	if info, err := os.Stat(rec.WorkDir); err != nil || !info.IsDir() {
		return
	}
	if err := writeJSONAtomic(filepath.Join(rec.WorkDir, SnapshotFileName), rec); err != nil {
		r.log.Info("run snapshot not written", "runId", rec.RunID, "error", err.Error())
	}
}

// newEvent builds the next event of a run, chained to prevDigest (empty for
// the first event).
func (r *Registry) newEvent(rec *RunRecord, prevDigest, typ, message string, runErr *RunError) Event {
	return Event{
		Seq:        rec.Seq,
		TS:         rec.UpdatedAt.Format(time.RFC3339Nano),
		RunID:      rec.RunID,
		Type:       typ,
		Phase:      rec.Phase,
		Status:     rec.Status,
		Message:    message,
		Error:      runErr,
		Record:     rec,
		PrevDigest: prevDigest,
	}
}

// Create persists a new run. A run id the registry has seen before is a
// Conflict.
func (r *Registry) Create(ctx context.Context, rec *RunRecord, message string) (*RunRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("registry: nil record")
	}
	next := rec.Clone()
	var out *RunRecord
	err := r.locked(ctx, func() error {
		if err := r.syncLocked(ctx); err != nil {
			return err
		}
		_, _, exists, err := r.idx.chainHead(ctx, next.RunID)
		if err != nil {
			return err
		}
		if exists {
			return &RegistryError{Kind: KindConflict, RunID: next.RunID, Err: fmt.Errorf("run id already recorded")}
		}
		now := r.now().UTC()
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		} else {
			next.CreatedAt = next.CreatedAt.UTC()
		}
		next.UpdatedAt = now
		if next.Phase == "" {
			next.Phase = PhaseCreated
		}
		next.Status = StatusFor(next.Phase, "")
		next.Seq = 1
		if err := next.validate(); err != nil {
			return err
		}
		if err := r.commitLocked(ctx, r.newEvent(next, "", string(next.Phase), message, next.Error)); err != nil {
			return err
		}
		out = next.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Record applies a change to an existing run and appends its event.
func (r *Registry) Record(ctx context.Context, runID string, ch Change) (*RunRecord, error) {
	var out *RunRecord
	err := r.locked(ctx, func() error {
		rec, err := r.recordLocked(ctx, runID, ch)
		out = rec
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Registry) recordLocked(ctx context.Context, runID string, ch Change) (*RunRecord, error) {
	if err := r.syncLocked(ctx); err != nil {
		return nil, err
	}
	cur, err := r.idx.get(ctx, runID)
	if err != nil {
		return nil, err
	}
	headSeq, headDigest, _, err := r.idx.chainHead(ctx, runID)
	if err != nil {
		return nil, err
	}
	if headSeq != cur.Seq {
		return nil, &RegistryError{Kind: KindCorrupt, RunID: runID, Path: r.idx.path, Err: fmt.Errorf("index head seq %d does not match record seq %d", headSeq, cur.Seq)}
	}
	if ch.Phase != "" {
		if !ch.Phase.Valid() {
			return nil, fmt.Errorf("run %s: unknown phase %q", runID, ch.Phase)
		}
		if cur.Phase.Terminal() {
			return nil, &RegistryError{Kind: KindConflict, RunID: runID, Err: fmt.Errorf("run is %s, cannot enter %s", cur.Phase, ch.Phase)}
		}
	}
	next := cur.Clone()
	if ch.Mutate != nil {
		ch.Mutate(next)
	}
	next.RunID = cur.RunID
	next.CreatedAt = cur.CreatedAt
	if ch.Phase != "" {
		next.Phase = ch.Phase
		next.Status = StatusFor(ch.Phase, cur.Status)
	}
	if ch.Error != nil {
		e := *ch.Error
		next.Error = &e
	}
	next.UpdatedAt = r.now().UTC()
	if !next.UpdatedAt.After(cur.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt.Add(time.Nanosecond)
	}
	next.Seq = cur.Seq + 1
	if err := next.validate(); err != nil {
		return nil, err
	}
	typ := ch.Event
	if typ == "" {
		typ = string(next.Phase)
	}
	if err := r.commitLocked(ctx, r.newEvent(next, headDigest, typ, ch.Message, ch.Error)); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// MarkStopped moves a run to stopped. Stopping an already stopped run is a
// no-op. A run whose work dir is already gone is also flagged pruned.
func (r *Registry) MarkStopped(ctx context.Context, runID, message string) (*RunRecord, error) {
	var out *RunRecord
	err := r.locked(ctx, func() error {
		if err := r.syncLocked(ctx); err != nil {
			return err
		}
		cur, err := r.idx.get(ctx, runID)
		if err != nil {
			return err
		}
		if cur.Phase == PhaseStopped {
			out = cur
			return nil
		}
		out, err = r.recordLocked(ctx, runID, Change{
			Phase:   PhaseStopped,
			Message: message,
			Mutate: func(rec *RunRecord) {
				if rec.WorkDir == "" {
					return
				}
				if _, err := os.Stat(rec.WorkDir); errors.Is(err, os.ErrNotExist) {
					rec.Pruned = true
				}
			},
		})
		return err
	})
	return out, err
}

// MarkFailed records the failure of a run. A run that already failed keeps
// its first error and no second event is written.
func (r *Registry) MarkFailed(ctx context.Context, runID string, runErr RunError) (*RunRecord, error) {
	var out *RunRecord
	err := r.locked(ctx, func() error {
		if err := r.syncLocked(ctx); err != nil {
			return err
		}
		cur, err := r.idx.get(ctx, runID)
		if err != nil {
			return err
		}
		if cur.Phase == PhaseFailed {
			out = cur
			return nil
		}
		out, err = r.recordLocked(ctx, runID, Change{Phase: PhaseFailed, Message: runErr.Message, Error: &runErr})
		return err
	})
	return out, err
}

// MarkPruned flags a run whose work dir was removed.
func (r *Registry) MarkPruned(ctx context.Context, runID string) (*RunRecord, error) {
	var out *RunRecord
	err := r.locked(ctx, func() error {
		if err := r.syncLocked(ctx); err != nil {
			return err
		}
		cur, err := r.idx.get(ctx, runID)
		if err != nil {
			return err
		}
		if cur.Pruned {
			out = cur
			return nil
		}
		out, err = r.recordLocked(ctx, runID, Change{
			Event:   EventPruned,
			Message: "work directory removed",
			Mutate:  func(rec *RunRecord) { rec.Pruned = true },
		})
		return err
	})
	return out, err
}

func (r *Registry) Get(ctx context.Context, runID string) (*RunRecord, error) {
	return r.idx.get(ctx, runID)
}

// List returns runs ordered by creation time.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]*RunRecord, error) {
	return r.idx.list(ctx, f)
}

// Events returns the verified history of one run.
func (r *Registry) Events(ctx context.Context, runID string) ([]Event, error) {
	var out []Event
	var prevSeq int64
	var prevDigest string
	err := scanHistory(r.historyPath, 0, func(ev Event, _ int64) error {
		if ev.RunID != runID {
			return nil
		}
		if err := verifyEvent(ev, prevSeq, prevDigest); err != nil {
			return &RegistryError{Kind: KindCorrupt, RunID: runID, Path: r.historyPath, Err: err}
		}
		prevSeq, prevDigest = ev.Seq, ev.Digest
		out = append(out, ev)
		return nil
	})
	var torn *errTornTail
	if errors.As(err, &torn) {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, &RegistryError{Kind: KindNotFound, RunID: runID}
	}
	return out, nil
}

// Verify checks the digest chain of every run in history and returns the
// number of events read.
func (r *Registry) Verify(ctx context.Context) (int, error) {
	type head struct {
		seq    int64
		digest string
	}
	heads := map[string]head{}
	n := 0
	err := scanHistory(r.historyPath, 0, func(ev Event, _ int64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		h := heads[ev.RunID]
		if err := verifyEvent(ev, h.seq, h.digest); err != nil {
			return &RegistryError{Kind: KindCorrupt, RunID: ev.RunID, Path: r.historyPath, Err: err}
		}
		heads[ev.RunID] = head{seq: ev.Seq, digest: ev.Digest}
		n++
		return nil
	})
	var torn *errTornTail
	if errors.As(err, &torn) {
		err = &RegistryError{Kind: KindCorrupt, Path: r.historyPath, Err: torn}
	}
	return n, err
}

// RunIDs returns every run id the registry knows, sorted.
func (r *Registry) RunIDs(ctx context.Context) ([]string, error) {
	recs, err := r.idx.list(ctx, ListFilter{IncludePruned: true})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.RunID)
	}
	sort.Strings(ids)
	return ids, nil
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
