package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockFileName       = "registry.lock"
	defaultLockTimeout = 10 * time.Second
	lockRetryDelay     = 200 * time.Millisecond
)

// withLock runs fn while holding the exclusive registry file lock.
func withLock(ctx context.Context, dir string, timeout time.Duration, fn func() error) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	path := filepath.Join(dir, lockFileName)
	fl := flock.New(path)
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !ok {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("lock not acquired within %s", timeout)
		}
		return &RegistryError{Kind: KindLockTimeout, Path: path, Err: err}
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}
