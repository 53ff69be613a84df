// Package seed applies seed packs to a run's database: SQL files over a
// direct Postgres connection, then Python scripts through `odoo shell` in
// the odoo container, and finally the optional enterprise licence.
package seed

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/database"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/dockercompose"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/manifest"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/procexec"
)

// OdooService is the compose service scripts run in.
const OdooService = "odoo"

// Execer runs commands inside compose services.
type Execer interface {
	Exec(ctx context.Context, p dockercompose.Project, opts dockercompose.ExecOptions) (procexec.Result, error)
}

// Target is the run being seeded.
type Target struct {
	RunID   string
	Project dockercompose.Project
	DB      database.Config
}

// Result summarizes what was applied.
type Result struct {
	Packs           []string      `json:"packs"`
	SQLFiles        int           `json:"sqlFiles"`
	Scripts         int           `json:"scripts"`
	LicenceInjected bool          `json:"licenceInjected"`
	Duration        time.Duration `json:"duration"`
}

type Options struct {
	// ScriptTimeout bounds each `odoo shell` invocation.
	ScriptTimeout time.Duration
	Logger        logr.Logger
	// OpenDB defaults to database.Open.
	OpenDB func(ctx context.Context, cfg database.Config) (*sql.DB, error)
}

type Executor struct {
	compose       Execer
	openDB        func(ctx context.Context, cfg database.Config) (*sql.DB, error)
	scriptTimeout time.Duration
	log           logr.Logger
}

func New(compose Execer, opts Options) *Executor {
	open := opts.OpenDB
	if open == nil {
		open = database.Open
	}
	return &Executor{
		compose:       compose,
		openDB:        open,
		scriptTimeout: opts.ScriptTimeout,
		log:           opts.Logger.WithName("seed"),
	}
}

// SelectPacks returns the named packs in manifest declaration order. No
// names selects the entry's default pack, if any.
func SelectPacks(entry *manifest.Entry, names []string) ([]manifest.SeedPack, error) {
	want := map[string]bool{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := entry.SeedPack(n); !ok {
			return nil, &SeedError{Kind: KindUnknownPack, Pack: n, Err: fmt.Errorf("%s declares %s", entry.Key(), strings.Join(entry.SeedPackNames(), ", "))}
		}
		want[n] = true
	}
	if len(want) == 0 && entry.DefaultSeed != "" {
		want[entry.DefaultSeed] = true
	}
	var out []manifest.SeedPack
	for _, p := range entry.SeedPacks {
		if want[p.Name] {
			out = append(out, p)
		}
	}
	return out, nil
}

// Seed applies packs in order, SQL files before scripts within each pack,
// then writes enterpriseCode when it is non-empty. The first failure stops
// the run; nothing is rolled back.
func (e *Executor) Seed(ctx context.Context, target Target, packs []manifest.SeedPack, enterpriseCode string) (*Result, error) {
	start := time.Now()
	res := &Result{}
	var db *sql.DB
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()
	connect := func() (*sql.DB, error) {
		if db != nil {
			return db, nil
		}
		conn, err := e.openDB(ctx, target.DB)
		if err != nil {
			return nil, err
		}
		db = conn
		return db, nil
	}

	for _, pack := range packs {
		log := e.log.WithValues("runId", target.RunID, "pack", pack.Name)
		for _, path := range pack.SQL {
			payload, err := readPayload(pack.Name, path)
			if err != nil {
				return res, err
			}
			conn, err := connect()
			if err != nil {
				return res, &SeedError{Kind: KindSQLExecutionFailed, Pack: pack.Name, Path: path, Err: err}
			}
			if err := execSQLFile(ctx, conn, string(payload)); err != nil {
				return res, &SeedError{Kind: KindSQLExecutionFailed, Pack: pack.Name, Path: path, Err: err}
			}
			res.SQLFiles++
			log.Info("applied sql", "file", filepath.Base(path))
		}
		for _, path := range pack.Scripts {
			payload, err := readPayload(pack.Name, path)
			if err != nil {
				return res, err
			}
			if err := e.runScript(ctx, target, payload); err != nil {
				return res, &SeedError{Kind: KindScriptFailed, Pack: pack.Name, Path: path, Err: err}
			}
			res.Scripts++
			log.Info("ran script", "file", filepath.Base(path))
		}
		res.Packs = append(res.Packs, pack.Name)
	}

	if code := strings.TrimSpace(enterpriseCode); code != "" {
		conn, err := connect()
		if err != nil {
			return res, &SeedError{Kind: KindLicenceInjectionFailed, Err: err}
		}
		if err := InjectLicence(ctx, conn, code, time.Now().UTC()); err != nil {
			return res, &SeedError{Kind: KindLicenceInjectionFailed, Err: err}
		}
		res.LicenceInjected = true
		e.log.Info("enterprise licence injected", "runId", target.RunID)
	}
	res.Duration = time.Since(start)
	return res, nil
}

func readPayload(pack, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SeedError{Kind: KindFileNotFound, Pack: pack, Path: path, Err: err}
	}
	return data, nil
}

// execSQLFile runs one file in its own transaction. Without arguments pgx
// sends the text over the simple protocol, so files may hold several
// statements.
func execSQLFile(ctx context.Context, db *sql.DB, payload string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, payload); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (e *Executor) runScript(ctx context.Context, target Target, payload []byte) error {
	res, err := e.compose.Exec(ctx, target.Project, dockercompose.ExecOptions{
		Service: OdooService,
		Args:    []string{"odoo", "shell", "-d", target.DB.Name, "--no-http"},
		Stdin:   bytes.NewReader(payload),
		Timeout: e.scriptTimeout,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("odoo shell exited %d: %s", res.ExitCode, tail(res.CombinedOutput(), 10))
	}
	return nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
