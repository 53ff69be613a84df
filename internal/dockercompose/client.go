// Package dockercompose drives the docker compose CLI for one rendered run
// project: up, down, exec, logs, plus the docker health checks used by
// validate and clean.
package dockercompose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	shellwords "github.com/mattn/go-shellwords"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/procexec"
)

// Project identifies a rendered compose project on disk.
type Project struct {
	Name string
	File string
	Dir  string
}

// Options configures a Client.
type Options struct {
	// ComposeBin is the compose command line, e.g. "docker compose" or
	// "docker-compose".
	ComposeBin  string
	DockerBin   string
	UpTimeout   time.Duration
	DownTimeout time.Duration
	ExecTimeout time.Duration
	Logger      logr.Logger
}

// Client wraps the compose CLI on top of a procexec.Runner.
type Client struct {
	runner  procexec.Runner
	compose []string
	docker  string
	opts    Options
	log     logr.Logger
}

// New splits opts.ComposeBin with shell quoting rules and returns a Client.
func New(runner procexec.Runner, opts Options) (*Client, error) {
	if runner == nil {
		return nil, errors.New("process runner is required")
	}
	composeBin := strings.TrimSpace(opts.ComposeBin)
	if composeBin == "" {
		composeBin = "docker compose"
	}
	words, err := shellwords.Parse(composeBin)
	if err != nil {
		return nil, fmt.Errorf("parse compose_bin %q: %w", composeBin, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("compose_bin %q is empty", composeBin)
	}
	docker := strings.TrimSpace(opts.DockerBin)
	if docker == "" {
		docker = "docker"
	}
	return &Client{
		runner:  runner,
		compose: words,
		docker:  docker,
		opts:    opts,
		log:     opts.Logger.WithName("compose"),
	}, nil
}

func (c *Client) composeCommand(p Project, timeout time.Duration, args ...string) procexec.Command {
	full := append([]string{}, c.compose[1:]...)
	if p.File != "" {
		full = append(full, "-f", p.File)
	}
	if p.Name != "" {
		full = append(full, "-p", p.Name)
	}
	full = append(full, args...)
	return procexec.Command{Name: c.compose[0], Args: full, Dir: p.Dir, Timeout: timeout}
}

// Up starts the project detached. A host port collision is reported as
// *PortConflictError, any other failure as *ComposeError.
func (c *Client) Up(ctx context.Context, p Project) error {
	cmd := c.composeCommand(p, c.opts.UpTimeout, "up", "-d", "--remove-orphans")
	c.log.Info("starting containers", "project", p.Name)
	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return &ComposeError{Op: "up", Project: p.Name, ExitCode: res.ExitCode, Output: res.CombinedOutput(), Err: err}
	}
	if res.ExitCode != 0 {
		output := res.CombinedOutput()
		if conflict := detectPortConflict(p.Name, output); conflict != nil {
			return conflict
		}
		return &ComposeError{Op: "up", Project: p.Name, ExitCode: res.ExitCode, Output: output}
	}
	return nil
}

// Down removes the project's containers and volumes.
func (c *Client) Down(ctx context.Context, p Project) error {
	cmd := c.composeCommand(p, c.opts.DownTimeout, "down", "--volumes", "--remove-orphans")
	c.log.Info("removing containers", "project", p.Name)
	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return &ComposeError{Op: "down", Project: p.Name, ExitCode: res.ExitCode, Output: res.CombinedOutput(), Err: err}
	}
	if res.ExitCode != 0 {
		return &ComposeError{Op: "down", Project: p.Name, ExitCode: res.ExitCode, Output: res.CombinedOutput()}
	}
	return nil
}

// ExecOptions describes a command run inside a service container.
type ExecOptions struct {
	Service string
	Args    []string
	Env     map[string]string
	Stdin   io.Reader
	// Timeout overrides Options.ExecTimeout when positive.
	Timeout time.Duration
}

// Exec runs a command in a service without a TTY. The container command's
// exit status is returned in the Result; only runner failures are errors.
func (c *Client) Exec(ctx context.Context, p Project, opts ExecOptions) (procexec.Result, error) {
	if strings.TrimSpace(opts.Service) == "" {
		return procexec.Result{ExitCode: -1}, errors.New("exec service is required")
	}
	args := []string{"exec", "-T"}
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	args = append(args, opts.Service)
	args = append(args, opts.Args...)
	timeout := c.opts.ExecTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	cmd := c.composeCommand(p, timeout, args...)
	cmd.Stdin = opts.Stdin
	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return res, &ComposeError{Op: "exec " + opts.Service, Project: p.Name, ExitCode: res.ExitCode, Output: res.CombinedOutput(), Err: err}
	}
	return res, nil
}

// Logs returns the project's container logs. An empty service means all
// services; tail <= 0 means the full log.
func (c *Client) Logs(ctx context.Context, p Project, service string, tail int) (string, error) {
	args := []string{"logs", "--no-color", "--timestamps"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	if s := strings.TrimSpace(service); s != "" {
		args = append(args, s)
	}
	res, err := c.runner.Run(ctx, c.composeCommand(p, c.opts.ExecTimeout, args...))
	if err != nil {
		return "", &ComposeError{Op: "logs", Project: p.Name, ExitCode: res.ExitCode, Output: res.CombinedOutput(), Err: err}
	}
	if res.ExitCode != 0 {
		return res.Stdout, &ComposeError{Op: "logs", Project: p.Name, ExitCode: res.ExitCode, Output: res.CombinedOutput()}
	}
	return res.Stdout + res.Stderr, nil
}

// Version returns the compose CLI version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	cmd := procexec.Command{Name: c.compose[0], Args: append(append([]string{}, c.compose[1:]...), "version"), Timeout: 30 * time.Second}
	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return "", &ComposeError{Op: "version", Err: err}
	}
	if res.ExitCode != 0 {
		return "", &ComposeError{Op: "version", ExitCode: res.ExitCode, Output: res.CombinedOutput()}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// DockerInfo verifies the docker daemon is reachable.
func (c *Client) DockerInfo(ctx context.Context) error {
	res, err := c.runner.Run(ctx, procexec.Command{Name: c.docker, Args: []string{"info", "--format", "{{.ServerVersion}}"}, Timeout: 30 * time.Second})
	if err != nil {
		return &ComposeError{Op: "docker info", Err: err}
	}
	if res.ExitCode != 0 {
		return &ComposeError{Op: "docker info", ExitCode: res.ExitCode, Output: res.CombinedOutput()}
	}
	return nil
}

// SystemPrune removes unused docker data, including volumes.
func (c *Client) SystemPrune(ctx context.Context) (string, error) {
	res, err := c.runner.Run(ctx, procexec.Command{Name: c.docker, Args: []string{"system", "prune", "--force", "--volumes"}, Timeout: c.opts.DownTimeout})
	if err != nil {
		return "", &ComposeError{Op: "docker system prune", Err: err}
	}
	if res.ExitCode != 0 {
		return "", &ComposeError{Op: "docker system prune", ExitCode: res.ExitCode, Output: res.CombinedOutput()}
	}
	return strings.TrimSpace(res.Stdout), nil
}

var (
	portConflictMarkers = []string{
		"port is already allocated",
		"address already in use",
		"ports are not available",
	}
	portConflictPortRe = regexp.MustCompile(`(?:Bind for|listen tcp|exposing port TCP) \[?[0-9a-fA-F.:]*\]?:(\d+)`)
	// Compose refusing an exec because the service has no running container.
	serviceUnavailableRe = regexp.MustCompile(`(?i)service "?[\w.-]+"? is not running|no container found for|no such service`)
)

// ServiceUnavailable reports whether a failed exec was rejected by compose
// before anything ran in the container. Compose exits 1 in that case, the
// same status a failing command inside the container may return.
func ServiceUnavailable(res procexec.Result) bool {
	return res.ExitCode != 0 && serviceUnavailableRe.MatchString(res.Stderr)
}

func detectPortConflict(project, output string) *PortConflictError {
	lower := strings.ToLower(output)
	for _, marker := range portConflictMarkers {
		if !strings.Contains(lower, marker) {
			continue
		}
		conflict := &PortConflictError{Project: project, Output: output}
		if m := portConflictPortRe.FindStringSubmatch(output); len(m) == 2 {
			conflict.Port, _ = strconv.Atoi(m[1])
		}
		return conflict
	}
	return nil
}
