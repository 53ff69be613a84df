// Package render materializes a run's compose file from the entry's template
// into <runsRoot>/<runId>/docker-compose.yml.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/go-logr/logr"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/manifest"
	"github.com/woodwosj/OdooTestLauncherV1.0/pkg/compose"
)

const (
	// ComposeFileName is the rendered file inside a run's work directory.
	ComposeFileName = "docker-compose.yml"

	// Services every template must define.
	ServiceDB   = "db"
	ServiceOdoo = "odoo"

	odooCoreAddons       = "/usr/lib/python3/dist-packages/odoo/addons"
	enterpriseAddonsPath = "/mnt/enterprise-addons"
)

// Descriptor locates a rendered environment.
type Descriptor struct {
	RunID       string
	ProjectName string
	WorkDir     string
	ComposeFile string
	DBName      string
	Ports       map[string]int
}

// SourceMount is a host directory bind-mounted into the odoo service.
type SourceMount struct {
	Host     string
	Target   string
	ReadOnly bool
}

// Context is the data handed to compose templates.
type Context struct {
	RunID          string
	ProjectName    string
	OdooImage      string
	PostgresImage  string
	DBName         string
	DBUser         string
	DBPassword     string
	Ports          map[string]int
	HTTPPort       int
	LongpollPort   int
	DBPort         int
	RunRoot        string
	SourceMounts   []SourceMount
	AddonsPath     string
	Timezone       string
}

// Request is one render call. The enterprise licence code is never part of
// it; seeding writes the code into the database instead.
type Request struct {
	Entry *manifest.Entry
	Ports map[string]int
	RunID string
}

// Renderer renders templates with the manifest defaults.
type Renderer struct {
	defaults manifest.Defaults
	log      logr.Logger
}

func New(defaults manifest.Defaults, logger logr.Logger) *Renderer {
	return &Renderer{defaults: defaults, log: logger.WithName("render")}
}

// DBName derives the run's database name from its id, so renders of the same
// run are byte-identical.
func DBName(runID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(runID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := b.String()
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "odoo_" + name
	}
	return name
}

// WorkDir is where a run's files live.
func WorkDir(runsRoot, runID string) string {
	return filepath.Join(runsRoot, runID)
}

// Locate returns where Render puts runID's files without touching disk.
func (r *Renderer) Locate(runID string, ports map[string]int) *Descriptor {
	workDir := WorkDir(r.defaults.RunsRoot, runID)
	return &Descriptor{
		RunID:       runID,
		ProjectName: compose.ProjectName(runID),
		WorkDir:     workDir,
		ComposeFile: filepath.Join(workDir, ComposeFileName),
		DBName:      DBName(runID),
		Ports:       copyPorts(ports),
	}
}

// Render writes the compose file for req.RunID. Rendering the same request
// twice overwrites the file with identical content. If the work directory had
// to be created and rendering fails, it is removed again.
func (r *Renderer) Render(req Request) (desc *Descriptor, err error) {
	if req.Entry == nil {
		return nil, &RenderError{RunID: req.RunID, Err: errors.New("manifest entry is required")}
	}
	if strings.TrimSpace(req.RunID) == "" || strings.ContainsAny(req.RunID, `/\`) {
		return nil, &RenderError{RunID: req.RunID, Err: fmt.Errorf("invalid run id %q", req.RunID)}
	}
	desc = r.Locate(req.RunID, req.Ports)
	workDir := desc.WorkDir
	_, statErr := os.Stat(workDir)
	created := errors.Is(statErr, os.ErrNotExist)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, &RenderError{RunID: req.RunID, Path: workDir, Err: err}
	}
	defer func() {
		if err != nil && created {
			_ = os.RemoveAll(workDir)
		}
	}()

	ctx := r.context(req, workDir)
	data, err := executeTemplate(req.Entry.ComposeTemplate, ctx)
	if err != nil {
		return nil, &RenderError{RunID: req.RunID, Path: req.Entry.ComposeTemplate, Err: err}
	}
	composeFile := desc.ComposeFile
	if err := writeFileAtomic(composeFile, data, 0o644); err != nil {
		return nil, &RenderError{RunID: req.RunID, Path: composeFile, Err: err}
	}
	if err := verify(composeFile, ctx.ProjectName, req.Ports); err != nil {
		return nil, &RenderError{RunID: req.RunID, Path: composeFile, Err: err}
	}
	r.log.V(1).Info("rendered compose file", "runId", req.RunID, "path", composeFile)
	return desc, nil
}

func (r *Renderer) context(req Request, workDir string) Context {
	mounts, targets := sourceMounts(req.Entry)
	return Context{
		RunID:          req.RunID,
		ProjectName:    compose.ProjectName(req.RunID),
		OdooImage:      req.Entry.Image,
		PostgresImage:  r.defaults.PostgresImage,
		DBName:         DBName(req.RunID),
		DBUser:         r.defaults.Database.User,
		DBPassword:     r.defaults.Database.Password,
		Ports:          copyPorts(req.Ports),
		HTTPPort:       req.Ports[manifest.ServiceHTTP],
		LongpollPort:   req.Ports[manifest.ServiceLongpoll],
		DBPort:         req.Ports[manifest.ServiceDB],
		RunRoot:        workDir,
		SourceMounts:   mounts,
		AddonsPath:     strings.Join(append([]string{odooCoreAddons}, targets...), ","),
		Timezone:       r.defaults.Timezone,
	}
}

// sourceMounts lays addon directories out under /mnt: enterprise addons
// first, then read-only addons_NN, then writable custom_NN.
func sourceMounts(e *manifest.Entry) ([]SourceMount, []string) {
	var mounts []SourceMount
	var targets []string
	if e.EnterpriseAddons != "" {
		mounts = append(mounts, SourceMount{Host: e.EnterpriseAddons, Target: enterpriseAddonsPath, ReadOnly: true})
		targets = append(targets, enterpriseAddonsPath)
	}
	for i, p := range e.AddonsPaths {
		target := fmt.Sprintf("/mnt/extra-addons/addons_%02d", i)
		mounts = append(mounts, SourceMount{Host: p, Target: target, ReadOnly: true})
		targets = append(targets, target)
	}
	for i, p := range e.ExtraAddonsPaths {
		target := fmt.Sprintf("/mnt/extra-addons/custom_%02d", i)
		mounts = append(mounts, SourceMount{Host: p, Target: target, ReadOnly: false})
		targets = append(targets, target)
	}
	return mounts, targets
}

func executeTemplate(path string, ctx Context) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New(filepath.Base(path)).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}
	return buf.Bytes(), nil
}

func verify(composeFile, projectName string, ports map[string]int) error {
	project, err := compose.LoadProject(compose.LoadOptions{Files: []string{composeFile}, ProjectName: projectName})
	if err != nil {
		return fmt.Errorf("invalid compose output: %w", err)
	}
	want := make([]int, 0, len(ports))
	for _, p := range ports {
		want = append(want, p)
	}
	sort.Ints(want)
	return compose.CheckRunProject(project, []string{ServiceDB, ServiceOdoo}, want)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func copyPorts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
