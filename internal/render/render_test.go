package render

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/manifest"
)

const minimalTemplate = `name: {{ .ProjectName }}
services:
  db:
    image: {{ .PostgresImage }}
    environment:
      POSTGRES_USER: {{ .DBUser | quote }}
    ports:
      - "127.0.0.1:{{ .DBPort }}:5432"
  odoo:
    image: {{ .OdooImage }}
    command: ["--database={{ .DBName }}", "--addons-path={{ .AddonsPath }}"]
    ports:
      - "127.0.0.1:{{ .HTTPPort }}:8069"
`

func newTestRenderer(t *testing.T) (*Renderer, string) {
	t.Helper()
	runsRoot := filepath.Join(t.TempDir(), "runs")
	defaults := manifest.Defaults{
		RunsRoot:      runsRoot,
		PostgresImage: "postgres:16",
		Timezone:      "UTC",
		Database:      manifest.DatabaseDefaults{User: "odoo", Password: "odoo"},
	}
	return New(defaults, logr.Discard()), runsRoot
}

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "compose.yml.tmpl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	return path
}

func testEntry(template string) *manifest.Entry {
	return &manifest.Entry{
		Edition:         "community",
		Version:         "18.0",
		Image:           "odoo:18.0",
		ComposeTemplate: template,
		AddonsPaths:     []string{"/src/addons"},
		Ports:           map[string]int{"http": 8069, "db": 5432},
	}
}

func TestRenderWritesComposeFile(t *testing.T) {
	r, runsRoot := newTestRenderer(t)
	desc, err := r.Render(Request{
		Entry: testEntry(writeTemplate(t, minimalTemplate)),
		Ports: map[string]int{"http": 8070, "db": 5433},
		RunID: "odoo-20250102030405-abc123",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if desc.WorkDir != filepath.Join(runsRoot, "odoo-20250102030405-abc123") {
		t.Fatalf("work dir = %q", desc.WorkDir)
	}
	if desc.ComposeFile != filepath.Join(desc.WorkDir, ComposeFileName) {
		t.Fatalf("compose file = %q", desc.ComposeFile)
	}
	if desc.DBName != "odoo_20250102030405_abc123" {
		t.Fatalf("db name = %q", desc.DBName)
	}
	data, err := os.ReadFile(desc.ComposeFile)
	if err != nil {
		t.Fatalf("read compose: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		"127.0.0.1:8070:8069",
		"127.0.0.1:5433:5432",
		"--database=odoo_20250102030405_abc123",
		"--addons-path=/usr/lib/python3/dist-packages/odoo/addons,/mnt/extra-addons/addons_00",
		`POSTGRES_USER: "odoo"`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("compose file missing %q:\n%s", want, text)
		}
	}
	leftovers, _ := filepath.Glob(filepath.Join(desc.WorkDir, ".*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestRenderIsIdempotentPerRunID(t *testing.T) {
	r, _ := newTestRenderer(t)
	req := Request{
		Entry: testEntry(writeTemplate(t, minimalTemplate)),
		Ports: map[string]int{"http": 8069, "db": 5432},
		RunID: "odoo-20250102030405-def456",
	}
	first, err := r.Render(req)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	a, _ := os.ReadFile(first.ComposeFile)
	second, err := r.Render(req)
	if err != nil {
		t.Fatalf("second Render: %v", err)
	}
	b, _ := os.ReadFile(second.ComposeFile)
	if !bytes.Equal(a, b) {
		t.Fatalf("re-render changed output")
	}
	entries, _ := os.ReadDir(first.WorkDir)
	if len(entries) != 1 {
		t.Fatalf("work dir should hold one file, has %d", len(entries))
	}
}

func TestRenderUnresolvedPlaceholderRemovesWorkDir(t *testing.T) {
	r, runsRoot := newTestRenderer(t)
	tmpl := strings.Replace(minimalTemplate, "{{ .HTTPPort }}", "{{ .Ports.longpoll }}", 1)
	_, err := r.Render(Request{
		Entry: testEntry(writeTemplate(t, tmpl)),
		Ports: map[string]int{"http": 8069, "db": 5432},
		RunID: "odoo-20250102030405-aaa111",
	})
	var renderErr *RenderError
	if !errors.As(err, &renderErr) {
		t.Fatalf("expected RenderError, got %v", err)
	}
	if renderErr.RunID != "odoo-20250102030405-aaa111" {
		t.Fatalf("run id = %q", renderErr.RunID)
	}
	if _, statErr := os.Stat(filepath.Join(runsRoot, "odoo-20250102030405-aaa111")); !os.IsNotExist(statErr) {
		t.Fatalf("half-created work dir should be removed, stat err = %v", statErr)
	}
}

func TestRenderRejectsTemplateWithoutOdooService(t *testing.T) {
	r, _ := newTestRenderer(t)
	tmpl := "services:\n  db:\n    image: {{ .PostgresImage }}\n    ports:\n      - \"{{ .DBPort }}:5432\"\n"
	_, err := r.Render(Request{
		Entry: testEntry(writeTemplate(t, tmpl)),
		Ports: map[string]int{"db": 5432},
		RunID: "odoo-20250102030405-bbb222",
	})
	var renderErr *RenderError
	if !errors.As(err, &renderErr) || !strings.Contains(err.Error(), "odoo") {
		t.Fatalf("expected RenderError about the odoo service, got %v", err)
	}
}

func TestRenderRejectsInvalidRunID(t *testing.T) {
	r, _ := newTestRenderer(t)
	if _, err := r.Render(Request{Entry: testEntry("x"), RunID: "../escape"}); err == nil {
		t.Fatalf("expected error for run id with a path separator")
	}
}

func TestBundledTemplateRenders(t *testing.T) {
	r, _ := newTestRenderer(t)
	entry := testEntry(filepath.Join("..", "..", "config", "templates", "docker-compose.yml.tmpl"))
	entry.ExtraAddonsPaths = []string{"/src/custom"}
	entry.EnterpriseAddons = "/src/enterprise"
	desc, err := r.Render(Request{
		Entry: entry,
		Ports: map[string]int{"http": 18069, "longpoll": 18072, "db": 15432},
		RunID: "odoo-20250102030405-ccc333",
	})
	if err != nil {
		t.Fatalf("Render bundled template: %v", err)
	}
	data, _ := os.ReadFile(desc.ComposeFile)
	text := string(data)
	for _, want := range []string{
		"/mnt/enterprise-addons,/mnt/extra-addons/addons_00,/mnt/extra-addons/custom_00",
		"127.0.0.1:18072:8072",
		"read_only: false",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("bundled render missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "ENTERPRISE_CODE") {
		t.Fatalf("the licence code must not reach the compose file:\n%s", text)
	}
}

func TestTemplateCannotReadLicenceCode(t *testing.T) {
	r, _ := newTestRenderer(t)
	tmpl := writeTemplate(t, "name: {{ .ProjectName }}\nx-code: {{ .EnterpriseCode }}\n")
	_, err := r.Render(Request{Entry: testEntry(tmpl), Ports: map[string]int{"http": 18069, "db": 15432}, RunID: "odoo-20250102030405-ddd444"})
	var re *RenderError
	if !errors.As(err, &re) {
		t.Fatalf("expected RenderError for a template asking for the licence code, got %v", err)
	}
}

func TestDBName(t *testing.T) {
	if got := DBName("odoo-20250102030405-abc123"); got != "odoo_20250102030405_abc123" {
		t.Fatalf("DBName = %q", got)
	}
	if got := DBName("123"); got != "odoo_123" {
		t.Fatalf("DBName numeric = %q", got)
	}
}
