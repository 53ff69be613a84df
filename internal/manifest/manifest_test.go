package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const fixtureDefault = `
defaults:
  runs_root: ../runs
  history_log: ../state/history.jsonl
  state_dir: ../state
  readiness:
    timeout: 90s
    interval: 1
editions:
  community:
    "18.0":
      repo_path: ..
      compose_template: ../templates/compose.yml.tmpl
      addons:
        - "{{ repo_path }}/addons"
      ports:
        http: 8069
        longpoll: 8072
        db: 5432
      default_seed: basic
      seeds:
        basic:
          sql: [seeds/basic/001.sql]
          scripts: [seeds/basic/010.py]
        extra:
          sql: [seeds/extra/001.sql]
  enterprise:
    "18.0":
      repo_path: ..
      compose_template: ../templates/compose.yml.tmpl
      requires_enterprise_code: true
      ports:
        http: 8169
        db: 5532
`

type fixture struct {
	repo        string
	defaultPath string
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newFixture(t *testing.T, manifest string) fixture {
	t.Helper()
	repo := t.TempDir()
	writeFile(t, filepath.Join(repo, "templates", "compose.yml.tmpl"), "services: {}\n")
	writeFile(t, filepath.Join(repo, "seeds", "basic", "001.sql"), "select 1;\n")
	writeFile(t, filepath.Join(repo, "seeds", "basic", "010.py"), "print(1)\n")
	writeFile(t, filepath.Join(repo, "seeds", "extra", "001.sql"), "select 2;\n")
	if err := os.MkdirAll(filepath.Join(repo, "addons"), 0o755); err != nil {
		t.Fatalf("mkdir addons: %v", err)
	}
	defaultPath := filepath.Join(repo, "config", "default_manifest.yml")
	writeFile(t, defaultPath, manifest)
	return fixture{repo: repo, defaultPath: defaultPath}
}

func TestResolveDefaultManifest(t *testing.T) {
	fx := newFixture(t, fixtureDefault)
	m, err := Resolve(ResolveOptions{DefaultPath: fx.defaultPath})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(m.Editions) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(m.Editions))
	}
	e, err := m.Entry("community", "18.0")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if e.RepoPath != fx.repo {
		t.Fatalf("repo path = %q, want %q", e.RepoPath, fx.repo)
	}
	if e.ComposeTemplate != filepath.Join(fx.repo, "templates", "compose.yml.tmpl") {
		t.Fatalf("compose template = %q", e.ComposeTemplate)
	}
	if !reflect.DeepEqual(e.AddonsPaths, []string{filepath.Join(fx.repo, "addons")}) {
		t.Fatalf("addons = %v", e.AddonsPaths)
	}
	if e.Image != "odoo:18.0" {
		t.Fatalf("image default = %q", e.Image)
	}
	if got := e.SeedPackNames(); !reflect.DeepEqual(got, []string{"basic", "extra"}) {
		t.Fatalf("seed packs = %v", got)
	}
	basic, _ := e.SeedPack("basic")
	if basic.SQL[0] != filepath.Join(fx.repo, "seeds", "basic", "001.sql") {
		t.Fatalf("seed sql = %v", basic.SQL)
	}
	if m.Defaults.Readiness.Timeout != 90*time.Second || m.Defaults.Readiness.Interval != time.Second {
		t.Fatalf("readiness = %+v", m.Defaults.Readiness)
	}
	if m.Defaults.RunsRoot != filepath.Join(fx.repo, "runs") {
		t.Fatalf("runs root = %q", m.Defaults.RunsRoot)
	}
	if m.Defaults.ComposeBin != "docker compose" || m.Defaults.Database.User != "odoo" {
		t.Fatalf("defaults not filled: %+v", m.Defaults)
	}
	if m.Defaults.Retention != 72*time.Hour {
		t.Fatalf("retention = %s", m.Defaults.Retention)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	fx := newFixture(t, fixtureDefault)
	opts := ResolveOptions{DefaultPath: fx.defaultPath}
	a, err := Resolve(opts)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, err := Resolve(opts)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("resolve not deterministic")
	}
	if a.Digest() == "" || a.Digest() != b.Digest() {
		t.Fatalf("digests differ: %q vs %q", a.Digest(), b.Digest())
	}
}

func TestEntryUnknownPairNamesPair(t *testing.T) {
	fx := newFixture(t, fixtureDefault)
	m, err := Resolve(ResolveOptions{DefaultPath: fx.defaultPath})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	_, err = m.Entry("community", "19.0")
	var me *ManifestError
	if !errors.As(err, &me) || me.Kind != KindUnknownEdition {
		t.Fatalf("expected UnknownEdition, got %v", err)
	}
	if me.Key != "community/19.0" || !strings.Contains(err.Error(), "community/19.0") {
		t.Fatalf("error should name the pair: %v", err)
	}
}

func TestUserOverrideMergesPerKey(t *testing.T) {
	fx := newFixture(t, fixtureDefault)
	userDir := t.TempDir()
	userPath := filepath.Join(userDir, "config.yml")
	writeFile(t, userPath, `
defaults:
  timezone: Europe/Brussels
editions:
  community:
    "18.0":
      image: registry.local/odoo:18.0-custom
      ports:
        http: 9069
    "17.0":
      repo_path: `+fx.repo+`
      compose_template: `+filepath.Join(fx.repo, "templates", "compose.yml.tmpl")+`
      ports:
        http: 8069
        db: 5432
`)
	m, err := Resolve(ResolveOptions{DefaultPath: fx.defaultPath, UserConfigPath: userPath})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	e, err := m.Entry("community", "18.0")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if e.Image != "registry.local/odoo:18.0-custom" {
		t.Fatalf("override image not applied: %q", e.Image)
	}
	if e.Ports["http"] != 9069 || e.Ports["db"] != 5432 || e.Ports["longpoll"] != 8072 {
		t.Fatalf("ports not merged per key: %v", e.Ports)
	}
	if len(e.SeedPacks) != 2 {
		t.Fatalf("seed packs lost in merge: %v", e.SeedPackNames())
	}
	if m.Defaults.Timezone != "Europe/Brussels" || m.Defaults.Readiness.Timeout != 90*time.Second {
		t.Fatalf("defaults not merged: %+v", m.Defaults)
	}
	if _, err := m.Entry("community", "17.0"); err != nil {
		t.Fatalf("added version missing: %v", err)
	}
	keys := make([]string, 0, len(m.Editions))
	for _, entry := range m.Editions {
		keys = append(keys, entry.Key())
	}
	if !reflect.DeepEqual(keys, []string{"community/18.0", "community/17.0", "enterprise/18.0"}) {
		t.Fatalf("declaration order not kept: %v", keys)
	}
	if len(m.Sources) != 2 || m.Sources[1] != userPath {
		t.Fatalf("sources = %v", m.Sources)
	}
}

func TestMissingUserConfigIsIgnoredUnlessRequired(t *testing.T) {
	fx := newFixture(t, fixtureDefault)
	missing := filepath.Join(t.TempDir(), "nope.yml")
	if _, err := Resolve(ResolveOptions{DefaultPath: fx.defaultPath, UserConfigPath: missing}); err != nil {
		t.Fatalf("optional override should be ignored: %v", err)
	}
	_, err := Resolve(ResolveOptions{DefaultPath: fx.defaultPath, UserConfigPath: missing, RequireUserConfig: true})
	var me *ManifestError
	if !errors.As(err, &me) || me.Kind != KindInvalidPath || me.Path != missing {
		t.Fatalf("expected InvalidPath for required config, got %v", err)
	}
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		kind    ErrorKind
		keyPart string
	}{
		{
			name:    "missing template",
			mutate:  func(s string) string { return strings.Replace(s, "compose.yml.tmpl", "missing.tmpl", 1) },
			kind:    KindInvalidPath,
			keyPart: "editions.community.18.0.compose_template",
		},
		{
			name:    "missing seed file",
			mutate:  func(s string) string { return strings.Replace(s, "seeds/basic/010.py", "seeds/basic/020.py", 1) },
			kind:    KindInvalidPath,
			keyPart: "editions.community.18.0.seeds.basic.scripts[0]",
		},
		{
			name:    "privileged port",
			mutate:  func(s string) string { return strings.Replace(s, "db: 5432", "db: 543", 1) },
			kind:    KindPortOutOfRange,
			keyPart: "editions.community.18.0.ports.db",
		},
		{
			name:    "port above range",
			mutate:  func(s string) string { return strings.Replace(s, "http: 8169", "http: 81690", 1) },
			kind:    KindPortOutOfRange,
			keyPart: "editions.enterprise.18.0.ports.http",
		},
		{
			name:    "missing http port",
			mutate:  func(s string) string { return strings.Replace(s, "http: 8169\n", "", 1) },
			kind:    KindMissingKey,
			keyPart: "editions.enterprise.18.0.ports.http",
		},
		{
			name:    "unknown default seed",
			mutate:  func(s string) string { return strings.Replace(s, "default_seed: basic", "default_seed: nope", 1) },
			kind:    KindMissingKey,
			keyPart: "editions.community.18.0.seeds.nope",
		},
		{
			name:    "duplicate version",
			mutate:  func(s string) string { return strings.Replace(s, `  enterprise:`, "    \"18.0\":\n      repo_path: ..\n  enterprise:", 1) },
			kind:    KindDuplicateEdition,
			keyPart: "editions.community.18.0",
		},
		{
			name:    "bad duration",
			mutate:  func(s string) string { return strings.Replace(s, "timeout: 90s", "timeout: soon", 1) },
			kind:    KindParse,
			keyPart: "defaults.readiness.timeout",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t, tc.mutate(fixtureDefault))
			_, err := Resolve(ResolveOptions{DefaultPath: fx.defaultPath})
			var me *ManifestError
			if !errors.As(err, &me) {
				t.Fatalf("expected ManifestError, got %v", err)
			}
			if me.Kind != tc.kind {
				t.Fatalf("kind = %s, want %s (%v)", me.Kind, tc.kind, err)
			}
			if me.Key != tc.keyPart {
				t.Fatalf("key = %q, want %q", me.Key, tc.keyPart)
			}
		})
	}
}

func TestEmptyEditions(t *testing.T) {
	fx := newFixture(t, "defaults:\n  timezone: UTC\n")
	_, err := Resolve(ResolveOptions{DefaultPath: fx.defaultPath})
	var me *ManifestError
	if !errors.As(err, &me) || me.Kind != KindMissingKey || me.Key != "editions" {
		t.Fatalf("expected MissingKey editions, got %v", err)
	}
}

func TestBundledManifestValidates(t *testing.T) {
	configDir, err := filepath.Abs(filepath.Join("..", "..", "config"))
	if err != nil {
		t.Fatalf("abs: %v", err)
	}
	fromFile, err := Resolve(ResolveOptions{DefaultPath: filepath.Join(configDir, "default_manifest.yml")})
	if err != nil {
		t.Fatalf("bundled manifest: %v", err)
	}
	embedded, err := Resolve(ResolveOptions{BaseDir: configDir})
	if err != nil {
		t.Fatalf("embedded manifest: %v", err)
	}
	if fromFile.Digest() != embedded.Digest() {
		t.Fatalf("embedded manifest drifted from config/default_manifest.yml")
	}
	if embedded.Sources[0] != EmbeddedSource {
		t.Fatalf("sources = %v", embedded.Sources)
	}
	if _, err := embedded.Entry("community", "18.0"); err != nil {
		t.Fatalf("community/18.0 missing: %v", err)
	}
}

func TestRebaseAnchorsRelativePaths(t *testing.T) {
	src := []byte("# launcher manifest\ndefaults:\n  runs_root: ~/.odoo-launch/runs\n  state_dir: state\neditions:\n  community:\n    \"18.0\":\n      repo_path: ..\n      compose_template: templates/compose.yml.tmpl\n      addons:\n        - \"{{ repo_path }}/addons\"\n")
	out, err := Rebase(src, "/opt/launcher/config")
	if err != nil {
		t.Fatalf("rebase: %v", err)
	}
	text := string(out)
	for _, want := range []string{
		"# launcher manifest",
		"runs_root: ~/.odoo-launch/runs",
		"state_dir: /opt/launcher/config/state",
		"repo_path: /opt/launcher",
		"compose_template: /opt/launcher/config/templates/compose.yml.tmpl",
		"{{ repo_path }}/addons",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("rebased manifest missing %q:\n%s", want, text)
		}
	}
}
