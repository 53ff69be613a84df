package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const (
	minPort = 1024
	maxPort = 65535
)

var repoPathPlaceholder = regexp.MustCompile(`\{\{\s*repo_path\s*\}\}`)

type rawManifest struct {
	Defaults rawDefaults `yaml:"defaults"`
	Editions yaml.Node   `yaml:"editions"`
}

type rawDefaults struct {
	RunsRoot      string `yaml:"runs_root"`
	HistoryLog    string `yaml:"history_log"`
	StateDir      string `yaml:"state_dir"`
	DockerBin     string `yaml:"docker_bin"`
	ComposeBin    string `yaml:"compose_bin"`
	PostgresImage string `yaml:"postgres_image"`
	Timezone      string `yaml:"timezone"`
	Database      struct {
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"database"`
	Readiness struct {
		Timeout  string `yaml:"timeout"`
		Interval string `yaml:"interval"`
		HTTPPath string `yaml:"http_path"`
	} `yaml:"readiness"`
	Timeouts struct {
		ComposeUp   string `yaml:"compose_up"`
		ComposeDown string `yaml:"compose_down"`
		Exec        string `yaml:"exec"`
		Seed        string `yaml:"seed"`
		Tests       string `yaml:"tests"`
	} `yaml:"timeouts"`
	Retention string `yaml:"retention"`
}

type rawEntry struct {
	RepoPath               string         `yaml:"repo_path"`
	Image                  string         `yaml:"image"`
	ComposeTemplate        string         `yaml:"compose_template"`
	Addons                 []string       `yaml:"addons"`
	ExtraAddons            []string       `yaml:"extra_addons"`
	EnterpriseAddons       string         `yaml:"enterprise_addons"`
	Ports                  map[string]int `yaml:"ports"`
	DefaultSeed            string         `yaml:"default_seed"`
	RequiresEnterpriseCode bool           `yaml:"requires_enterprise_code"`
	Seeds                  yaml.Node      `yaml:"seeds"`
}

type rawSeed struct {
	SQL     []string `yaml:"sql"`
	Scripts []string `yaml:"scripts"`
}

func build(root *yaml.Node) (*Manifest, error) {
	var raw rawManifest
	if err := root.Decode(&raw); err != nil {
		return nil, &ManifestError{Kind: KindParse, Err: err}
	}
	defaults, err := buildDefaults(raw.Defaults)
	if err != nil {
		return nil, err
	}
	m := &Manifest{Defaults: defaults}

	editions := &raw.Editions
	if editions.Kind == 0 || (editions.Kind == yaml.ScalarNode && editions.Tag == "!!null") {
		return nil, &ManifestError{Kind: KindMissingKey, Key: "editions"}
	}
	if editions.Kind != yaml.MappingNode {
		return nil, &ManifestError{Kind: KindParse, Key: "editions", Err: fmt.Errorf("line %d: expected a mapping of editions", editions.Line)}
	}
	for i := 0; i+1 < len(editions.Content); i += 2 {
		edition := strings.TrimSpace(editions.Content[i].Value)
		versions := editions.Content[i+1]
		if versions.Kind != yaml.MappingNode || len(versions.Content) == 0 {
			return nil, &ManifestError{Kind: KindMissingKey, Key: "editions." + edition + " (versions)"}
		}
		for j := 0; j+1 < len(versions.Content); j += 2 {
			version := strings.TrimSpace(versions.Content[j].Value)
			entry, err := buildEntry(edition, version, versions.Content[j+1])
			if err != nil {
				return nil, err
			}
			m.Editions = append(m.Editions, entry)
		}
	}
	if len(m.Editions) == 0 {
		return nil, &ManifestError{Kind: KindMissingKey, Key: "editions"}
	}
	return m, nil
}

func buildDefaults(raw rawDefaults) (Defaults, error) {
	d := Defaults{
		DockerBin:     orDefault(raw.DockerBin, "docker"),
		ComposeBin:    orDefault(raw.ComposeBin, "docker compose"),
		PostgresImage: orDefault(raw.PostgresImage, "postgres:16"),
		Timezone:      orDefault(raw.Timezone, "UTC"),
		Database: DatabaseDefaults{
			User:     orDefault(raw.Database.User, "odoo"),
			Password: orDefault(raw.Database.Password, "odoo"),
		},
	}
	var err error
	paths := []struct {
		key      string
		value    string
		fallback string
		dst      *string
	}{
		{"defaults.runs_root", raw.RunsRoot, "~/.odoo-launch/runs", &d.RunsRoot},
		{"defaults.history_log", raw.HistoryLog, "~/.odoo-launch/history.jsonl", &d.HistoryLog},
		{"defaults.state_dir", raw.StateDir, "~/.odoo-launch/state", &d.StateDir},
	}
	for _, p := range paths {
		if *p.dst, err = expandHome(p.key, orDefault(p.value, p.fallback)); err != nil {
			return Defaults{}, err
		}
	}

	d.Readiness.HTTPPath = orDefault(raw.Readiness.HTTPPath, "/web/login")
	if !strings.HasPrefix(d.Readiness.HTTPPath, "/") {
		d.Readiness.HTTPPath = "/" + d.Readiness.HTTPPath
	}
	durations := []struct {
		key      string
		value    string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"defaults.readiness.timeout", raw.Readiness.Timeout, 10 * time.Minute, &d.Readiness.Timeout},
		{"defaults.readiness.interval", raw.Readiness.Interval, 2 * time.Second, &d.Readiness.Interval},
		{"defaults.timeouts.compose_up", raw.Timeouts.ComposeUp, 5 * time.Minute, &d.Timeouts.ComposeUp},
		{"defaults.timeouts.compose_down", raw.Timeouts.ComposeDown, 2 * time.Minute, &d.Timeouts.ComposeDown},
		{"defaults.timeouts.exec", raw.Timeouts.Exec, 10 * time.Minute, &d.Timeouts.Exec},
		{"defaults.timeouts.seed", raw.Timeouts.Seed, 10 * time.Minute, &d.Timeouts.Seed},
		{"defaults.timeouts.tests", raw.Timeouts.Tests, 60 * time.Minute, &d.Timeouts.Tests},
		{"defaults.retention", raw.Retention, 72 * time.Hour, &d.Retention},
	}
	for _, dur := range durations {
		if *dur.dst, err = parseDuration(dur.key, dur.value, dur.fallback); err != nil {
			return Defaults{}, err
		}
	}
	return d, nil
}

func buildEntry(edition, version string, node *yaml.Node) (*Entry, error) {
	prefix := "editions." + edition + "." + version
	var raw rawEntry
	if err := node.Decode(&raw); err != nil {
		return nil, &ManifestError{Kind: KindParse, Key: prefix, Err: err}
	}
	e := &Entry{
		Edition:                edition,
		Version:                version,
		Image:                  orDefault(raw.Image, "odoo:"+version),
		DefaultSeed:            strings.TrimSpace(raw.DefaultSeed),
		RequiresEnterpriseCode: raw.RequiresEnterpriseCode,
	}

	if strings.TrimSpace(raw.RepoPath) == "" {
		return nil, &ManifestError{Kind: KindMissingKey, Key: prefix + ".repo_path"}
	}
	repo, err := expandHome(prefix+".repo_path", raw.RepoPath)
	if err != nil {
		return nil, err
	}
	if err := requireDir(prefix+".repo_path", repo); err != nil {
		return nil, err
	}
	e.RepoPath = repo

	if strings.TrimSpace(raw.ComposeTemplate) == "" {
		return nil, &ManifestError{Kind: KindMissingKey, Key: prefix + ".compose_template"}
	}
	if e.ComposeTemplate, err = e.resolvePath(prefix+".compose_template", raw.ComposeTemplate); err != nil {
		return nil, err
	}
	if err := requireFile(prefix+".compose_template", e.ComposeTemplate); err != nil {
		return nil, err
	}

	if e.AddonsPaths, err = e.resolveDirs(prefix+".addons", raw.Addons); err != nil {
		return nil, err
	}
	if e.ExtraAddonsPaths, err = e.resolveDirs(prefix+".extra_addons", raw.ExtraAddons); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.EnterpriseAddons) != "" {
		if e.EnterpriseAddons, err = e.resolvePath(prefix+".enterprise_addons", raw.EnterpriseAddons); err != nil {
			return nil, err
		}
		if err := requireDir(prefix+".enterprise_addons", e.EnterpriseAddons); err != nil {
			return nil, err
		}
	}

	if e.Ports, err = validatePorts(prefix+".ports", raw.Ports); err != nil {
		return nil, err
	}
	if e.SeedPacks, err = e.buildSeedPacks(prefix+".seeds", &raw.Seeds); err != nil {
		return nil, err
	}
	if e.DefaultSeed != "" {
		if _, ok := e.SeedPack(e.DefaultSeed); !ok {
			return nil, &ManifestError{Kind: KindMissingKey, Key: prefix + ".seeds." + e.DefaultSeed}
		}
	}
	return e, nil
}

func validatePorts(key string, ports map[string]int) (map[string]int, error) {
	for _, required := range []string{ServiceHTTP, ServiceDB} {
		if _, ok := ports[required]; !ok {
			return nil, &ManifestError{Kind: KindMissingKey, Key: key + "." + required}
		}
	}
	services := make([]string, 0, len(ports))
	for svc := range ports {
		services = append(services, svc)
	}
	sort.Strings(services)
	out := make(map[string]int, len(ports))
	for _, svc := range services {
		port := ports[svc]
		if port < minPort || port > maxPort {
			return nil, &ManifestError{
				Kind: KindPortOutOfRange,
				Key:  key + "." + svc,
				Err:  fmt.Errorf("port %d outside %d..%d", port, minPort, maxPort),
			}
		}
		out[svc] = port
	}
	return out, nil
}

func (e *Entry) buildSeedPacks(key string, node *yaml.Node) ([]SeedPack, error) {
	if node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == "!!null") {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, &ManifestError{Kind: KindParse, Key: key, Err: fmt.Errorf("line %d: expected a mapping of seed packs", node.Line)}
	}
	var packs []SeedPack
	seen := map[string]bool{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := strings.TrimSpace(node.Content[i].Value)
		packKey := key + "." + name
		if seen[name] {
			return nil, &ManifestError{Kind: KindParse, Key: packKey, Err: fmt.Errorf("seed pack declared twice")}
		}
		seen[name] = true
		var raw rawSeed
		if err := node.Content[i+1].Decode(&raw); err != nil {
			return nil, &ManifestError{Kind: KindParse, Key: packKey, Err: err}
		}
		pack := SeedPack{Name: name}
		var err error
		if pack.SQL, err = e.resolveFiles(packKey+".sql", raw.SQL); err != nil {
			return nil, err
		}
		if pack.Scripts, err = e.resolveFiles(packKey+".scripts", raw.Scripts); err != nil {
			return nil, err
		}
		packs = append(packs, pack)
	}
	return packs, nil
}

// resolvePath substitutes {{ repo_path }}, expands ~ and anchors relative
// values at the entry's repo path.
func (e *Entry) resolvePath(key, value string) (string, error) {
	v := repoPathPlaceholder.ReplaceAllString(strings.TrimSpace(value), e.RepoPath)
	if strings.Contains(v, "{{") {
		return "", &ManifestError{Kind: KindInvalidPath, Key: key, Path: value, Err: fmt.Errorf("unknown placeholder")}
	}
	expanded, err := expandHome(key, v)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(e.RepoPath, expanded)
	}
	return filepath.Clean(expanded), nil
}

func (e *Entry) resolveDirs(key string, values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	for i, v := range values {
		itemKey := key + "[" + strconv.Itoa(i) + "]"
		p, err := e.resolvePath(itemKey, v)
		if err != nil {
			return nil, err
		}
		if err := requireDir(itemKey, p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (e *Entry) resolveFiles(key string, values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	for i, v := range values {
		itemKey := key + "[" + strconv.Itoa(i) + "]"
		p, err := e.resolvePath(itemKey, v)
		if err != nil {
			return nil, err
		}
		if err := requireFile(itemKey, p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func requireDir(key, p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return &ManifestError{Kind: KindInvalidPath, Key: key, Path: p, Err: err}
	}
	if !info.IsDir() {
		return &ManifestError{Kind: KindInvalidPath, Key: key, Path: p, Err: fmt.Errorf("not a directory")}
	}
	return nil
}

func requireFile(key, p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return &ManifestError{Kind: KindInvalidPath, Key: key, Path: p, Err: err}
	}
	if info.IsDir() {
		return &ManifestError{Kind: KindInvalidPath, Key: key, Path: p, Err: fmt.Errorf("is a directory")}
	}
	return nil
}

func expandHome(key, p string) (string, error) {
	expanded, err := homedir.Expand(strings.TrimSpace(p))
	if err != nil {
		return "", &ManifestError{Kind: KindInvalidPath, Key: key, Path: p, Err: err}
	}
	return filepath.Clean(expanded), nil
}

// parseDuration accepts Go duration strings ("90s", "10m") or a bare number
// of seconds.
func parseDuration(key, value string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0, &ManifestError{Kind: KindParse, Key: key, Err: fmt.Errorf("duration must be positive")}
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, &ManifestError{Kind: KindParse, Key: key, Err: err}
	}
	if d <= 0 {
		return 0, &ManifestError{Kind: KindParse, Key: key, Err: fmt.Errorf("duration must be positive")}
	}
	return d, nil
}

func orDefault(v, fallback string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return fallback
}
