// Package compose loads rendered compose files with compose-go so a run's
// environment can be checked before any container is started.
package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	composetypes "github.com/compose-spec/compose-go/v2/types"
)

// LoadOptions selects the files and project name to load.
type LoadOptions struct {
	Files       []string
	ProjectName string
	Profiles    []string
}

// LoadProject parses and normalizes compose files the way the compose CLI
// does, including interpolation from the current environment.
func LoadProject(opts LoadOptions) (*composetypes.Project, error) {
	if len(opts.Files) == 0 {
		return nil, fmt.Errorf("at least one compose file is required")
	}
	env := make(composetypes.Mapping)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[key] = value
	}

	configFiles := make([]composetypes.ConfigFile, 0, len(opts.Files))
	for _, path := range opts.Files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read compose file %s: %w", path, err)
		}
		configFiles = append(configFiles, composetypes.ConfigFile{Filename: path, Content: data})
	}

	details := composetypes.ConfigDetails{
		WorkingDir:  filepath.Dir(opts.Files[0]),
		ConfigFiles: configFiles,
		Environment: env,
	}

	project, err := loader.Load(details, func(o *loader.Options) {
		if opts.ProjectName != "" {
			o.SetProjectName(opts.ProjectName, true)
		}
		if len(opts.Profiles) > 0 {
			o.Profiles = append(o.Profiles, opts.Profiles...)
		}
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// ServiceNames returns the project's services sorted by name.
func ServiceNames(project *composetypes.Project) []string {
	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PublishedPorts maps each service to the host ports it publishes, sorted.
func PublishedPorts(project *composetypes.Project) (map[string][]int, error) {
	out := map[string][]int{}
	for _, name := range ServiceNames(project) {
		svc := project.Services[name]
		for _, p := range svc.Ports {
			published := strings.TrimSpace(p.Published)
			if published == "" {
				continue
			}
			start, end, err := parsePortRange(published)
			if err != nil {
				return nil, fmt.Errorf("service %s: published port %q: %w", name, published, err)
			}
			for port := start; port <= end; port++ {
				out[name] = append(out[name], port)
			}
		}
		sort.Ints(out[name])
	}
	return out, nil
}

// CheckRunProject verifies that every required service exists and that every
// wanted host port is published by some service exactly once.
func CheckRunProject(project *composetypes.Project, requiredServices []string, wantPorts []int) error {
	for _, svc := range requiredServices {
		if _, ok := project.Services[svc]; !ok {
			return fmt.Errorf("compose project %s has no %q service (have %s)", project.Name, svc, strings.Join(ServiceNames(project), ", "))
		}
	}
	published, err := PublishedPorts(project)
	if err != nil {
		return err
	}
	owner := map[int]string{}
	for _, name := range ServiceNames(project) {
		for _, port := range published[name] {
			if prev, dup := owner[port]; dup {
				return fmt.Errorf("host port %d published by both %s and %s", port, prev, name)
			}
			owner[port] = name
		}
	}
	for _, port := range wantPorts {
		if _, ok := owner[port]; !ok {
			return fmt.Errorf("allocated host port %d is not published by any service", port)
		}
	}
	return nil
}

// ProjectName turns an arbitrary identifier into a valid compose project
// name: lowercase letters, digits, '-' and '_', starting with a letter or
// digit.
func ProjectName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.TrimLeft(b.String(), "-_")
}

func parsePortRange(s string) (int, int, error) {
	lo, hi, isRange := strings.Cut(s, "-")
	start, err := strconv.Atoi(lo)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return start, start, nil
	}
	end, err := strconv.Atoi(hi)
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("range end below start")
	}
	return start, end, nil
}
