// Package manifest resolves the launcher manifest: the bundled default merged
// with an optional user override, validated eagerly and frozen into a
// Manifest value that is passed explicitly to every component.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Required port services.
const (
	ServiceHTTP     = "http"
	ServiceDB       = "db"
	ServiceLongpoll = "longpoll"
)

// Manifest is the validated, immutable launcher configuration.
type Manifest struct {
	Defaults Defaults `json:"defaults"`
	Editions []*Entry `json:"editions"`
	// Sources lists the files merged to build the manifest, lowest precedence
	// first. The embedded default is reported as "<embedded>".
	Sources []string `json:"-"`
}

type Defaults struct {
	RunsRoot      string            `json:"runsRoot"`
	HistoryLog    string            `json:"historyLog"`
	StateDir      string            `json:"stateDir"`
	DockerBin     string            `json:"dockerBin"`
	ComposeBin    string            `json:"composeBin"`
	PostgresImage string            `json:"postgresImage"`
	Timezone      string            `json:"timezone"`
	Database      DatabaseDefaults  `json:"database"`
	Readiness     ReadinessDefaults `json:"readiness"`
	Timeouts      Timeouts          `json:"timeouts"`
	Retention     time.Duration     `json:"retention"`
}

type DatabaseDefaults struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type ReadinessDefaults struct {
	Timeout  time.Duration `json:"timeout"`
	Interval time.Duration `json:"interval"`
	HTTPPath string        `json:"httpPath"`
}

// Timeouts bound every external process call of a run.
type Timeouts struct {
	ComposeUp   time.Duration `json:"composeUp"`
	ComposeDown time.Duration `json:"composeDown"`
	Exec        time.Duration `json:"exec"`
	Seed        time.Duration `json:"seed"`
	Tests       time.Duration `json:"tests"`
}

// Entry is the configuration of one (edition, version) pair. All paths are
// absolute.
type Entry struct {
	Edition                string         `json:"edition"`
	Version                string         `json:"version"`
	RepoPath               string         `json:"repoPath"`
	Image                  string         `json:"image"`
	ComposeTemplate        string         `json:"composeTemplate"`
	AddonsPaths            []string       `json:"addonsPaths"`
	ExtraAddonsPaths       []string       `json:"extraAddonsPaths,omitempty"`
	EnterpriseAddons       string         `json:"enterpriseAddons,omitempty"`
	Ports                  map[string]int `json:"ports"`
	SeedPacks              []SeedPack     `json:"seedPacks"`
	DefaultSeed            string         `json:"defaultSeed,omitempty"`
	RequiresEnterpriseCode bool           `json:"requiresEnterpriseCode"`
}

// SeedPack is a named bundle of fixtures. SQL files run before scripts.
type SeedPack struct {
	Name    string   `json:"name"`
	SQL     []string `json:"sql"`
	Scripts []string `json:"scripts"`
}

// Key returns "edition/version".
func (e *Entry) Key() string { return e.Edition + "/" + e.Version }

// SeedPack looks a pack up by name.
func (e *Entry) SeedPack(name string) (SeedPack, bool) {
	for _, p := range e.SeedPacks {
		if p.Name == name {
			return p, true
		}
	}
	return SeedPack{}, false
}

// SeedPackNames returns pack names in declaration order.
func (e *Entry) SeedPackNames() []string {
	names := make([]string, 0, len(e.SeedPacks))
	for _, p := range e.SeedPacks {
		names = append(names, p.Name)
	}
	return names
}

// Entry selects the configuration for an (edition, version) pair. It never
// falls back to another pair.
func (m *Manifest) Entry(edition, version string) (*Entry, error) {
	edition = strings.TrimSpace(edition)
	version = strings.TrimSpace(version)
	for _, e := range m.Editions {
		if e.Edition == edition && e.Version == version {
			return e, nil
		}
	}
	return nil, &ManifestError{Kind: KindUnknownEdition, Key: edition + "/" + version}
}

// Digest hashes the canonical JSON form of the manifest. Two resolves of the
// same inputs produce the same digest.
func (m *Manifest) Digest() string {
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
