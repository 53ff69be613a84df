package appconfig

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultManifestRelPath is where the bundled manifest lives inside a
// launcher checkout.
const DefaultManifestRelPath = "config/default_manifest.yml"

// FindRepoRoot walks up from start until it finds a launcher checkout.
func FindRepoRoot(start string) string {
	start = strings.TrimSpace(start)
	if start == "" {
		return ""
	}
	info, err := os.Stat(start)
	if err == nil && !info.IsDir() {
		start = filepath.Dir(start)
	}
	current := start
	for {
		if isRepoRoot(current) {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}

func isRepoRoot(dir string) bool {
	if dir == "" {
		return false
	}
	if fi, err := os.Stat(filepath.Join(dir, DefaultManifestRelPath)); err == nil && !fi.IsDir() {
		return true
	}
	if fi, err := os.Stat(filepath.Join(dir, ".odoo-launch.yaml")); err == nil && !fi.IsDir() {
		return true
	}
	return false
}

// DefaultManifestPath returns the bundled manifest of the checkout that
// contains start, or "" when start is outside a checkout.
func DefaultManifestPath(start string) string {
	root := FindRepoRoot(start)
	if root == "" {
		return ""
	}
	return filepath.Join(root, DefaultManifestRelPath)
}
