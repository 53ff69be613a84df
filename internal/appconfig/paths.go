// Package appconfig holds the well-known locations and environment variable
// names odoo-launch reads outside of the manifest itself.
package appconfig

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

const (
	// AppDirName is the per-user state directory below $HOME.
	AppDirName = ".odoo-launch"

	EnvPrefix         = "ODOO_LAUNCH"
	EnvConfig         = "ODOO_LAUNCH_CONFIG"
	EnvCLIConfig      = "ODOO_LAUNCH_CLI_CONFIG"
	EnvEnterpriseCode = "ODOO_ENTERPRISE_CODE"
)

// AppDir returns ~/.odoo-launch, falling back to a relative directory when
// the home directory cannot be determined.
func AppDir() string {
	home, err := homedir.Dir()
	if err != nil || strings.TrimSpace(home) == "" {
		return AppDirName
	}
	return filepath.Join(home, AppDirName)
}

// UserConfigPath resolves the manifest override location: the explicit
// flag value, then $ODOO_LAUNCH_CONFIG, then ~/.odoo-launch/config.yml.
func UserConfigPath(explicit string) (string, error) {
	candidate := strings.TrimSpace(explicit)
	if candidate == "" {
		candidate = strings.TrimSpace(os.Getenv(EnvConfig))
	}
	if candidate == "" {
		return filepath.Join(AppDir(), "config.yml"), nil
	}
	return ExpandPath(candidate)
}

// CLIConfigPath is the optional viper file holding flag defaults.
func CLIConfigPath() string {
	if p := strings.TrimSpace(os.Getenv(EnvCLIConfig)); p != "" {
		if expanded, err := ExpandPath(p); err == nil {
			return expanded
		}
		return p
	}
	return filepath.Join(AppDir(), "cli.yaml")
}

// ExpandPath expands a leading ~ and cleans the result.
func ExpandPath(p string) (string, error) {
	expanded, err := homedir.Expand(strings.TrimSpace(p))
	if err != nil {
		return "", err
	}
	return filepath.Clean(expanded), nil
}

// EnterpriseCode prefers the explicit flag value over $ODOO_ENTERPRISE_CODE.
func EnterpriseCode(explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv(EnvEnterpriseCode))
}
