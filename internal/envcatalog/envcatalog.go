// Package envcatalog lists the environment variables odoo-launch reads, for
// the env command and the help output.
package envcatalog

import "github.com/woodwosj/OdooTestLauncherV1.0/internal/appconfig"

type VarInfo struct {
	Category    string
	Name        string
	Description string
	Dynamic     bool
	Internal    bool
	// Secret values are masked when displayed.
	Secret bool
}

func Catalog() []VarInfo {
	return []VarInfo{
		{
			Category:    "Config",
			Name:        appconfig.EnvConfig,
			Description: "Path to the manifest override merged over the bundled default (default ~/.odoo-launch/config.yml).",
		},
		{
			Category:    "Config",
			Name:        appconfig.EnvCLIConfig,
			Description: "Path to a YAML file holding CLI flag defaults (default ~/.odoo-launch/cli.yaml).",
		},
		{
			Category:    "Config",
			Name:        appconfig.EnvPrefix + "_<FLAG>",
			Dynamic:     true,
			Description: "Set any odoo-launch flag via environment (hyphens become underscores). Example: ODOO_LAUNCH_LOG_LEVEL=debug.",
		},
		{
			Category:    "Enterprise",
			Name:        appconfig.EnvEnterpriseCode,
			Secret:      true,
			Description: "Odoo enterprise subscription code, injected into enterprise runs and required by `validate --enterprise`.",
		},
		{
			Category:    "Output",
			Name:        "NO_COLOR",
			Description: "Disable ANSI color output (any non-empty value).",
		},
		{
			Category:    "CLI",
			Name:        appconfig.EnvPrefix + "_YES",
			Description: "Auto-approve confirmations (equivalent to passing --yes to clean).",
		},
		{
			Category:    "Logging",
			Name:        appconfig.EnvPrefix + "_LOG_LEVEL",
			Description: "Log verbosity: debug, info, warn or error.",
		},
		{
			Category:    "Docker",
			Name:        "DOCKER_HOST",
			Description: "Docker daemon address used by the docker and compose CLIs the launcher runs.",
		},
		{
			Category:    "Docker",
			Name:        "DOCKER_CONTEXT",
			Internal:    true,
			Description: "Docker context passed through to the compose CLI.",
		},
	}
}

// Mask hides all but the last four characters of a secret value.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}
