// File: cmd/odoo-launch/app.go
// Brief: Shared wiring: manifest resolution, logger and orchestrator construction.

package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/woodwosj/OdooTestLauncherV1.0/config"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/appconfig"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/lifecycle"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/logging"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/manifest"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/ui"
)

type globalOptions struct {
	configPath string
	// configSet is true when --config was given on the command line. Only
	// then is a missing override file an error.
	configSet  bool
	logLevel   string
	noColor    bool
}

func (g *globalOptions) logger(cmd *cobra.Command) (logr.Logger, error) {
	return logging.NewWithWriter(g.logLevel, cmd.ErrOrStderr())
}

func (g *globalOptions) colorEnabled(cmd *cobra.Command) bool {
	return !g.noColor && !ui.ColorDisabled() && ui.IsTerminal(cmd.OutOrStdout())
}

// bundledManifestPath locates config/default_manifest.yml of the checkout the
// binary or the working directory belongs to. Empty means the embedded copy.
func bundledManifestPath() string {
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		if p := appconfig.DefaultManifestPath(filepath.Dir(exe)); p != "" {
			return p
		}
	}
	if wd, err := os.Getwd(); err == nil {
		return appconfig.DefaultManifestPath(wd)
	}
	return ""
}

// bundledManifest returns the default manifest bytes and the directory its
// relative paths are anchored at.
func bundledManifest() ([]byte, string, error) {
	if p := bundledManifestPath(); p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, "", err
		}
		return data, filepath.Dir(p), nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}
	return config.DefaultManifest, wd, nil
}

func (g *globalOptions) resolveManifest() (*manifest.Manifest, error) {
	userPath, err := appconfig.UserConfigPath(g.configPath)
	if err != nil {
		return nil, err
	}
	return manifest.Resolve(manifest.ResolveOptions{
		DefaultPath:       bundledManifestPath(),
		UserConfigPath:    userPath,
		RequireUserConfig: g.configSet,
	})
}

// orchestrator resolves the manifest and builds a lifecycle orchestrator
// whose phase changes are drawn on stderr.
func (g *globalOptions) orchestrator(cmd *cobra.Command) (*lifecycle.Orchestrator, *ui.RunConsole, error) {
	log, err := g.logger(cmd)
	if err != nil {
		return nil, nil, err
	}
	m, err := g.resolveManifest()
	if err != nil {
		return nil, nil, err
	}
	errOut := cmd.ErrOrStderr()
	console := ui.NewRunConsole(errOut, ui.RunConsoleOptions{
		Interactive: ui.IsTerminal(errOut),
		Color:       !g.noColor && !ui.ColorDisabled() && ui.IsTerminal(errOut),
	})
	o, err := lifecycle.New(lifecycle.Options{
		Manifest: m,
		Logger:   log,
		Observer: console,
	})
	if err != nil {
		return nil, nil, err
	}
	return o, console, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
