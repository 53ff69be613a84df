// main.go bootstraps odoo-launch: it builds the root Cobra command and executes it with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/appconfig"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(rootCmd.ErrOrStderr(), err)
	if code := exitCode(err); code != 0 {
		os.Exit(code)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalOptions{logLevel: "warn"}
	cmd := &cobra.Command{
		Use:           "odoo-launch",
		Short:         "Launch disposable Odoo stacks for testing",
		Long:          "odoo-launch renders a docker compose stack for an Odoo edition and version, seeds it, optionally runs the Odoo test suite, and keeps a history of every run.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Manifest override merged over the bundled default (default $ODOO_LAUNCH_CONFIG or ~/.odoo-launch/config.yml)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", g.logLevel, "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "Disable colored output")

	upCmd := newUpCommand(g, false)
	testCmd := newUpCommand(g, true)
	cleanCmd := newCleanCommand(g)
	listCmd := newListCommand(g)
	cmd.AddCommand(
		newValidateCommand(g),
		newInitCommand(g),
		upCmd,
		testCmd,
		newStopCommand(g),
		newPsqlCommand(g),
		cleanCmd,
		listCmd,
		newShowCommand(g),
		newLogsCommand(g),
		newEnvCommand(),
		newCompletionCommand(cmd),
		newVersionCommand(),
	)
	cmd.Example = `  # Boot a community 18.0 stack with the default seed pack
  odoo-launch up --edition community --version 18.0

  # Run the sale tests and tear the stack down afterwards
  odoo-launch test --edition community --version 18.0 --module sale --test-tags /sale

  # Inspect and remove runs
  odoo-launch list
  odoo-launch stop odoo-20250101120000-a1b2c3`
	applyDefaults := bindViper(upCmd, testCmd, cleanCmd, listCmd)
	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		g.configSet = cmd.Flags().Changed("config")
		return applyDefaults(cmd)
	}
	return cmd
}

// bindViper returns a hook that lets ODOO_LAUNCH_<FLAG> variables and the
// optional CLI config file supply defaults for the local flags of commands
// that were not set on the command line. Flags inherited from the root are
// left alone.
func bindViper(commands ...*cobra.Command) func(*cobra.Command) error {
	bound := make(map[*cobra.Command]bool, len(commands))
	for _, c := range commands {
		bound[c] = true
	}
	return func(cmd *cobra.Command) error {
		if !bound[cmd] {
			return nil
		}
		v := viper.New()
		v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		v.SetEnvPrefix(appconfig.EnvPrefix)
		v.AutomaticEnv()
		v.SetConfigFile(appconfig.CLIConfigPath())
		v.SetConfigType("yaml")

		flags := cmd.LocalFlags()
		if err := v.BindPFlags(flags); err != nil {
			return err
		}
		if err := readConfigFile(v, strings.TrimSpace(os.Getenv(appconfig.EnvCLIConfig)) != ""); err != nil {
			return err
		}
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Changed || !v.IsSet(f.Name) {
				return
			}
			applyViperValue(f, v.Get(f.Name))
		})
		return nil
	}
}

func applyViperValue(f *pflag.Flag, value any) {
	if items, ok := value.([]any); ok {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			parts := make([]string, 0, len(items))
			for _, it := range items {
				parts = append(parts, fmt.Sprintf("%v", it))
			}
			_ = sv.Replace(parts)
			return
		}
	}
	val := fmt.Sprintf("%v", value)
	if val != "" {
		_ = f.Value.Set(val)
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) && !strict {
			return nil
		}
		return err
	}
	return nil
}
