package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/fleet/internal/config"
	"github.com/joescharf/fleet/internal/output"
	"github.com/joescharf/fleet/internal/plans"
	"github.com/joescharf/fleet/internal/plugin"
	"github.com/joescharf/fleet/internal/sessions"
	"github.com/joescharf/fleet/internal/stores"
)

// Package-level shared dependencies, resolved lazily by loadDeps.
var (
	ui       *output.UI
	cfg      *config.Config
	registry = plugin.NewRegistry()
	storeSet *stores.Set

	sessionMgr *sessions.Manager
	planSvc    *plans.Service

	verbose bool

	buildVersion, buildCommit, buildDate string
)

var pluginSetups []func(*plugin.Registry) error

// RegisterPlugins queues a plugin registration function run once the
// registry is ready. Hosts call this before Execute to statically link
// their runtime, agent, workspace, tracker, SCM, and notifier
// implementations.
func RegisterPlugins(fn func(*plugin.Registry) error) {
	pluginSetups = append(pluginSetups, fn)
}

var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Fleet Commander - supervise parallel AI coding agents",
	Long: `fleet runs many autonomous coding agents in parallel, each bound to an
issue and isolated in its own git worktree. It polls every agent, reacts to
CI failures and review feedback automatically, and escalates to a human
only when automation runs out.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/fleet/config.yaml)")
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.Set("config_path", cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.SetDefault("config_path", filepath.Join(home, ".config", "fleet", "config.yaml"))
	}

	viper.SetEnvPrefix("FLEET")
	viper.AutomaticEnv()

	ui = output.New()
	ui.Verbose = verbose

	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
}

// loadDeps loads the configuration and wires the services. Commands that
// need them call this at the top of RunE.
func loadDeps() error {
	if cfg != nil {
		return nil
	}

	path := viper.GetString("config_path")
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	cfg = loaded

	for _, setup := range pluginSetups {
		if err := setup(registry); err != nil {
			return fmt.Errorf("register plugins: %w", err)
		}
	}

	storeSet = stores.NewSet(cfg)
	sessionMgr = sessions.NewManager(cfg, registry, storeSet, nil, slog.Default())
	planSvc = plans.NewService(cfg, registry, storeSet, sessionMgr, slog.Default())
	return nil
}

// resolveProject validates a --project flag, defaulting when exactly one
// project is configured.
func resolveProject(projectID string) (string, error) {
	if projectID != "" {
		if _, err := cfg.Project(projectID); err != nil {
			return "", err
		}
		return projectID, nil
	}
	ids := cfg.ProjectIDs()
	if len(ids) == 1 {
		return ids[0], nil
	}
	return "", fmt.Errorf("multiple projects configured; use --project (one of %v)", ids)
}
