package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/civtrack/internal/output"
	"github.com/joescharf/civtrack/internal/remote"
	"github.com/joescharf/civtrack/internal/store"
	"github.com/joescharf/civtrack/internal/syncer"
	"github.com/joescharf/civtrack/internal/telemetry"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store
	logger    *slog.Logger

	verbose bool
	dryRun  bool

	telemetryOnce sync.Once
)

var rootCmd = &cobra.Command{
	Use:   "civtrack",
	Short: "Civic issue tracker - sync mobile reports and drive repairs",
	Long: `civtrack reconciles citizen-reported infrastructure issues between the
mobile-facing remote store and the manager's local store of record.

It imports new reports, lets managers price, assign and progress repairs,
and publishes their decisions back so reporters can follow the work.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	if serr := telemetry.Shutdown(context.Background()); serr != nil {
		getLogger().Warn("telemetry shutdown failed", "error", serr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/civtrack/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CIVTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers the default of every config key under stateDir.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "civtrack.db"))

	viper.SetDefault("remote.driver", "http")
	viper.SetDefault("remote.url", "")
	viper.SetDefault("remote.collection", "signalements")
	viper.SetDefault("remote.auth_token", "")
	viper.SetDefault("remote.timeout", "15s")
	viper.SetDefault("remote.retry_max_elapsed", "30s")

	viper.SetDefault("sync.record_timeout", syncer.DefaultRecordTimeout.String())
	viper.SetDefault("sync.push_workers", syncer.DefaultPushWorkers)
	viper.SetDefault("sync.include_manager_notes", false)
	viper.SetDefault("sync.default_problem_type", "autre")
	viper.SetDefault("sync.interval", "0s")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.stdout", false)
	viper.SetDefault("telemetry.otlp_endpoint", "")

	viper.SetDefault("port", 8080)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// The store opens lazily, on first use by a command.
	// This allows config/version commands to run without a db.
}

// rootRun handles `civtrack` with no subcommand: show the processing summary.
func rootRun(cmd *cobra.Command) error {
	if _, err := getStore(); err != nil {
		return cmd.Help()
	}
	return statsRun()
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getLogger returns the shared logger, falling back to slog's default in tests.
func getLogger() *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// remoteConfigured reports whether a remote store is configured.
func remoteConfigured() bool {
	switch viper.GetString("remote.driver") {
	case "memory":
		return true
	default:
		return viper.GetString("remote.url") != ""
	}
}

// buildRemote creates the remote store client selected by remote.driver.
// It returns nil without error when no remote is configured.
func buildRemote() (remote.Store, error) {
	if !remoteConfigured() {
		return nil, nil
	}
	switch driver := viper.GetString("remote.driver"); driver {
	case "memory":
		return remote.NewMemoryStore(), nil
	case "http", "":
		return remote.NewHTTPStore(remote.HTTPConfig{
			BaseURL:         viper.GetString("remote.url"),
			Collection:      viper.GetString("remote.collection"),
			AuthToken:       viper.GetString("remote.auth_token"),
			Timeout:         viper.GetDuration("remote.timeout"),
			RetryMaxElapsed: viper.GetDuration("remote.retry_max_elapsed"),
			Logger:          getLogger(),
		})
	default:
		return nil, fmt.Errorf("unknown remote.driver %q (use http or memory)", driver)
	}
}

// syncConfig maps the sync.* keys onto the engine configuration.
func syncConfig() syncer.Config {
	return syncer.Config{
		RecordTimeout:        viper.GetDuration("sync.record_timeout"),
		PushWorkers:          viper.GetInt("sync.push_workers"),
		IncludeManagerNotes:  viper.GetBool("sync.include_manager_notes"),
		DefaultProblemTypeID: viper.GetString("sync.default_problem_type"),
		Logger:               getLogger(),
	}
}

// buildOrchestrator wires the sync engine against the shared store. It
// returns nil without error when no remote is configured.
func buildOrchestrator(s store.Store) (*syncer.Orchestrator, error) {
	initTelemetry()
	rs, err := buildRemote()
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return nil, nil
	}
	return syncer.New(s, rs, syncConfig()), nil
}

// requireOrchestrator is buildOrchestrator for commands that cannot run
// without a remote.
func requireOrchestrator(s store.Store) (*syncer.Orchestrator, error) {
	orch, err := buildOrchestrator(s)
	if err != nil {
		return nil, err
	}
	if orch == nil {
		return nil, fmt.Errorf("remote store not configured: set remote.url (or CIVTRACK_REMOTE_URL)")
	}
	return orch, nil
}

// initTelemetry installs the OpenTelemetry providers once per process.
func initTelemetry() {
	telemetryOnce.Do(func() {
		err := telemetry.Init(context.Background(), telemetry.Config{
			Enabled:      viper.GetBool("telemetry.enabled"),
			Stdout:       viper.GetBool("telemetry.stdout"),
			OTLPEndpoint: viper.GetString("telemetry.otlp_endpoint"),
			ServiceName:  "civtrack",
			Version:      buildVersion,
		})
		if err != nil {
			ui.Warning("Telemetry disabled: %v", err)
		}
	})
}
