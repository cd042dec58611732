package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "civtrack"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage civtrack configuration.

Running bare 'civtrack config' is the same as 'civtrack config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# civtrack configuration
# See: civtrack config show (for effective values and sources)

# State/data directory (default: ~/.config/civtrack)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/civtrack/civtrack.db)
# db_path: {{ .DBPath }}

# Remote document store (mobile side)
remote:
  # Driver: http (Firebase Realtime Database REST) or memory (in-process, for demos)
  driver: "{{ .RemoteDriver }}"

  # Database root URL, e.g. https://my-project.firebaseio.com (empty disables sync)
  url: "{{ .RemoteURL }}"

  # Path of the issue collection under the root
  collection: "{{ .RemoteCollection }}"

  # Per-request timeout and total retry budget of one remote call
  timeout: "{{ .RemoteTimeout }}"
  retry_max_elapsed: "{{ .RemoteRetryMaxElapsed }}"

  # Auth token sent as ?auth= (prefer CIVTRACK_REMOTE_AUTH_TOKEN)
  # auth_token: ""

# Synchronization
sync:
  # Bound on the work done for a single record
  record_timeout: "{{ .SyncRecordTimeout }}"

  # Concurrent remote writes during a bulk push
  push_workers: {{ .SyncPushWorkers }}

  # Publish manager notes to the mobile side (default: false)
  include_manager_notes: {{ .SyncIncludeNotes }}

  # Problem type assigned to reports with an unknown type
  default_problem_type: "{{ .SyncDefaultType }}"

  # Background full sync interval for 'civtrack serve' (0s disables)
  interval: "{{ .SyncInterval }}"

# OpenTelemetry
telemetry:
  enabled: {{ .TelemetryEnabled }}
  stdout: {{ .TelemetryStdout }}
  otlp_endpoint: "{{ .TelemetryEndpoint }}"

# API server port
port: {{ .Port }}
`

type configTemplateData struct {
	StateDir              string
	DBPath                string
	RemoteDriver          string
	RemoteURL             string
	RemoteCollection      string
	RemoteTimeout         string
	RemoteRetryMaxElapsed string
	SyncRecordTimeout     string
	SyncPushWorkers       int
	SyncIncludeNotes      bool
	SyncDefaultType       string
	SyncInterval          string
	TelemetryEnabled      bool
	TelemetryStdout       bool
	TelemetryEndpoint     string
	Port                  int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:              viper.GetString("state_dir"),
		DBPath:                viper.GetString("db_path"),
		RemoteDriver:          viper.GetString("remote.driver"),
		RemoteURL:             viper.GetString("remote.url"),
		RemoteCollection:      viper.GetString("remote.collection"),
		RemoteTimeout:         viper.GetDuration("remote.timeout").String(),
		RemoteRetryMaxElapsed: viper.GetDuration("remote.retry_max_elapsed").String(),
		SyncRecordTimeout:     viper.GetDuration("sync.record_timeout").String(),
		SyncPushWorkers:       viper.GetInt("sync.push_workers"),
		SyncIncludeNotes:      viper.GetBool("sync.include_manager_notes"),
		SyncDefaultType:       viper.GetString("sync.default_problem_type"),
		SyncInterval:          viper.GetDuration("sync.interval").String(),
		TelemetryEnabled:      viper.GetBool("telemetry.enabled"),
		TelemetryStdout:       viper.GetBool("telemetry.stdout"),
		TelemetryEndpoint:     viper.GetString("telemetry.otlp_endpoint"),
		Port:                  viper.GetInt("port"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "CIVTRACK_STATE_DIR"},
	{Key: "db_path", EnvVar: "CIVTRACK_DB_PATH"},
	{Key: "remote.driver", EnvVar: "CIVTRACK_REMOTE_DRIVER"},
	{Key: "remote.url", EnvVar: "CIVTRACK_REMOTE_URL"},
	{Key: "remote.collection", EnvVar: "CIVTRACK_REMOTE_COLLECTION"},
	{Key: "remote.auth_token", EnvVar: "CIVTRACK_REMOTE_AUTH_TOKEN", Secret: true},
	{Key: "remote.timeout", EnvVar: "CIVTRACK_REMOTE_TIMEOUT"},
	{Key: "remote.retry_max_elapsed", EnvVar: "CIVTRACK_REMOTE_RETRY_MAX_ELAPSED"},
	{Key: "sync.record_timeout", EnvVar: "CIVTRACK_SYNC_RECORD_TIMEOUT"},
	{Key: "sync.push_workers", EnvVar: "CIVTRACK_SYNC_PUSH_WORKERS"},
	{Key: "sync.include_manager_notes", EnvVar: "CIVTRACK_SYNC_INCLUDE_MANAGER_NOTES"},
	{Key: "sync.default_problem_type", EnvVar: "CIVTRACK_SYNC_DEFAULT_PROBLEM_TYPE"},
	{Key: "sync.interval", EnvVar: "CIVTRACK_SYNC_INTERVAL"},
	{Key: "telemetry.enabled", EnvVar: "CIVTRACK_TELEMETRY_ENABLED"},
	{Key: "telemetry.stdout", EnvVar: "CIVTRACK_TELEMETRY_STDOUT"},
	{Key: "telemetry.otlp_endpoint", EnvVar: "CIVTRACK_TELEMETRY_OTLP_ENDPOINT"},
	{Key: "port", EnvVar: "CIVTRACK_PORT"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret && viper.GetString(k.Key) != "" {
			val = "********"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-30s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set: set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'civtrack config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
