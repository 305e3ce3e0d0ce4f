// Package cli provides the camwatch command-line interface.
// It implements the Cobra-based command tree for one-off scans, the
// long-running pipeline server, rule validation, geolocation lookups,
// nmap discovery and MJPEG stream inspection.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/camwatch/internal/config"
	"github.com/anstrom/camwatch/internal/logging"
)

const envPrefix = "CAMWATCH"

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "camwatch",
	Short: "Network camera scanner",
	Long: `camwatch probes web servers for network cameras. It fetches each target,
matches the page title against detection rules, geolocates the cameras it
finds and can read their MJPEG streams. Results are published on an
internal message bus that feeds the API, the websocket stream, PostgreSQL
and NATS.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// CAMWATCH_SCANNING_WORKERS overrides scanning.workers
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setConfigDefaults()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}

	initLogging()
}

// setConfigDefaults mirrors config.Default so viper reports the same
// values when neither the file nor the environment sets a key.
func setConfigDefaults() {
	d := config.Default()

	viper.SetDefault("scanning.workers", d.Scanning.Workers)
	viper.SetDefault("scanning.queue_size", d.Scanning.QueueSize)
	viper.SetDefault("scanning.timeout", d.Scanning.Timeout)
	viper.SetDefault("scanning.rate_limit", d.Scanning.RateLimit)
	viper.SetDefault("scanning.user_agent", d.Scanning.UserAgent)

	viper.SetDefault("detection.rules_file", d.Detection.RulesFile)
	viper.SetDefault("detection.case_insensitive", d.Detection.CaseInsensitive)

	viper.SetDefault("geolocation.enabled", d.Geolocation.Enabled)
	viper.SetDefault("geolocation.endpoint", d.Geolocation.Endpoint)
	viper.SetDefault("geolocation.auto_locate_cameras", d.Geolocation.AutoLocateCameras)

	viper.SetDefault("api.enabled", d.API.Enabled)
	viper.SetDefault("api.listen_addr", d.API.ListenAddr)
	viper.SetDefault("api.port", d.API.Port)

	viper.SetDefault("database.enabled", d.Database.Enabled)
	viper.SetDefault("database.host", d.Database.Host)
	viper.SetDefault("database.port", d.Database.Port)
	viper.SetDefault("database.database", d.Database.Database)
	viper.SetDefault("database.username", d.Database.Username)
	viper.SetDefault("database.password", d.Database.Password)

	viper.SetDefault("schedule.enabled", d.Schedule.Enabled)
	viper.SetDefault("schedule.cron", d.Schedule.Cron)

	viper.SetDefault("nats.enabled", d.NATS.Enabled)
	viper.SetDefault("nats.url", d.NATS.URL)
	viper.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)

	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.format", d.Logging.Format)
	viper.SetDefault("logging.output", d.Logging.Output)
}

// applyOverrides copies viper's resolved values onto cfg. The file values
// already in cfg win over viper defaults because viper read the same file.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	cfg.Scanning.Workers = v.GetInt("scanning.workers")
	cfg.Scanning.QueueSize = v.GetInt("scanning.queue_size")
	cfg.Scanning.Timeout = v.GetDuration("scanning.timeout")
	cfg.Scanning.RateLimit = v.GetFloat64("scanning.rate_limit")
	cfg.Scanning.UserAgent = v.GetString("scanning.user_agent")

	cfg.Detection.RulesFile = v.GetString("detection.rules_file")
	cfg.Detection.CaseInsensitive = v.GetBool("detection.case_insensitive")

	cfg.Geolocation.Enabled = v.GetBool("geolocation.enabled")
	cfg.Geolocation.Endpoint = v.GetString("geolocation.endpoint")
	cfg.Geolocation.AutoLocateCameras = v.GetBool("geolocation.auto_locate_cameras")

	cfg.API.Enabled = v.GetBool("api.enabled")
	cfg.API.ListenAddr = v.GetString("api.listen_addr")
	cfg.API.Port = v.GetInt("api.port")

	cfg.Database.Enabled = v.GetBool("database.enabled")
	cfg.Database.Host = v.GetString("database.host")
	cfg.Database.Port = v.GetInt("database.port")
	cfg.Database.Database = v.GetString("database.database")
	cfg.Database.Username = v.GetString("database.username")
	cfg.Database.Password = v.GetString("database.password")

	cfg.Schedule.Enabled = v.GetBool("schedule.enabled")
	cfg.Schedule.Cron = v.GetString("schedule.cron")

	cfg.NATS.Enabled = v.GetBool("nats.enabled")
	cfg.NATS.URL = v.GetString("nats.url")
	cfg.NATS.SubjectPrefix = v.GetString("nats.subject_prefix")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.Output = v.GetString("logging.output")
}

// flagBinding ties a command line flag to a config key.
type flagBinding struct {
	flag string
	key  string
}

// pipelineFlags are shared by the commands that run scans.
var pipelineFlags = []flagBinding{
	{flag: "workers", key: "scanning.workers"},
	{flag: "rate-limit", key: "scanning.rate_limit"},
	{flag: "rules", key: "detection.rules_file"},
}

func addPipelineFlags(fs *pflag.FlagSet) {
	fs.Int("workers", 0, "Concurrent scan workers (overrides scanning.workers)")
	fs.Float64("rate-limit", 0, "Requests per second across all workers (overrides scanning.rate_limit)")
	fs.String("rules", "", "Detection rules file (overrides detection.rules_file)")
}

// bindPipelineFlags runs as PreRunE so only the executing command's flags
// are bound; viper keeps one binding per key.
func bindPipelineFlags(cmd *cobra.Command, _ []string) error {
	return bindChangedFlags(viper.GetViper(), cmd.Flags(), pipelineFlags)
}

// bindChangedFlags binds the flags that were given on the command line.
// Unset flags leave file and environment values in place.
func bindChangedFlags(v *viper.Viper, fs *pflag.FlagSet, bindings []flagBinding) error {
	for _, b := range bindings {
		f := fs.Lookup(b.flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(b.key, f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", b.flag, err)
		}
	}
	return nil
}

// loadConfig loads the resolved configuration: defaults, then the config
// file, then CAMWATCH_* environment variables.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := loadConfig()
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}

	logger, err := logging.New(logging.Config{
		Level:     logging.LogLevel(cfg.Logging.Level),
		Format:    logging.LogFormat(cfg.Logging.Format),
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.AddSource || verbose,
	})
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	if verbose {
		logger.SetLevel(logging.LevelDebug)
	}
	logging.SetDefault(logger)

	logging.Debug("Structured logging initialized", "level", logger.Level(), "format", cfg.Logging.Format)
}
