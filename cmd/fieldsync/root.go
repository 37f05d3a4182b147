package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/geofield/fieldsync"
)

const envPrefix = "FIELDSYNC"

var (
	cfgFile          string
	cfgDBPath        string
	cfgDatabase      string
	cfgRemoteURL     string
	cfgAdminUser     string
	cfgAdminPassword string
	cfgOffline       bool
	cfgDebug         bool
	outputJSON       bool
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "FieldSync - field data recording with offline-first sync",
	Long: `FieldSync records grain-size observations and flow measurements
to a local database and replicates them to a CouchDB-compatible server
whenever one is reachable.

Every record carries the author ID of whoever recorded it. Replication
pushes all local changes and pulls back only your own records.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (yaml, json or toml)")
	pf.StringVar(&cfgDBPath, "db-path", "", "Path to local database (default: derived from --database)")
	pf.StringVar(&cfgDatabase, "database", "", "Database name, local and remote (default: geology-data)")
	pf.StringVar(&cfgRemoteURL, "remote-url", "", "Base URL of the replication server")
	pf.StringVar(&cfgAdminUser, "admin-user", "", "Admin user for database provisioning")
	pf.StringVar(&cfgAdminPassword, "admin-password", "", "Admin password for database provisioning")
	pf.BoolVar(&cfgOffline, "offline", false, "Never contact the server")
	pf.BoolVar(&cfgDebug, "debug", false, "Verbose logging to stderr or FIELDSYNC_DEBUG_LOG")
	pf.BoolVar(&outputJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(grainCmd)
	rootCmd.AddCommand(flowCmd)
	rootCmd.AddCommand(mineCmd)
	rootCmd.AddCommand(idCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
}

// loadConfig resolves configuration with precedence flags > environment
// (FIELDSYNC_*, including a .env file) > config file > defaults.
func loadConfig() (fieldsync.Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fieldsync.Config{}, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	cfg := fieldsync.DefaultConfig()
	cfg.LocalPath = pick(cfgDBPath, v.GetString("db-path"))
	cfg.Database = pick(cfgDatabase, v.GetString("database"))
	cfg.RemoteURL = pick(cfgRemoteURL, v.GetString("remote-url"))
	cfg.AdminUser = pick(cfgAdminUser, v.GetString("admin-user"))
	cfg.AdminPassword = pick(cfgAdminPassword, v.GetString("admin-password"))
	if u := v.GetString("ip-lookup-url"); u != "" {
		cfg.IPLookupURL = u
	}
	if d := v.GetDuration("probe-interval"); d > 0 {
		cfg.ProbeInterval = d
	}
	if d := v.GetDuration("probe-timeout"); d > 0 {
		cfg.ProbeTimeout = d
	}
	cfg.OfflineMode = cfgOffline || v.GetBool("offline")
	cfg.Debug = cfgDebug || v.GetBool("debug")
	cfg.DebugLogPath = v.GetString("debug-log")

	return cfg, nil
}

// loadAndValidateConfig loads configuration for a one-shot command:
// nothing replicates in the background.
func loadAndValidateConfig() (fieldsync.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, err
	}
	cfg.AutoSync = false
	cfg.NetworkWatch = false

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w (set --db-path/--database or %s_DB_PATH/%s_DATABASE)", err, envPrefix, envPrefix)
	}
	return cfg, nil
}

// openClient opens a one-shot client.
func openClient() (*fieldsync.Client, error) {
	cfg, err := loadAndValidateConfig()
	if err != nil {
		return nil, err
	}
	client, err := fieldsync.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize client: %w", err)
	}
	return client, nil
}

func loadDotEnv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	if err := godotenv.Load(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: load .env: %v\n", err)
	}
}

func pick(flag, fallback string) string {
	if flag != "" {
		return flag
	}
	return fallback
}
