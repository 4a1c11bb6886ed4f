package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/templeledger/templeledger/internal/config"
	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/remote"
)

var (
	cfgFile    string
	jsonOutput bool
	dbPath     string

	cfg      *config.Config
	cfgViper *viper.Viper

	// logWriter receives component logs; the daemon points it at the
	// rotating log file.
	logWriter io.Writer = os.Stderr
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Temple ledger with offline-first cloud sync",
	Long: `tl keeps the temple's income and expense records, believers, reminders and
custom categories in a local database that works offline, and synchronizes
them with the cloud document service whenever a connection is available.

Configuration is read from templeledger.yaml (working directory, then
$XDG_CONFIG_HOME/templeledger) and TEMPLELEDGER_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		cfg, cfgViper, err = config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if dbPath != "" {
			cfg.Store.Path = dbPath
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Ledger data:"},
		&cobra.Group{ID: "sync", Title: "Cloud sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: templeledger.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "local database path (overrides store.path)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// logger returns a logger honoring log.level.
func logger(prefix string) *log.Logger {
	return cfg.Logger(logWriter, prefix)
}

func storeOptions() *db.Options {
	opts := db.DefaultOptions()
	opts.BlockedRetryDelay = cfg.Sync.BlockedRetryDelay
	opts.BlockedRetries = cfg.Sync.BlockedRetries
	opts.Logger = logger("store")
	return opts
}

// openStore opens the local store, upgrading its schema if needed.
func openStore(ctx context.Context) *db.DB {
	opts := storeOptions()
	store, report, err := db.OpenWithRetry(ctx, cfg.Store.Path, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database %s: %v\n", cfg.Store.Path, err)
		os.Exit(1)
	}
	if report.Changed() && !report.Created {
		opts.Logger.Infof("schema upgraded from v%d to v%d", report.FromVersion, report.ToVersion)
	}
	return store
}

// newClient creates a remote client whose session is kept in the local
// store's settings.
func newClient(ctx context.Context, store *db.DB) *remote.Client {
	ccfg := remote.DefaultClientConfig()
	ccfg.BaseURL = cfg.Remote.URL
	ccfg.Timeout = cfg.Remote.Timeout
	ccfg.Sessions = &settingsSessions{store: store}
	ccfg.Logger = logger("remote")

	client, err := remote.NewClient(ccfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if _, err := client.Restore(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	return client
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
