package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"campus-library/internal/config"
	"campus-library/internal/logging"
	"campus-library/library"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "library",
	Short: "Campus library catalog and lending service",
	Long: `library runs the campus library: a book catalog, a lending ledger that
tracks every copy on loan, advisory reservations, overdue fines and due-date
notifications, all managed by phone-authorized staff admins.

Run "library serve" for the HTTP API or "library console" for the desk REPL.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.LogFormat)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file (default: "+config.DefaultPath+" if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(notifyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openManager opens the database named in the config with every tunable
// applied. Metrics go to reg.
func openManager(reg prometheus.Registerer) (*library.LibraryManager, error) {
	opts := []library.Option{
		library.WithLogger(logger),
		library.WithRegisterer(reg),
		library.WithDailyFine(cfg.DailyFineCents),
		library.WithLoanPeriod(cfg.LoanPeriod),
		library.WithReservationPeriod(cfg.ReservationPeriod),
		library.WithReminderWindow(cfg.ReminderWindow),
		library.WithBcryptCost(cfg.BcryptCost),
		library.WithSessionTTL(cfg.SessionTTL),
	}
	if cfg.SessionHashKey != "" {
		var blockKey []byte
		if cfg.SessionBlockKey != "" {
			blockKey = []byte(cfg.SessionBlockKey)
		}
		opts = append(opts, library.WithSessionKeys([]byte(cfg.SessionHashKey), blockKey))
	} else {
		logger.Warn("no session_hash_key configured, sessions will not survive a restart")
	}
	if cfg.NotificationSpool != "" {
		opts = append(opts, library.WithDispatcher(library.NewSpoolDispatcher(cfg.NotificationSpool)))
	}

	mgr, err := library.NewLibraryManager(cfg.DatabasePath, opts...)
	if err != nil {
		return nil, fmt.Errorf("open library %s: %w", cfg.DatabasePath, err)
	}
	return mgr, nil
}
