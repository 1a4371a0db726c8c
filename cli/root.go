// Package cli implements the pointsd command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warp/attendance-points/config"
	"github.com/warp/attendance-points/ledger"
	"github.com/warp/attendance-points/logging"
	"github.com/warp/attendance-points/store/postgres"
	"github.com/warp/attendance-points/store/sqlite"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "pointsd",
	Short: "Attendance points ledger",
	Long: `pointsd grants points to students when they check in at school, lets
admins adjust and verify balances, and keeps snapshots of every balance
for restore.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("db-driver", "", "Storage driver: sqlite or postgres (env DB_DRIVER)")
	pf.String("db", "", "SQLite database path, \":memory:\" allowed (env DB_PATH)")
	pf.String("database-url", "", "Postgres DSN (env DATABASE_URL)")
	pf.String("log-level", "", "Log level (env LOG_LEVEL)")
	pf.Bool("log-pretty", false, "Human readable logs (env LOG_PRETTY)")
	pf.String("site", "default", "Site the command operates on")

	// A flag wins only when set; otherwise the environment and defaults apply.
	_ = v.BindPFlag("DB_DRIVER", pf.Lookup("db-driver"))
	_ = v.BindPFlag("DB_PATH", pf.Lookup("db"))
	_ = v.BindPFlag("DATABASE_URL", pf.Lookup("database-url"))
	_ = v.BindPFlag("LOG_LEVEL", pf.Lookup("log-level"))
	_ = v.BindPFlag("LOG_PRETTY", pf.Lookup("log-pretty"))
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is what every subcommand needs after configuration is loaded.
type app struct {
	cfg     config.Config
	logger  zerolog.Logger
	backend ledger.Backend
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("driver", cfg.DBDriver).Msg("Storage opened")
	return &app{cfg: cfg, logger: logger, backend: backend}, nil
}

// openBackend opens the configured store and applies its migrations.
func openBackend(ctx context.Context, cfg config.Config) (ledger.Backend, error) {
	switch cfg.DBDriver {
	case "postgres":
		s, err := postgres.New(ctx, cfg.DatabaseURL, postgres.Options{SkipProcedure: cfg.PostgresSkipProcedure})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	default:
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DBPath, err)
		}
		return s, nil
	}
}

func siteFlag(cmd *cobra.Command) ledger.SiteID {
	site, _ := cmd.Flags().GetString("site")
	return ledger.SiteID(site)
}

func adminFlag(cmd *cobra.Command) ledger.AdminID {
	admin, _ := cmd.Flags().GetString("admin")
	return ledger.AdminID(admin)
}
