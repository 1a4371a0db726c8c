/*
config.go - Runtime configuration

PURPOSE:
  Loads settings from a .env file (if present) and the environment, with
  defaults for every key. Cobra flags bound in cli/ take precedence.

KEYS:
  PORT                     HTTP port (8080)
  DB_DRIVER                sqlite | postgres (sqlite)
  DB_PATH                  SQLite file, ":memory:" allowed (points.db)
  DATABASE_URL             Postgres DSN
  POSTGRES_SKIP_PROCEDURE  Do not install the atomic procedure (false)
  SITE_TIMEZONE            IANA zone for day/month boundaries (UTC)
  ENTRY_POINTS             Points per daily entry (1)
  DEFAULT_BONUS_THRESHOLD  Entries per month for the bonus (10)
  DEFAULT_BONUS_POINTS     Bonus size (5)
  POINTS_ROLE              Role that earns points (student)
  VERIFY_INTERVAL          Scheduled verification, 0 disables (0)
  VERIFY_AUTOFIX           Let the scheduler fix drift (false)
  TWO_STEP_ONLY            Never use the atomic path (false)
  LOG_LEVEL                zerolog level (info)
  LOG_PRETTY               Console output (false)
  RATE_LIMIT               Requests per second, 0 disables (50)
  RATE_BURST               Limiter burst (100)
  CORS_ORIGINS             Comma separated origins (http://localhost:5173)
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/attendance-points/ledger"
	"github.com/warp/attendance-points/rewards"
)

type Config struct {
	Port int

	DBDriver              string
	DBPath                string
	DatabaseURL           string
	PostgresSkipProcedure bool

	SiteTimezone string
	Rewards      rewards.Defaults

	VerifyInterval time.Duration
	VerifyAutoFix  bool
	TwoStepOnly    bool

	LogLevel  string
	LogPretty bool

	RateLimit   float64
	RateBurst   int
	CORSOrigins []string
}

// Load reads .env into the process environment, then resolves every key
// through v. Pass nil to use a fresh viper instance.
func Load(v *viper.Viper) (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.AutomaticEnv()

	def := rewards.DefaultSettings()
	cfg := Config{
		Port:                  v.GetInt("PORT"),
		DBDriver:              strings.ToLower(v.GetString("DB_DRIVER")),
		DBPath:                v.GetString("DB_PATH"),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		PostgresSkipProcedure: v.GetBool("POSTGRES_SKIP_PROCEDURE"),
		SiteTimezone:          v.GetString("SITE_TIMEZONE"),
		Rewards: rewards.Defaults{
			EntryPoints:    v.GetInt("ENTRY_POINTS"),
			BonusThreshold: v.GetInt("DEFAULT_BONUS_THRESHOLD"),
			BonusPoints:    v.GetInt("DEFAULT_BONUS_POINTS"),
			PointsRole:     v.GetString("POINTS_ROLE"),
		},
		VerifyInterval: v.GetDuration("VERIFY_INTERVAL"),
		VerifyAutoFix:  v.GetBool("VERIFY_AUTOFIX"),
		TwoStepOnly:    v.GetBool("TWO_STEP_ONLY"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		LogPretty:      v.GetBool("LOG_PRETTY"),
		RateLimit:      v.GetFloat64("RATE_LIMIT"),
		RateBurst:      v.GetInt("RATE_BURST"),
		CORSOrigins:    splitList(v.GetString("CORS_ORIGINS")),
	}
	if cfg.Rewards.PointsRole == "" {
		cfg.Rewards.PointsRole = def.PointsRole
	}

	return cfg, cfg.Validate()
}

// SetDefaults registers the default for every key.
func SetDefaults(v *viper.Viper) {
	def := rewards.DefaultSettings()
	v.SetDefault("PORT", 8080)
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_PATH", "points.db")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("POSTGRES_SKIP_PROCEDURE", false)
	v.SetDefault("SITE_TIMEZONE", "UTC")
	v.SetDefault("ENTRY_POINTS", def.EntryPoints)
	v.SetDefault("DEFAULT_BONUS_THRESHOLD", def.BonusThreshold)
	v.SetDefault("DEFAULT_BONUS_POINTS", def.BonusPoints)
	v.SetDefault("POINTS_ROLE", def.PointsRole)
	v.SetDefault("VERIFY_INTERVAL", time.Duration(0))
	v.SetDefault("VERIFY_AUTOFIX", false)
	v.SetDefault("TWO_STEP_ONLY", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("RATE_LIMIT", 50.0)
	v.SetDefault("RATE_BURST", 100)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q (want sqlite or postgres)", c.DBDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.Rewards.EntryPoints <= 0 {
		return fmt.Errorf("ENTRY_POINTS must be positive")
	}
	if c.Rewards.BonusThreshold <= 0 || c.Rewards.BonusPoints <= 0 {
		return fmt.Errorf("DEFAULT_BONUS_THRESHOLD and DEFAULT_BONUS_POINTS must be positive")
	}
	if c.VerifyInterval < 0 {
		return fmt.Errorf("VERIFY_INTERVAL must not be negative")
	}
	if _, err := time.LoadLocation(c.SiteTimezone); err != nil {
		return fmt.Errorf("invalid SITE_TIMEZONE %q: %w", c.SiteTimezone, err)
	}
	return nil
}

// Calendar returns the site calendar for the configured zone.
func (c Config) Calendar() ledger.Calendar {
	loc, err := time.LoadLocation(c.SiteTimezone)
	if err != nil {
		loc = time.UTC
	}
	return ledger.NewCalendar(loc)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
