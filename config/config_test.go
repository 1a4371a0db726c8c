package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 1, cfg.Rewards.EntryPoints)
	assert.Equal(t, 10, cfg.Rewards.BonusThreshold)
	assert.Equal(t, 5, cfg.Rewards.BonusPoints)
	assert.Equal(t, "student", cfg.Rewards.PointsRole)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORSOrigins)
	assert.Zero(t, cfg.VerifyInterval)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/points")
	t.Setenv("DEFAULT_BONUS_THRESHOLD", "4")
	t.Setenv("VERIFY_INTERVAL", "15m")
	t.Setenv("CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("SITE_TIMEZONE", "Asia/Tokyo")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 4, cfg.Rewards.BonusThreshold)
	assert.Equal(t, 15*time.Minute, cfg.VerifyInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "Asia/Tokyo", cfg.Calendar().Default.String())
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown driver":       {"DB_DRIVER": "mysql"},
		"postgres without url": {"DB_DRIVER": "postgres"},
		"zero threshold":       {"DEFAULT_BONUS_THRESHOLD": "0"},
		"bad timezone":         {"SITE_TIMEZONE": "Mars/Olympus"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load(viper.New())
			assert.Error(t, err)
		})
	}
}
