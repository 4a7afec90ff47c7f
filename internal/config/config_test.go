package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-orderwidget/internal/domain/order"
)

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), ".env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("orderwidget-api", missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "orderwidget-api", cfg.ServiceName)
	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 200*time.Millisecond, cfg.OutboxPollInterval)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, order.RulesStandard, cfg.Rules)
	assert.Empty(t, cfg.APIKeys)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "rp-0:9092, rp-1:9092")
	t.Setenv("API_KEYS", "k1=forms-ui,k2")
	t.Setenv("ORDER_RULES", "in-encounter-edit")
	t.Setenv("OUTBOX_POLL_INTERVAL", "1s")
	t.Setenv("WORKERS", "4")

	cfg, err := load("render-worker", missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"rp-0:9092", "rp-1:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, map[string]string{"k1": "forms-ui", "k2": "k2"}, cfg.APIKeys)
	assert.Equal(t, order.RulesInEncounterEdit, cfg.Rules)
	assert.Equal(t, time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LOG_LEVEL=debug\nS3_PATH_STYLE=true\n"), 0o600))

	cfg, err := load("orderctl", path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.S3PathStyle)

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestLoadRejectsUnknownRules(t *testing.T) {
	t.Setenv("ORDER_RULES", "lenient")
	_, err := load("orderctl", missingEnvFile(t))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := load("orderwidget-api", missingEnvFile(t))
	require.NoError(t, err)

	cfg.Env = "production"
	assert.Error(t, cfg.Validate(), "production requires api keys")

	cfg.APIKeys = map[string]string{"k": "c"}
	assert.NoError(t, cfg.Validate())

	cfg.TraceSample = 2
	assert.Error(t, cfg.Validate())
}
