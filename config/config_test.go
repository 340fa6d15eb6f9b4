package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/config"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, config.FanoutLocal, cfg.Fanout.Mode)
	assert.Equal(t, config.DriverSQLite, cfg.DB.Driver)
	assert.Equal(t, uint(4), cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Reconcile.Interval)

	bonus, sale, err := cfg.Commission.Amounts()
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(bonus))
	assert.True(t, decimal.NewFromInt(500).Equal(sale))
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeYAML(t, `
http:
  addr: ":9000"
commission:
  referral_bonus: "12.50"
  sale_commission: "250"
reward:
  referrals_required: 5
  sales_required: 2
`)
	t.Setenv("REWARD_SALES_REQUIRED", "3")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, 5, cfg.Reward.ReferralsRequired)
	assert.Equal(t, 3, cfg.Reward.SalesRequired, "environment wins over the file")

	bonus, _, err := cfg.Commission.Amounts()
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.5").Equal(bonus))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad commission", map[string]string{"COMMISSION_SALE": "lots"}},
		{"negative commission", map[string]string{"COMMISSION_REFERRAL_BONUS": "-1"}},
		{"unknown fanout mode", map[string]string{"FANOUT_MODE": "carrier-pigeon"}},
		{"kafka without brokers", map[string]string{"FANOUT_MODE": "kafka"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
		{"zero retries", map[string]string{"RETRY_MAX_ATTEMPTS": "0"}},
		{"unknown db driver", map[string]string{"DB_DRIVER": "postgres"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_KafkaBrokers(t *testing.T) {
	t.Setenv("FANOUT_MODE", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := config.NewLogger(config.Log{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)
}
