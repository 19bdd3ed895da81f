package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()

	require.NoError(t, defaultConfig().Validate())
}

func TestMergeConfigKeepsUnsetKeys(t *testing.T) {
	t.Parallel()

	raw := []byte(`
database:
  driver: postgres
  dsn: postgres://radar@localhost/radar
classifier:
  provider: openai
  timeout: 45s
  pricing:
    custom-model:
      input: 0.5
      output: 1.5
sweeper:
  staleAfter: 10m
`)
	cfg, err := mergeConfig(defaultConfig(), raw)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 45*time.Second, cfg.Classifier.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Sweeper.StaleAfter)
	assert.Equal(t, "@every 1m", cfg.Sweeper.CronExpression)
	assert.Equal(t, 0.5, cfg.Classifier.ConfidenceThreshold)
	assert.Equal(t, ModelPrice{Input: 0.5, Output: 1.5}, cfg.Classifier.Pricing["custom-model"])
	require.NoError(t, cfg.Validate())
}

func TestMergeConfigRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := mergeConfig(defaultConfig(), []byte("workers: [unclosed"))
	assert.Error(t, err)
}

func TestValidateRejectsInconsistentConfig(t *testing.T) {
	t.Parallel()

	cases := map[string]func(c *Config){
		"postgres without dsn":  func(c *Config) { c.Database = DatabaseConfig{Driver: "postgres"} },
		"unknown driver":        func(c *Config) { c.Database.Driver = "sqlite" },
		"kafka without brokers": func(c *Config) { c.Queue.Backend = "kafka" },
		"redis without addr":    func(c *Config) { c.Queue.Backend = "redis" },
		"threshold above one":   func(c *Config) { c.Classifier.ConfidenceThreshold = 1.5 },
		"zero workers":          func(c *Config) { c.Workers.Count = 0 },
		"zero dispatch timeout": func(c *Config) { c.Dispatch.Timeout = 0 },
		"bad telegram url":      func(c *Config) { c.Telegram.APIBaseURL = "not a url" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadAppliesFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "radar.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":9000\"\nlogging:\n  level: debug\n"), 0o600))

	t.Setenv(configPathEnv, path)
	t.Setenv(httpAddrEnv, ":9100")
	t.Setenv(kafkaBrokersEnv, "k1:9092, k2:9092,")
	t.Setenv(openAIAPIKeyEnv, "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Queue.Kafka.Brokers)
	assert.Equal(t, "sk-test", cfg.Classifier.APIKey)
}

func TestLoadFailsOnMissingFile(t *testing.T) {
	t.Setenv(configPathEnv, filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}
