package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	configPathEnv    = "LISTING_RADAR_CONFIG"
	databaseDSNEnv   = "DATABASE_DSN"
	openAIAPIKeyEnv  = "OPENAI_API_KEY"
	classifierEnv    = "CLASSIFIER_MODEL"
	telegramTokenEnv = "TELEGRAM_BOT_TOKEN"
	kafkaBrokersEnv  = "KAFKA_BROKERS"
	redisAddrEnv     = "REDIS_ADDR"
	logLevelEnv      = "LOG_LEVEL"
	logFormatEnv     = "LOG_FORMAT"
	httpAddrEnv      = "HTTP_ADDR"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Workers    WorkersConfig    `yaml:"workers"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// DatabaseConfig selects the Record Store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=postgres badger memory"`
	DSN    string `yaml:"dsn" validate:"required_if=Driver postgres"`
	Path   string `yaml:"path" validate:"required_if=Driver badger"`
}

// QueueConfig selects the Work Queue backend.
type QueueConfig struct {
	Backend string      `yaml:"backend" validate:"required,oneof=memory kafka redis"`
	Buffer  int         `yaml:"buffer" validate:"gte=0"`
	Kafka   KafkaConfig `yaml:"kafka"`
	Redis   RedisConfig `yaml:"redis"`
}

// KafkaConfig wires the sarama producer and consumer group.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"groupId"`
}

// RedisConfig wires the Redis Streams queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
}

// ModelPrice is USD per 1K tokens.
type ModelPrice struct {
	Input  float64 `yaml:"input" validate:"gte=0"`
	Output float64 `yaml:"output" validate:"gte=0"`
}

// ClassifierConfig defines how to contact the extraction backend.
type ClassifierConfig struct {
	Provider            string                `yaml:"provider" validate:"required"`
	Endpoint            string                `yaml:"endpoint"`
	Model               string                `yaml:"model"`
	APIKey              string                `yaml:"apiKey"`
	SystemPrompt        string                `yaml:"systemPrompt"`
	Timeout             time.Duration         `yaml:"timeout" validate:"gte=0"`
	ConfidenceThreshold float64               `yaml:"confidenceThreshold" validate:"gte=0,lte=1"`
	MaxTokens           int                   `yaml:"maxTokens" validate:"gte=0"`
	Temperature         float32               `yaml:"temperature" validate:"gte=0,lte=2"`
	RequestsPerSecond   float64               `yaml:"requestsPerSecond" validate:"gte=0"`
	Pricing             map[string]ModelPrice `yaml:"pricing" validate:"dive"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken   string        `yaml:"botToken"`
	APIBaseURL string        `yaml:"apiBaseUrl" validate:"required,url"`
	Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
}

// DispatchConfig bounds each transport call.
type DispatchConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// WorkersConfig is the number of independent ordered lanes consuming the queue.
type WorkersConfig struct {
	Count int `yaml:"count" validate:"gte=1,lte=256"`
}

// SweeperConfig defines when stale pending messages are re-enqueued.
type SweeperConfig struct {
	CronExpression string        `yaml:"cronExpression" validate:"required"`
	StaleAfter     time.Duration `yaml:"staleAfter" validate:"gt=0"`
	BatchSize      int           `yaml:"batchSize" validate:"gte=1"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

var validate = validator.New()

// Load reads .env and the YAML configuration (if present), applies environment overrides and validates.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("config: cannot load .env", "error", err)
	}

	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if cfg, err = mergeConfig(cfg, raw); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tags plus cross-field rules the tags cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Queue.Backend {
	case "kafka":
		if len(c.Queue.Kafka.Brokers) == 0 || c.Queue.Kafka.Topic == "" || c.Queue.Kafka.GroupID == "" {
			return errors.New("invalid config: queue.kafka requires brokers, topic and groupId")
		}
	case "redis":
		if c.Queue.Redis.Addr == "" || c.Queue.Redis.Stream == "" || c.Queue.Redis.Group == "" {
			return errors.New("invalid config: queue.redis requires addr, stream and group")
		}
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(openAIAPIKeyEnv); v != "" {
		c.Classifier.APIKey = v
	}

	if v := os.Getenv(classifierEnv); v != "" {
		c.Classifier.Model = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Telegram.BotToken = v
	}

	if v := os.Getenv(kafkaBrokersEnv); v != "" {
		c.Queue.Kafka.Brokers = splitList(v)
	}

	if v := os.Getenv(redisAddrEnv); v != "" {
		c.Queue.Redis.Addr = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv(logFormatEnv); v != "" {
		c.Logging.Format = v
	}

	if v := os.Getenv(httpAddrEnv); v != "" {
		c.HTTP.Addr = v
	}
}

// mergeConfig decodes raw YAML over base; keys absent from the file keep their base value.
func mergeConfig(base Config, raw []byte) (Config, error) {
	merged := base
	if err := yaml.Unmarshal(raw, &merged); err != nil {
		return base, err
	}
	if len(merged.Classifier.Pricing) == 0 {
		merged.Classifier.Pricing = base.Classifier.Pricing
	}
	return merged, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultConfig() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Driver: "badger", Path: "./data/badger"},
		Queue: QueueConfig{
			Backend: "memory",
			Buffer:  256,
			Kafka:   KafkaConfig{Topic: "listing-radar.jobs", GroupID: "listing-radar-workers"},
			Redis:   RedisConfig{Stream: "listing-radar:jobs", Group: "listing-radar-workers"},
		},
		Classifier: ClassifierConfig{
			Provider:            "keyword",
			Model:               "gpt-4o-mini",
			Timeout:             30 * time.Second,
			ConfidenceThreshold: 0.5,
			MaxTokens:           1000,
			Temperature:         0.1,
		},
		Telegram: TelegramConfig{APIBaseURL: "https://api.telegram.org", Timeout: 10 * time.Second},
		Dispatch: DispatchConfig{Timeout: 15 * time.Second},
		Workers:  WorkersConfig{Count: 4},
		Sweeper: SweeperConfig{
			CronExpression: "@every 1m",
			StaleAfter:     5 * time.Minute,
			BatchSize:      100,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}
