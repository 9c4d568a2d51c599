package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	base "github.com/JAYSTX/smtxvzla-backend/libs/config"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

type KafkaTopics struct {
	OrdersSettled     string
	OrdersCancelled   string
	TransfersExecuted string
	DeadLetter        string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topics  KafkaTopics
}

type Config struct {
	App   base.AppConfig
	DB    DBConfig
	Kafka KafkaConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("SMTX_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("SMTX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("SMTX_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topics.orders_settled", "settlement.orders.completed")
	v.SetDefault("kafka.topics.orders_cancelled", "settlement.orders.cancelled")
	v.SetDefault("kafka.topics.transfers_executed", "settlement.transfers.executed")
	v.SetDefault("kafka.topics.dead_letter", "settlement.dlq")

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "smtx_core"),
			User:     envString("POSTGRES_USER", "smtx"),
			Password: envString("POSTGRES_PASSWORD", "smtx"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Enabled: envBool("KAFKA_ENABLED", v.GetBool("kafka.enabled")),
			Brokers: envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			Topics: KafkaTopics{
				OrdersSettled:     envString("KAFKA_ORDERS_SETTLED_TOPIC", v.GetString("kafka.topics.orders_settled")),
				OrdersCancelled:   envString("KAFKA_ORDERS_CANCELLED_TOPIC", v.GetString("kafka.topics.orders_cancelled")),
				TransfersExecuted: envString("KAFKA_TRANSFERS_TOPIC", v.GetString("kafka.topics.transfers_executed")),
				DeadLetter:        envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
	}

	if cfg.DB.Port <= 0 {
		return nil, fmt.Errorf("POSTGRES_PORT must be positive")
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required when kafka is enabled")
	}

	return cfg, nil
}

// DSN renders the Postgres connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
