package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the service settings. Values come from defaults, then the
// optional YAML file named by LEDGER_CONFIG_FILE, then the environment.
type Config struct {
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_sslmode"`
	ServerPort string `yaml:"server_port"`

	Storage          string        `yaml:"storage"`
	AllowOverdraft   bool          `yaml:"allow_overdraft"`
	RetryMax         int           `yaml:"retry_max"`
	RetryInitial     time.Duration `yaml:"retry_initial"`
	RetryMaxInterval time.Duration `yaml:"retry_max_interval"`
	Currency         string        `yaml:"currency"`

	KafkaBrokers      []string      `yaml:"kafka_brokers"`
	KafkaTopic        string        `yaml:"kafka_topic"`
	JournalPath       string        `yaml:"journal_path"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DBHost:            "localhost",
		DBPort:            "5432",
		DBUser:            "postgres",
		DBPassword:        "password",
		DBName:            "ledger",
		DBSSLMode:         "disable",
		ServerPort:        "8080",
		Storage:           StoragePostgres,
		RetryMax:          5,
		RetryInitial:      20 * time.Millisecond,
		RetryMaxInterval:  time.Second,
		Currency:          "USD",
		KafkaTopic:        "ledger.operations",
		ReconcileInterval: time.Minute,
	}
}

// Load reads .env, the optional YAML file and the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}

	cfg := Default()
	if path := os.Getenv("LEDGER_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			slog.Warn("Failed to load config file", "path", path, "error", err)
		}
	}
	cfg.applyEnv()
	return cfg
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv() {
	c.DBHost = getEnv("DB_HOST", c.DBHost)
	c.DBPort = getEnv("DB_PORT", c.DBPort)
	c.DBUser = getEnv("DB_USER", c.DBUser)
	c.DBPassword = getEnv("DB_PASSWORD", c.DBPassword)
	c.DBName = getEnv("DB_NAME", c.DBName)
	c.DBSSLMode = getEnv("DB_SSLMODE", c.DBSSLMode)
	c.ServerPort = getEnv("SERVER_PORT", c.ServerPort)

	c.Storage = getEnv("LEDGER_STORAGE", c.Storage)
	c.AllowOverdraft = getEnvBool("LEDGER_ALLOW_OVERDRAFT", c.AllowOverdraft)
	c.RetryMax = getEnvInt("LEDGER_RETRY_MAX", c.RetryMax)
	c.RetryInitial = getEnvDuration("LEDGER_RETRY_INITIAL", c.RetryInitial)
	c.RetryMaxInterval = getEnvDuration("LEDGER_RETRY_MAX_INTERVAL", c.RetryMaxInterval)
	c.Currency = getEnv("LEDGER_CURRENCY", c.Currency)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.KafkaBrokers = splitList(brokers)
	}
	c.KafkaTopic = getEnv("KAFKA_TOPIC", c.KafkaTopic)
	c.JournalPath = getEnv("LEDGER_JOURNAL_PATH", c.JournalPath)
	c.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", c.ReconcileInterval)
}

// GetDBConnectionString returns the lib/pq connection string.
func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("Ignoring invalid boolean setting", "key", key, "value", value)
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Ignoring invalid integer setting", "key", key, "value", value)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Ignoring invalid duration setting", "key", key, "value", value)
		return fallback
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
