package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the process settings. Load fills it from AGENTFLOW_*
// variables, LoadFile overlays a YAML file and cmd/agentflow lets flags
// override each field.
type Config struct {
	Addr           string        `yaml:"addr"`
	Concurrency    int           `yaml:"concurrency"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ErrorBackoff   time.Duration `yaml:"error_backoff"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	HistorySize    int           `yaml:"history_size"`
	MaxAttempts    int           `yaml:"max_attempts"`

	// Archive backend. The first non-empty of PostgresDSN, MongoURI,
	// RedisURL, SQLitePath wins; schedules live in SQLite when a path is set.
	SQLitePath    string        `yaml:"sqlite_path"`
	RedisURL      string        `yaml:"redis_url"`
	RedisTTL      time.Duration `yaml:"redis_ttl"`
	PostgresDSN   string        `yaml:"postgres_dsn"`
	MongoURI      string        `yaml:"mongo_uri"`
	MongoDatabase string        `yaml:"mongo_database"`

	// SQLite results older than this are pruned daily; zero keeps them.
	ArchiveRetention time.Duration `yaml:"archive_retention"`

	ScheduleInterval time.Duration `yaml:"schedule_interval"`
	JWTSecret        string        `yaml:"jwt_secret"`
	Debug            bool          `yaml:"debug"`
	LogLevel         string        `yaml:"log_level"`

	// Per-handler overrides, keyed by handler id.
	RemoteURLs    map[string]string `yaml:"remote_urls"`
	ShellCommands map[string]string `yaml:"shell_commands"`
}

func Load() Config {
	return Config{
		Addr:             str("AGENTFLOW_ADDR", ":8080"),
		Concurrency:      integer("AGENTFLOW_CONCURRENCY", 5),
		PollInterval:     duration("AGENTFLOW_POLL_INTERVAL", 100*time.Millisecond),
		ErrorBackoff:     duration("AGENTFLOW_ERROR_BACKOFF", time.Second),
		HandlerTimeout:   duration("AGENTFLOW_HANDLER_TIMEOUT", 0),
		HistorySize:      integer("AGENTFLOW_HISTORY_SIZE", 10000),
		MaxAttempts:      integer("AGENTFLOW_MAX_ATTEMPTS", 1),
		SQLitePath:       str("AGENTFLOW_SQLITE_PATH", "agentflow.db"),
		RedisURL:         os.Getenv("AGENTFLOW_REDIS_URL"),
		RedisTTL:         duration("AGENTFLOW_REDIS_TTL", 24*time.Hour),
		PostgresDSN:      os.Getenv("AGENTFLOW_POSTGRES_DSN"),
		MongoURI:         os.Getenv("AGENTFLOW_MONGO_URI"),
		MongoDatabase:    str("AGENTFLOW_MONGO_DATABASE", "agentflow"),
		ArchiveRetention: duration("AGENTFLOW_ARCHIVE_RETENTION", 7*24*time.Hour),
		ScheduleInterval: duration("AGENTFLOW_SCHEDULE_INTERVAL", 10*time.Second),
		JWTSecret:        os.Getenv("AGENTFLOW_JWT_SECRET"),
		Debug:            boolean("AGENTFLOW_DEBUG"),
		LogLevel:         str("AGENTFLOW_LOG_LEVEL", "info"),
		RemoteURLs:       pairs(os.Getenv("AGENTFLOW_REMOTE_URLS")),
		ShellCommands:    pairs(os.Getenv("AGENTFLOW_SHELL_COMMANDS")),
	}
}

// LoadFile overlays the keys present in a YAML file onto c.
func LoadFile(path string, c *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func integer(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

func duration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return def
}

func boolean(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

// ParsePairs reads "kai=http://host/run,aura=http://other" style lists.
// Keys are lower-cased; malformed entries are skipped.
func ParsePairs(s string) map[string]string { return pairs(s) }

func pairs(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(part, "=")
		k, v = strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
