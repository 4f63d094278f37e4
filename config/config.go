package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	BackendSQL    = "sql"
	BackendTables = "tables"
)

// Config is the runtime configuration of the board service.
type Config struct {
	Debug          bool
	LogFormat      string
	Port           string
	AllowedOrigins []string

	StorageBackend string
	DatabaseDriver string
	DatabaseURL    string

	StorageConnectionString string
	TasksTable              string
	ProjectsTable           string
	MembersTable            string
	EventsQueue             string

	RedisConnectionString string
	UpdatesChannel        string
	BoardCacheTTL         time.Duration
	DeduperTTL            time.Duration

	Auth0Domain     string
	Auth0Audience   string
	Auth0TestMode   bool
	TestJWTSecret   string
	LocalAuthMode   string
	LocalAuthSecret string
	JWKSCacheTTL    time.Duration

	EnqueueWorkers int
	EnqueueBuffer  int
	EnqueueTimeout time.Duration
	HandoffTimeout time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DEBUG", false)
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("FUNCTIONS_CUSTOMHANDLER_PORT", "8080")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("STORAGE_BACKEND", BackendSQL)
	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_URL", "file:taskboard.db?_pragma=busy_timeout(5000)")
	v.SetDefault("TASKS_TABLE", "Tasks")
	v.SetDefault("PROJECTS_TABLE", "Projects")
	v.SetDefault("MEMBERS_TABLE", "Members")
	v.SetDefault("READ_MODEL_UPDATES_CHANNEL", "board-updates")
	v.SetDefault("BOARD_CACHE_TTL", "5m")
	v.SetDefault("DEDUPER_TTL", "24h")
	v.SetDefault("JWKS_CACHE_TTL", "15m")
	v.SetDefault("ENQUEUE_WORKERS", 32)
	v.SetDefault("ENQUEUE_BUFFER", 4096)
	v.SetDefault("ENQUEUE_TIMEOUT", "60s")
	v.SetDefault("ENQUEUE_HANDOFF_TIMEOUT", "15ms")
}

// LoadDotEnv loads variables from path into the process environment without
// overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration from the environment through v.
func Load(v *viper.Viper) (Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	cfg := Config{
		Debug:          v.GetBool("DEBUG"),
		LogFormat:      strings.ToLower(v.GetString("LOG_FORMAT")),
		Port:           v.GetString("FUNCTIONS_CUSTOMHANDLER_PORT"),
		AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),

		StorageBackend: strings.ToLower(v.GetString("STORAGE_BACKEND")),
		DatabaseDriver: v.GetString("DATABASE_DRIVER"),
		DatabaseURL:    v.GetString("DATABASE_URL"),

		StorageConnectionString: v.GetString("STORAGE_CONNECTION_STRING"),
		TasksTable:              v.GetString("TASKS_TABLE"),
		ProjectsTable:           v.GetString("PROJECTS_TABLE"),
		MembersTable:            v.GetString("MEMBERS_TABLE"),
		EventsQueue:             v.GetString("DOMAIN_EVENTS_QUEUE"),

		RedisConnectionString: v.GetString("REDIS_CONNECTION_STRING"),
		UpdatesChannel:        v.GetString("READ_MODEL_UPDATES_CHANNEL"),

		Auth0Domain:     v.GetString("AUTH0_DOMAIN"),
		Auth0Audience:   v.GetString("AUTH0_AUDIENCE"),
		Auth0TestMode:   v.GetString("AUTH0_TEST_MODE") == "1",
		TestJWTSecret:   v.GetString("TEST_JWT_SECRET"),
		LocalAuthMode:   strings.ToLower(v.GetString("LOCAL_AUTH_MODE")),
		LocalAuthSecret: v.GetString("LOCAL_AUTH_SHARED_SECRET"),

		EnqueueWorkers: v.GetInt("ENQUEUE_WORKERS"),
		EnqueueBuffer:  v.GetInt("ENQUEUE_BUFFER"),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"BOARD_CACHE_TTL", &cfg.BoardCacheTTL},
		{"DEDUPER_TTL", &cfg.DeduperTTL},
		{"JWKS_CACHE_TTL", &cfg.JWKSCacheTTL},
		{"ENQUEUE_TIMEOUT", &cfg.EnqueueTimeout},
		{"ENQUEUE_HANDOFF_TIMEOUT", &cfg.HandoffTimeout},
	}
	for _, d := range durations {
		*d.dst = v.GetDuration(d.key)
		// GetDuration reads unparseable values as zero.
		if _, err := cast.ToDurationE(v.Get(d.key)); err != nil || *d.dst < 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", d.key, v.GetString(d.key))
		}
	}

	return cfg, cfg.Validate()
}

// Validate reports missing or inconsistent settings.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case BackendSQL:
		if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "pgx" {
			return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
		}
		if c.DatabaseURL == "" {
			return errors.New("missing DATABASE_URL")
		}
	case BackendTables:
		if c.StorageConnectionString == "" || c.TasksTable == "" {
			return errors.New("missing storage config")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.StorageBackend)
	}

	switch {
	case c.LocalAuthMode != "":
		if c.LocalAuthMode != "hs256" {
			return fmt.Errorf("unsupported LOCAL_AUTH_MODE %q", c.LocalAuthMode)
		}
		if c.LocalAuthSecret == "" {
			return errors.New("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
	case c.Auth0TestMode:
		if c.TestJWTSecret == "" {
			return errors.New("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
	default:
		if c.Auth0Domain == "" || c.Auth0Audience == "" {
			return errors.New("missing Auth0 config")
		}
	}

	if c.EnqueueWorkers <= 0 {
		return errors.New("ENQUEUE_WORKERS must be greater than zero")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// HMACSecret is the shared secret used to verify tokens locally, if any.
func (c Config) HMACSecret() []byte {
	switch {
	case c.LocalAuthMode == "hs256":
		return []byte(c.LocalAuthSecret)
	case c.Auth0TestMode:
		return []byte(c.TestJWTSecret)
	}
	return nil
}

// RedisOptions parses either a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("missing redis config")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
