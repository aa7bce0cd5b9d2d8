package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	RedisURL      string
	JWTSecret     string
	MigrationsDir string
	CORSOrigin    string
	// PublicURL is the externally reachable base URL used to build wsUrl.
	PublicURL string

	Collaboration Collaboration
}

// Collaboration holds the realtime options exposed as collaboration.* keys.
type Collaboration struct {
	Enabled            bool
	SessionTTL         time.Duration
	WSPath             string
	AllowedOrigins     []string
	StaleRoomThreshold time.Duration
	SweepInterval      time.Duration
}

func Load() Config {
	return Config{
		Addr:          getenv("API_ADDR", ":8788"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		RedisURL:      getenv("REDIS_URL", ""),
		JWTSecret:     getenv("COLLAB_JWT_SECRET", "collab-dev-secret"),
		MigrationsDir: getenv("COLLAB_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:    getenv("COLLAB_CORS_ORIGIN", "*"),
		PublicURL:     getenv("COLLAB_PUBLIC_URL", ""),
		Collaboration: Collaboration{
			Enabled:            getenvBool("COLLAB_ENABLED", true),
			SessionTTL:         getenvMillis("COLLAB_SESSION_TTL_MS", 120000),
			WSPath:             getenv("COLLAB_WS_PATH", "/collab/ws"),
			AllowedOrigins:     splitList(getenv("COLLAB_ALLOWED_ORIGINS", "")),
			StaleRoomThreshold: getenvMillis("COLLAB_STALE_ROOM_MS", 3600000),
			SweepInterval:      getenvMillis("COLLAB_SWEEP_INTERVAL_MS", 900000),
		},
	}
}

// fileConfig mirrors the YAML layout. Pointers distinguish "absent" from
// zero values so a file only overrides the keys it sets.
type fileConfig struct {
	Addr          *string `yaml:"addr"`
	DatabaseURL   *string `yaml:"databaseUrl"`
	RedisURL      *string `yaml:"redisUrl"`
	PublicURL     *string `yaml:"publicUrl"`
	Collaboration struct {
		Enabled            *bool    `yaml:"enabled"`
		SessionTTL         *int64   `yaml:"sessionTTL"`
		WSPath             *string  `yaml:"wsPath"`
		AllowedOrigins     []string `yaml:"allowedOrigins"`
		StaleRoomThreshold *int64   `yaml:"staleRoomThreshold"`
		SweepInterval      *int64   `yaml:"sweepInterval"`
	} `yaml:"collaboration"`
}

// LoadFile overlays the YAML file at path onto cfg. Durations in the file
// are milliseconds.
func LoadFile(cfg Config, path string) (Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	return Overlay(cfg, contents)
}

func Overlay(cfg Config, contents []byte) (Config, error) {
	var file fileConfig
	if err := yaml.Unmarshal(contents, &file); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if file.Addr != nil {
		cfg.Addr = *file.Addr
	}
	if file.DatabaseURL != nil {
		cfg.DatabaseURL = *file.DatabaseURL
	}
	if file.RedisURL != nil {
		cfg.RedisURL = *file.RedisURL
	}
	if file.PublicURL != nil {
		cfg.PublicURL = *file.PublicURL
	}
	collab := file.Collaboration
	if collab.Enabled != nil {
		cfg.Collaboration.Enabled = *collab.Enabled
	}
	if err := overlayMillis(&cfg.Collaboration.SessionTTL, collab.SessionTTL, "collaboration.sessionTTL"); err != nil {
		return cfg, err
	}
	if collab.WSPath != nil {
		cfg.Collaboration.WSPath = *collab.WSPath
	}
	if collab.AllowedOrigins != nil {
		cfg.Collaboration.AllowedOrigins = collab.AllowedOrigins
	}
	if err := overlayMillis(&cfg.Collaboration.StaleRoomThreshold, collab.StaleRoomThreshold, "collaboration.staleRoomThreshold"); err != nil {
		return cfg, err
	}
	if err := overlayMillis(&cfg.Collaboration.SweepInterval, collab.SweepInterval, "collaboration.sweepInterval"); err != nil {
		return cfg, err
	}
	if !strings.HasPrefix(cfg.Collaboration.WSPath, "/") {
		cfg.Collaboration.WSPath = "/" + cfg.Collaboration.WSPath
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvMillis reads a positive millisecond duration. Unparsable, zero and
// negative values fall back.
func getenvMillis(key string, fallback int) time.Duration {
	ms := getenvInt(key, fallback)
	if ms <= 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func overlayMillis(dst *time.Duration, value *int64, key string) error {
	if value == nil {
		return nil
	}
	if *value <= 0 {
		return fmt.Errorf("parse config: %s must be a positive number of milliseconds, got %d", key, *value)
	}
	*dst = time.Duration(*value) * time.Millisecond
	return nil
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	var items []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
