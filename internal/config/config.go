package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/demoshop/funnel-analytics/internal/domain"
)

// Config contains runtime configuration required by the service. The core
// consumes exactly three tunables beyond wiring: the churn inactivity window,
// the rollup safety lag, and the enabled rollup granularities.
type Config struct {
	DBURL   string // empty selects the in-memory store
	Port    string
	AppMode string // "production" or "development", selects log config
	APIKeys map[string]string

	ChurnWindow    time.Duration
	SafetyLag      time.Duration
	Granularities  []domain.Granularity
	RollupInterval time.Duration // cmd/rollup trigger period
}

// Load reads values from the environment, with a .env file honored for local
// development. API_KEYS format: "client1:key1,client2:key2".
func Load() (Config, error) {
	// .env is optional; real environment variables win either way.
	_ = godotenv.Load()

	cfg := Config{
		DBURL:          strings.TrimSpace(os.Getenv("DB_URL")),
		Port:           getEnv("PORT", "8080"),
		AppMode:        getEnv("APP_MODE", "development"),
		ChurnWindow:    720 * time.Hour,
		SafetyLag:      2 * time.Minute,
		RollupInterval: time.Minute,
	}

	var err error
	if cfg.ChurnWindow, err = getEnvAsDuration("CHURN_INACTIVITY_WINDOW", cfg.ChurnWindow); err != nil {
		return Config{}, err
	}
	if cfg.SafetyLag, err = getEnvAsDuration("ROLLUP_SAFETY_LAG", cfg.SafetyLag); err != nil {
		return Config{}, err
	}
	if cfg.RollupInterval, err = getEnvAsDuration("ROLLUP_INTERVAL", cfg.RollupInterval); err != nil {
		return Config{}, err
	}
	if cfg.Granularities, err = parseGranularities(getEnv("ROLLUP_GRANULARITIES", "hourly,daily")); err != nil {
		return Config{}, err
	}
	if cfg.APIKeys, err = parseAPIKeys(os.Getenv("API_KEYS")); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parseAPIKeys parses "client:key,client:key". An empty value falls back to a
// single local-dev key so the service runs out-of-the-box.
func parseAPIKeys(raw string) (map[string]string, error) {
	keys := map[string]string{}
	for _, p := range strings.Split(strings.TrimSpace(raw), ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New(`API_KEYS must be "client:key,client:key"`)
		}
		client := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if client == "" || key == "" {
			return nil, errors.New(`API_KEYS must be "client:key,client:key"`)
		}
		keys[key] = client
	}
	if len(keys) == 0 {
		keys["demo-key-123"] = "demo"
	}
	return keys, nil
}

func parseGranularities(raw string) ([]domain.Granularity, error) {
	var out []domain.Granularity
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := domain.ParseGranularity(p)
		if err != nil {
			return nil, fmt.Errorf("ROLLUP_GRANULARITIES: %w: %q", err, p)
		}
		out = append(out, g)
	}
	if len(out) == 0 {
		return nil, errors.New("ROLLUP_GRANULARITIES requires at least one of hourly, daily")
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30m or 720h: %w", key, err)
	}
	return d, nil
}
