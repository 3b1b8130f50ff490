// Package config loads service settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

// Environment keys.
const (
	EnvAddr              = "YTMUX_ADDR"
	EnvScratchDir        = "YTMUX_SCRATCH_DIR"
	EnvRetention         = "YTMUX_RETENTION"
	EnvFFmpegPath        = "YTMUX_FFMPEG_PATH"
	EnvHTTPTimeout       = "YTMUX_HTTP_TIMEOUT"
	EnvRetries           = "YTMUX_RETRIES"
	EnvProxyURL          = "YTMUX_PROXY_URL"
	EnvRateLimit         = "YTMUX_RATE_LIMIT"
	EnvRequestsPerMinute = "YTMUX_REQUESTS_PER_MINUTE"
	EnvAllowedOrigins    = "YTMUX_ALLOWED_ORIGINS"
	EnvCacheDir          = "YTMUX_CACHE_DIR"
	EnvCacheTTL          = "YTMUX_CACHE_TTL"
	EnvInnertubeClient   = "YTMUX_INNERTUBE_CLIENT"
	EnvInnertubeVersion  = "YTMUX_INNERTUBE_VERSION"
	EnvRedisAddr         = "REDIS_ADDR"
	EnvRedisPassword     = "REDIS_PASSWORD"
	EnvRedisDB           = "REDIS_DB"
)

// Config holds every tunable of the service.
type Config struct {
	Addr              string
	ScratchDir        string
	Retention         time.Duration
	FFmpegPath        string
	HTTPTimeout       time.Duration
	Retries           int
	ProxyURL          string
	RateLimit         int64 // download bytes per second, 0 disables
	RequestsPerMinute int
	AllowedOrigins    []string
	CacheDir          string
	CacheTTL          time.Duration
	InnertubeClient   string
	InnertubeVersion  string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Addr:              ":8080",
		ScratchDir:        "/tmp/ytmux",
		Retention:         15 * time.Minute,
		FFmpegPath:        "ffmpeg",
		HTTPTimeout:       30 * time.Second,
		Retries:           3,
		RequestsPerMinute: 60,
		AllowedOrigins:    []string{"*"},
		CacheTTL:          time.Hour,
	}
}

// Load reads envFile when it exists, then overlays environment variables on
// Default. An empty envFile means ".env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, which is usually os.Getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	c := Default()
	var errList []error

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errList = append(errList, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errList = append(errList, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str(EnvAddr, &c.Addr)
	str(EnvScratchDir, &c.ScratchDir)
	dur(EnvRetention, &c.Retention)
	str(EnvFFmpegPath, &c.FFmpegPath)
	dur(EnvHTTPTimeout, &c.HTTPTimeout)
	num(EnvRetries, &c.Retries)
	str(EnvProxyURL, &c.ProxyURL)
	if v := getenv(EnvRateLimit); strings.TrimSpace(v) != "" {
		bps, err := ParseRate(v)
		if err != nil {
			errList = append(errList, fmt.Errorf("%s: %w", EnvRateLimit, err))
		}
		c.RateLimit = bps
	}
	num(EnvRequestsPerMinute, &c.RequestsPerMinute)
	if v := strings.TrimSpace(getenv(EnvAllowedOrigins)); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	str(EnvCacheDir, &c.CacheDir)
	dur(EnvCacheTTL, &c.CacheTTL)
	str(EnvInnertubeClient, &c.InnertubeClient)
	str(EnvInnertubeVersion, &c.InnertubeVersion)
	str(EnvRedisAddr, &c.RedisAddr)
	str(EnvRedisPassword, &c.RedisPassword)
	num(EnvRedisDB, &c.RedisDB)

	if err := errors.Join(errList...); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("listen address is required")
	case c.ScratchDir == "":
		return errors.New("scratch directory is required")
	case c.Retention <= 0:
		return fmt.Errorf("retention must be positive, got %s", c.Retention)
	case c.HTTPTimeout <= 0:
		return fmt.Errorf("http timeout must be positive, got %s", c.HTTPTimeout)
	case c.Retries < 1:
		return fmt.Errorf("retries must be at least 1, got %d", c.Retries)
	case c.RateLimit < 0:
		return fmt.Errorf("rate limit must not be negative")
	case c.RequestsPerMinute < 0:
		return fmt.Errorf("requests per minute must not be negative")
	case c.CacheTTL <= 0:
		return fmt.Errorf("cache ttl must be positive, got %s", c.CacheTTL)
	case c.RedisDB < 0:
		return fmt.Errorf("redis db must not be negative")
	}
	return nil
}

// ParseRate parses sizes per second such as "2MiB/s", "500KB" or "1048576".
// "0" and "" disable limiting.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/s"), "/S")
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	return int64(n), nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
