package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	c, err := FromEnv(envMap(nil))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if !reflect.DeepEqual(c, Default()) {
		t.Fatalf("want defaults, got %+v", c)
	}
	if c.Retention != 15*time.Minute {
		t.Fatalf("retention default = %s", c.Retention)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	c, err := FromEnv(envMap(map[string]string{
		EnvAddr:              "127.0.0.1:9000",
		EnvScratchDir:        "/data",
		EnvRetention:         "30m",
		EnvRetries:           "5",
		EnvRateLimit:         "2MiB/s",
		EnvRequestsPerMinute: "0",
		EnvAllowedOrigins:    "https://a.example, https://b.example,",
		EnvRedisAddr:         "localhost:6379",
		EnvRedisDB:           "2",
		EnvInnertubeClient:   "WEB",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.Addr != "127.0.0.1:9000" || c.ScratchDir != "/data" || c.Retention != 30*time.Minute {
		t.Fatalf("basic overrides: %+v", c)
	}
	if c.Retries != 5 || c.RateLimit != 2*1024*1024 || c.RequestsPerMinute != 0 {
		t.Fatalf("numeric overrides: %+v", c)
	}
	if !reflect.DeepEqual(c.AllowedOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Fatalf("origins: %v", c.AllowedOrigins)
	}
	if c.RedisAddr != "localhost:6379" || c.RedisDB != 2 || c.InnertubeClient != "WEB" {
		t.Fatalf("other overrides: %+v", c)
	}
}

func TestFromEnvErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"bad duration": {EnvRetention: "soon"},
		"bad number":   {EnvRetries: "many"},
		"bad rate":     {EnvRateLimit: "fast"},
		"zero retries": {EnvRetries: "0"},
		"negative ttl": {EnvCacheTTL: "-1m"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromEnv(envMap(env)); err == nil {
				t.Fatalf("expected error for %v", env)
			}
		})
	}
}

func TestParseRate(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"1024", 1024},
		{"500KiB/s", 500 * 1024},
		{"2MiB", 2 * 1024 * 1024},
		{"1MB/s", 1000 * 1000},
	}
	for _, tc := range cases {
		got, err := ParseRate(tc.in)
		if err != nil {
			t.Fatalf("ParseRate(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseRate(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("YTMUX_FFMPEG_PATH=/opt/ffmpeg\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvFFmpegPath, "")
	_ = os.Unsetenv(EnvFFmpegPath)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.FFmpegPath != "/opt/ffmpeg" {
		t.Fatalf("ffmpeg path = %q", c.FFmpegPath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	if err != nil {
		t.Fatalf("missing env file must not fail: %v", err)
	}
	if c.Addr == "" {
		t.Fatalf("addr empty")
	}
}
