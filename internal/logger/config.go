package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Environment variables read by EnvironmentConfig.
const (
	EnvLevel      = "YTMUX_LOG_LEVEL"
	EnvFormat     = "YTMUX_LOG_FORMAT"
	EnvOutput     = "YTMUX_LOG_OUTPUT"
	EnvCaller     = "YTMUX_LOG_CALLER"
	EnvTimestamp  = "YTMUX_LOG_TIMESTAMP"
	EnvComponents = "YTMUX_LOG_COMPONENTS"
	EnvMaxSize    = "YTMUX_LOG_MAX_SIZE"
	EnvMaxAge     = "YTMUX_LOG_MAX_AGE"
	EnvMaxBackups = "YTMUX_LOG_MAX_BACKUPS"
)

// allComponents is the pseudo component that switches every component.
const allComponents = "all"

// LogConfig is the serializable form of a logger configuration, as read
// from the environment or a JSON file.
type LogConfig struct {
	Level      string          `json:"level"`
	Format     string          `json:"format"`
	Output     string          `json:"output"`
	Components map[string]bool `json:"components"`
	ShowCaller bool            `json:"show_caller"`
	Timestamp  bool            `json:"timestamp"`
	Rotation   *RotationConfig `json:"rotation,omitempty"`
}

// RotationConfig controls rotation of "file:" outputs.
type RotationConfig struct {
	MaxSize    string `json:"max_size"` // "100MB", "1GiB"
	MaxAge     string `json:"max_age"`  // "7d", "24h"
	MaxBackups int    `json:"max_backups"`
	Compress   bool   `json:"compress"`
}

func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:  INFO.String(),
		Format: "text",
		Output: "stdout",
		Components: map[string]bool{
			string(ComponentApp):          true,
			string(ComponentOrchestrator): true,
			string(ComponentServer):       true,
		},
		Timestamp: true,
		Rotation: &RotationConfig{
			MaxSize:    "100MB",
			MaxAge:     "7d",
			MaxBackups: 3,
			Compress:   true,
		},
	}
}

// LoadConfigFromFile overlays a JSON file onto DefaultLogConfig.
func LoadConfigFromFile(filename string) (*LogConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	config := DefaultLogConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", filename, err)
	}
	return config, nil
}

// ToLoggerConfig resolves names into a Config. A "file:" output is opened
// for appending without rotation; use CreateLoggerWithRotation to rotate.
func (c *LogConfig) ToLoggerConfig() (*Config, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := parseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	output, err := parseOutput(c.Output)
	if err != nil {
		return nil, err
	}
	return &Config{
		Level:      level,
		Format:     format,
		Output:     output,
		Components: resolveComponents(c.Components),
		ShowCaller: c.ShowCaller,
		Timestamp:  c.Timestamp,
	}, nil
}

// resolveComponents expands "all" first so that explicit entries override it.
func resolveComponents(names map[string]bool) map[Component]bool {
	out := make(map[Component]bool, len(Components))
	if on, ok := names[allComponents]; ok {
		for _, comp := range Components {
			out[comp] = on
		}
	}
	for name, on := range names {
		if name != allComponents {
			out[Component(name)] = on
		}
	}
	return out
}

var levelAliases = map[string]Level{"": INFO, "WARNING": WARN}

func parseLevel(s string) (Level, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if level, ok := levelAliases[s]; ok {
		return level, nil
	}
	for level, name := range levelNames {
		if name == s {
			return level, nil
		}
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

var formatNames = map[string]Format{
	"":        FormatText,
	"text":    FormatText,
	"json":    FormatJSON,
	"color":   FormatColor,
	"colored": FormatColor,
}

func parseFormat(s string) (Format, error) {
	if f, ok := formatNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return f, nil
	}
	return FormatText, fmt.Errorf("unknown log format %q", s)
}

var streamOutputs = map[string]io.Writer{
	"":       os.Stdout,
	"stdout": os.Stdout,
	"stderr": os.Stderr,
	"null":   io.Discard,
	"none":   io.Discard,
}

func validOutput(s string) bool {
	if _, ok := streamOutputs[strings.ToLower(s)]; ok {
		return true
	}
	path, ok := strings.CutPrefix(s, "file:")
	return ok && path != ""
}

func parseOutput(s string) (io.Writer, error) {
	if w, ok := streamOutputs[strings.ToLower(s)]; ok {
		return w, nil
	}
	if !validOutput(s) {
		return nil, fmt.Errorf("unknown log output %q", s)
	}
	path := strings.TrimPrefix(s, "file:")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// EnvironmentConfig overlays the YTMUX_LOG_* variables onto DefaultLogConfig.
// Listed components replace the defaults; a "-name" entry disables one,
// which combines with "all".
func EnvironmentConfig() *LogConfig {
	return environmentConfig(os.Getenv)
}

func environmentConfig(getenv func(string) string) *LogConfig {
	config := DefaultLogConfig()
	strs := map[string]*string{
		EnvLevel:   &config.Level,
		EnvFormat:  &config.Format,
		EnvOutput:  &config.Output,
		EnvMaxSize: &config.Rotation.MaxSize,
		EnvMaxAge:  &config.Rotation.MaxAge,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	bools := map[string]*bool{
		EnvCaller:    &config.ShowCaller,
		EnvTimestamp: &config.Timestamp,
	}
	for key, dst := range bools {
		if v := getenv(key); v != "" {
			*dst, _ = strconv.ParseBool(v)
		}
	}
	if v := getenv(EnvMaxBackups); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Rotation.MaxBackups = n
		}
	}
	if v := getenv(EnvComponents); v != "" {
		config.Components = make(map[string]bool)
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if off, ok := strings.CutPrefix(name, "-"); ok {
				config.Components[off] = false
			} else if name != "" {
				config.Components[name] = true
			}
		}
	}
	return config
}

// ValidateConfig reports the first invalid setting.
func (c *LogConfig) ValidateConfig() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	if _, err := parseFormat(c.Format); err != nil {
		return err
	}
	if !validOutput(c.Output) {
		return fmt.Errorf("unknown log output %q", c.Output)
	}
	if c.Rotation != nil {
		if err := c.Rotation.Validate(); err != nil {
			return fmt.Errorf("rotation: %w", err)
		}
	}
	return nil
}

func (r *RotationConfig) Validate() error {
	if _, err := parseSize(r.MaxSize); err != nil {
		return fmt.Errorf("max_size: %w", err)
	}
	if _, err := parseDuration(r.MaxAge); err != nil {
		return fmt.Errorf("max_age: %w", err)
	}
	if r.MaxBackups < 0 {
		return fmt.Errorf("max_backups must be non-negative, got %d", r.MaxBackups)
	}
	return nil
}

// parseSize accepts humanized sizes; empty means unlimited.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// parseDuration extends time.ParseDuration with a whole-day "d" suffix.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", days)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
