package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level is the severity of an entry.
type Level int

const (
	TRACE Level = iota
	DEBUG
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	TRACE: "TRACE",
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "LEVEL(" + strconv.Itoa(int(l)) + ")"
}

// MarshalJSON renders the level by name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// Component names a subsystem that can be switched on and off.
type Component string

const (
	ComponentApp          Component = "app"
	ComponentOrchestrator Component = "orchestrator"
	ComponentDownloader   Component = "downloader"
	ComponentTranscode    Component = "transcode"
	ComponentStore        Component = "store"
	ComponentResolver     Component = "resolver"
	ComponentCache        Component = "cache"
	ComponentServer       Component = "server"
)

// Components lists every component known to the service.
var Components = []Component{
	ComponentApp,
	ComponentOrchestrator,
	ComponentDownloader,
	ComponentTranscode,
	ComponentStore,
	ComponentResolver,
	ComponentCache,
	ComponentServer,
}

// Format selects how entries are rendered.
type Format int

const (
	FormatText Format = iota
	FormatJSON
	FormatColor
)

// Config holds logger configuration.
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	Components map[Component]bool
	ShowCaller bool
	Timestamp  bool
}

// DefaultConfig logs INFO and above for the app, orchestrator and server
// components to stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:  INFO,
		Format: FormatText,
		Output: os.Stdout,
		Components: map[Component]bool{
			ComponentApp:          true,
			ComponentOrchestrator: true,
			ComponentServer:       true,
		},
	}
}

// Entry is one rendered log record.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Component Component              `json:"component"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// Logger filters entries by level and component and writes them to a
// single output. It is safe for concurrent use.
type Logger struct {
	config *Config
	mu     sync.RWMutex
	wmu    sync.Mutex
}

// New creates a logger. A nil config means DefaultConfig.
func New(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Components == nil {
		config.Components = make(map[Component]bool)
	}
	return &Logger{config: config}
}

// WithComponent returns a logger bound to component.
func (l *Logger) WithComponent(component Component) *ComponentLogger {
	return &ComponentLogger{logger: l, component: component}
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Level = level
}

func (l *Logger) SetFormat(format Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Format = format
}

func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Output = w
}

func (l *Logger) EnableComponent(component Component) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Components[component] = true
}

func (l *Logger) DisableComponent(component Component) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Components[component] = false
}

// Enabled reports whether a message at level would be written for component.
func (l *Logger) Enabled(level Level, component Component) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.config.Level && l.config.Components[component]
}

// write renders and emits one entry. depth is the number of frames between
// the public logging call and this function.
func (l *Logger) write(depth int, level Level, component Component, message string, fields map[string]interface{}) {
	l.mu.RLock()
	enabled := level >= l.config.Level && l.config.Components[component]
	cfg := *l.config
	l.mu.RUnlock()
	if !enabled {
		return
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level,
		Component: component,
		Message:   message,
		Fields:    fields,
	}
	if cfg.ShowCaller {
		if _, file, line, ok := runtime.Caller(depth + 1); ok {
			entry.Caller = filepath.Base(file) + ":" + strconv.Itoa(line)
		}
	}

	var line string
	switch cfg.Format {
	case FormatJSON:
		data, err := json.Marshal(entry)
		if err != nil {
			entry.Fields = map[string]interface{}{"marshal_error": err.Error()}
			data, _ = json.Marshal(entry)
		}
		line = string(data)
	case FormatColor:
		line = renderText(entry, cfg.Timestamp, colorPalette)
	default:
		line = renderText(entry, cfg.Timestamp, plainPalette)
	}

	l.wmu.Lock()
	_, _ = io.WriteString(cfg.Output, line+"\n")
	l.wmu.Unlock()
}

// palette wraps each part of a text line in terminal escapes.
type palette struct {
	faint, component, key, value string
	levels                       map[Level]string
	reset                        string
}

var plainPalette = palette{}

var colorPalette = palette{
	faint:     "\033[90m",
	component: "\033[36m",
	key:       "\033[33m",
	value:     "\033[32m",
	levels: map[Level]string{
		TRACE: "\033[37m",
		DEBUG: "\033[94m",
		INFO:  "\033[92m",
		WARN:  "\033[93m",
		ERROR: "\033[91m",
	},
	reset: "\033[0m",
}

func (p palette) paint(code, s string) string {
	if code == "" {
		return s
	}
	return code + s + p.reset
}

// renderText produces "[LEVEL] [component] message (caller) k=v ...".
func renderText(e Entry, timestamp bool, p palette) string {
	var b strings.Builder
	if timestamp {
		b.WriteString(p.paint(p.faint, e.Timestamp.Format("2006-01-02 15:04:05")))
		b.WriteByte(' ')
	}
	b.WriteString(p.paint(p.levels[e.Level], "["+e.Level.String()+"]"))
	b.WriteByte(' ')
	b.WriteString(p.paint(p.component, "["+string(e.Component)+"]"))
	b.WriteByte(' ')
	b.WriteString(e.Message)
	if e.Caller != "" {
		b.WriteString(" " + p.paint(p.faint, "("+e.Caller+")"))
	}
	for _, k := range sortedKeys(e.Fields) {
		b.WriteByte(' ')
		b.WriteString(p.paint(p.key, k))
		b.WriteByte('=')
		b.WriteString(p.paint(p.value, fmt.Sprint(e.Fields[k])))
	}
	return b.String()
}

func sortedKeys(fields map[string]interface{}) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ComponentLogger writes entries for one component, optionally carrying a
// set of base fields added to every entry.
type ComponentLogger struct {
	logger    *Logger
	component Component
	base      map[string]interface{}
}

// With returns a child logger that adds fields to every entry. Fields given
// at the call site win over base fields with the same key.
func (cl *ComponentLogger) With(fields map[string]interface{}) *ComponentLogger {
	return &ComponentLogger{
		logger:    cl.logger,
		component: cl.component,
		base:      mergeFields(cl.base, fields),
	}
}

func (cl *ComponentLogger) Trace(message string, fields ...map[string]interface{}) {
	cl.log(TRACE, message, fields)
}

func (cl *ComponentLogger) Debug(message string, fields ...map[string]interface{}) {
	cl.log(DEBUG, message, fields)
}

func (cl *ComponentLogger) Info(message string, fields ...map[string]interface{}) {
	cl.log(INFO, message, fields)
}

func (cl *ComponentLogger) Warn(message string, fields ...map[string]interface{}) {
	cl.log(WARN, message, fields)
}

func (cl *ComponentLogger) Error(message string, fields ...map[string]interface{}) {
	cl.log(ERROR, message, fields)
}

func (cl *ComponentLogger) log(level Level, message string, fields []map[string]interface{}) {
	if !cl.logger.Enabled(level, cl.component) {
		return
	}
	// write <- log <- Info/Debug/... <- caller
	cl.logger.write(2, level, cl.component, message, mergeFields(append([]map[string]interface{}{cl.base}, fields...)...))
}

// Enabled reports whether level is written for this component.
func (cl *ComponentLogger) Enabled(level Level) bool {
	return cl.logger.Enabled(level, cl.component)
}

// mergeFields flattens maps left to right into a new map, or nil when
// every map is empty.
func mergeFields(maps ...map[string]interface{}) map[string]interface{} {
	n := 0
	for _, m := range maps {
		n += len(m)
	}
	if n == 0 {
		return nil
	}
	out := make(map[string]interface{}, n)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

var (
	globalMu     sync.RWMutex
	globalLogger = New(DefaultConfig())
)

// SetGlobalLogger replaces the logger used by the package-level helpers.
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// GetGlobalLogger returns the logger used by the package-level helpers.
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// WithComponent returns a component logger from the global logger.
func WithComponent(component Component) *ComponentLogger {
	return GetGlobalLogger().WithComponent(component)
}

// Discard returns a component logger that writes nothing.
func Discard(component Component) *ComponentLogger {
	cfg := DefaultConfig()
	cfg.Output = io.Discard
	cfg.Level = ERROR + 1
	return New(cfg).WithComponent(component)
}
