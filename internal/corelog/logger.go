// Package corelog provides the engine's component-tagged logger and
// pub/sub event bus. Components log through per-tag level filtering; a
// host process can install a hook to forward every line across the
// foreign boundary, and subscribe to lifecycle events instead of
// polling for them.
package corelog

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

// Config holds logging configuration, typically loaded from YAML.
type Config struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
	// ToFile enables a date-stamped log file under logsDir next to the
	// running executable. Disabled by default so tests stay quiet.
	ToFile bool `yaml:"to_file,omitempty"`
}

// Hook is a callback invoked for every log message that passes level
// filtering — used to forward log lines to a host process across the
// foreign boundary.
type Hook func(level Level, tag, message string)

// Logger provides per-component log level filtering.
type Logger struct {
	globalLevel Level
	components  map[string]Level // lowercase tag -> level, immutable after init
	levelCache  sync.Map         // tag -> Level
	hook        atomic.Pointer[Hook]
	logFile     *os.File
}

// ParseLevel converts a level name to Level. Unrecognized values map to
// LevelInfo rather than erroring, matching the permissive config
// parsing elsewhere.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// New creates a Logger from config, optionally wiring up file logging.
func New(cfg Config) *Logger {
	l := &Logger{
		globalLevel: ParseLevel(cfg.Level),
		components:  make(map[string]Level, len(cfg.Components)),
	}
	for name, level := range cfg.Components {
		l.components[strings.ToLower(name)] = ParseLevel(level)
	}

	if cfg.ToFile {
		if f := openLogFile(); f != nil {
			l.logFile = f
			log.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	}

	return l
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() {
	if l.logFile != nil {
		l.logFile.Sync()
		l.logFile.Close()
		l.logFile = nil
	}
}

func openLogFile() *os.File {
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	logsDir := filepath.Join(filepath.Dir(exe), "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return nil
	}
	name := fmt.Sprintf("voyage-%s.log", time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(logsDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil
	}
	return f
}

func (l *Logger) levelFor(tag string) Level {
	if v, ok := l.levelCache.Load(tag); ok {
		return v.(Level)
	}
	lvl := l.globalLevel
	if cl, ok := l.components[strings.ToLower(tag)]; ok {
		lvl = cl
	}
	l.levelCache.Store(tag, lvl)
	return lvl
}

// SetHook installs a callback receiving every message that passes level
// filtering. Pass nil to remove it.
func (l *Logger) SetHook(h Hook) {
	if h == nil {
		l.hook.Store(nil)
		return
	}
	l.hook.Store(&h)
}

func (l *Logger) emit(level Level, tag, msg string) {
	if hp := l.hook.Load(); hp != nil {
		(*hp)(level, tag, msg)
	}
}

func (l *Logger) Debugf(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelDebug {
		msg := fmt.Sprintf(format, args...)
		log.Printf("[%s] %s", tag, msg)
		l.emit(LevelDebug, tag, msg)
	}
}

func (l *Logger) Infof(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelInfo {
		msg := fmt.Sprintf(format, args...)
		log.Printf("[%s] %s", tag, msg)
		l.emit(LevelInfo, tag, msg)
	}
}

func (l *Logger) Warnf(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelWarn {
		msg := fmt.Sprintf(format, args...)
		log.Printf("[%s] %s", tag, msg)
		l.emit(LevelWarn, tag, msg)
	}
}

func (l *Logger) Errorf(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelError {
		msg := fmt.Sprintf(format, args...)
		log.Printf("[%s] %s", tag, msg)
		l.emit(LevelError, tag, msg)
	}
}

// Log is the process-wide default logger. Engine components log through
// this unless a test constructs its own.
var Log = New(Config{})

// Init replaces the process-wide logger with one built from cfg. Called
// once at host startup, before any engine component logs.
func Init(cfg Config) {
	old := Log
	Log = New(cfg)
	old.Close()
}
