package pkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// Driver component identifiers.
const (
	ComponentRing       Component = "ring"
	ComponentController Component = "controller"
	ComponentCommand    Component = "command"
	ComponentEvent      Component = "event"
	ComponentEnum       Component = "enum"
	ComponentBulk       Component = "bulk"
	ComponentBOT        Component = "bot"
	ComponentHAL        Component = "hal"
	ComponentSim        Component = "sim"
	ComponentTarget     Component = "target"
	ComponentBlock      Component = "block"
)

// Components lists every component in pipeline order, bottom up.
var Components = []Component{
	ComponentHAL, ComponentRing, ComponentController, ComponentCommand,
	ComponentEvent, ComponentEnum, ComponentBulk, ComponentBOT,
	ComponentBlock, ComponentSim, ComponentTarget,
}

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Text format (default)
	LogFormatJSON                  // JSON format
)

var (
	// DefaultLogger is the default logger used by the driver.
	DefaultLogger *slog.Logger

	// logLevel is the level of every component without an override.
	logLevel slog.Level

	// handlerLevel is the lowest level any component logs at. Handlers
	// built here filter on it; per-component filtering happens in logAt.
	handlerLevel = new(slog.LevelVar)

	// overrides holds per-component levels.
	overrides = make(map[Component]slog.Level)

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	logLevel = slog.LevelWarn
	handlerLevel.Set(logLevel)
	DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: handlerLevel,
	}))
}

// SetLogLevel sets the level of every component without an override.
func SetLogLevel(level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logLevel = level
	updateHandlerLevel()
}

// GetLogLevel returns the level of components without an override.
func GetLogLevel() slog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel
}

// SetComponentLevel overrides the level of one component, so a single
// layer (say, bot) can log at Debug while the rest stay quiet.
func SetComponentLevel(c Component, level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	overrides[c] = level
	updateHandlerLevel()
}

// ClearComponentLevels removes every per-component override.
func ClearComponentLevels() {
	logMutex.Lock()
	defer logMutex.Unlock()
	clear(overrides)
	updateHandlerLevel()
}

// ComponentLevel returns the effective level of c.
func ComponentLevel(c Component) slog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return componentLevelLocked(c)
}

// ParseComponentLevels applies a comma separated list of component names
// at level, e.g. "bot,bulk". "all" names every component.
func ParseComponentLevels(list string, level slog.Level) error {
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		switch {
		case name == "":
		case name == "all":
			for _, c := range Components {
				SetComponentLevel(c, level)
			}
		case knownComponent(Component(name)):
			SetComponentLevel(Component(name), level)
		default:
			return fmt.Errorf("log component %q: %w", name, ErrInvalidParameter)
		}
	}
	return nil
}

func knownComponent(c Component) bool {
	for _, k := range Components {
		if k == c {
			return true
		}
	}
	return false
}

func componentLevelLocked(c Component) slog.Level {
	if l, ok := overrides[c]; ok {
		return l
	}
	return logLevel
}

func updateHandlerLevel() {
	lowest := logLevel
	for _, l := range overrides {
		lowest = min(lowest, l)
	}
	handlerLevel.Set(lowest)
}

// SetLogger replaces the default logger with a custom logger.
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogFormat configures the default logger to use the specified format.
// The logger writes to os.Stderr and uses the current log levels.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	opts := &slog.HandlerOptions{Level: handlerLevel}
	switch format {
	case LogFormatJSON:
		DefaultLogger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
}

// NewLogger creates a new text logger writing to the given writer.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: handlerLevel}
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewJSONLogger creates a new JSON logger writing to the given writer.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: handlerLevel}
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func logAt(level slog.Level, component Component, msg string, args []any) {
	logMutex.RLock()
	logger := DefaultLogger
	enabled := level >= componentLevelLocked(component)
	logMutex.RUnlock()
	if !enabled {
		return
	}
	logger.Log(context.Background(), level, msg, append([]any{"component", string(component)}, args...)...)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}
