// Package logging provides the component-scoped leveled logger used across
// the harness: a colorized prefix per component, level gating, and a
// nil-safe wrapper so a missing logger never panics a supervisor hot path.
package logging

import (
	"fmt"
	"log"
	"sync"

	"github.com/fatih/color"
)

// Level is a logging severity.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the interface every component of the harness logs through.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Config configures a Component logger.
type Config struct {
	Component     string
	Color         color.Attribute
	EnabledLevels []Level
}

// Component is a leveled logger that prefixes every line with a colorized
// component name, e.g. "[SUPERVISOR]".
type Component struct {
	name    string
	prefix  func(a ...any) string
	enabled map[Level]bool
	mu      sync.Mutex
}

// NewComponentLogger builds a Component logger. With no EnabledLevels, all
// four levels are enabled by default.
func NewComponentLogger(cfg Config) *Component {
	levels := cfg.EnabledLevels
	if len(levels) == 0 {
		levels = []Level{DEBUG, INFO, WARN, ERROR}
	}
	enabled := make(map[Level]bool, len(levels))
	for _, l := range levels {
		enabled[l] = true
	}
	attr := cfg.Color
	if attr == 0 {
		attr = color.FgCyan
	}
	return &Component{
		name:    cfg.Component,
		prefix:  color.New(attr, color.Bold).SprintFunc(),
		enabled: enabled,
	}
}

// New is a convenience constructor matching the teacher's single-argument
// call sites (component name only, all levels enabled).
func New(component string) *Component {
	return NewComponentLogger(Config{Component: component})
}

func (c *Component) log(level Level, format string, args ...any) {
	if c == nil || !c.enabled[level] {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	log.Printf("%s [%s] %s", c.prefix(fmt.Sprintf("[%s]", c.name)), level, msg)
}

func (c *Component) Debug(format string, args ...any) { c.log(DEBUG, format, args...) }
func (c *Component) Info(format string, args ...any)  { c.log(INFO, format, args...) }
func (c *Component) Warn(format string, args ...any)  { c.log(WARN, format, args...) }
func (c *Component) Error(format string, args ...any) { c.log(ERROR, format, args...) }

// nopLogger discards everything; returned by OrNop when logger is nil (or a
// typed nil pointer masquerading as a non-nil interface).
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// IsNil reports whether logger is a nil interface or a typed nil pointer
// wrapped in a non-nil interface value (the classic Go gotcha).
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	if c, ok := logger.(*Component); ok {
		return c == nil
	}
	return false
}

// OrNop returns logger unless it is nil (by IsNil's definition), in which
// case it returns a logger that discards every call.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return nopLogger{}
	}
	return logger
}
