package lib

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
)

// Logger is the log sink of the protocol core.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ParseLogLevel maps a config string to a pterm level. Unknown strings
// mean info.
func ParseLogLevel(s string) pterm.LogLevel {
	switch strings.ToLower(s) {
	case "trace":
		return pterm.LogLevelTrace
	case "debug":
		return pterm.LogLevelDebug
	case "warn", "warning":
		return pterm.LogLevelWarn
	case "error":
		return pterm.LogLevelError
	case "off", "disabled":
		return pterm.LogLevelDisabled
	}
	return pterm.LogLevelInfo
}

type ptermLogger struct {
	prefix string
	l      *pterm.Logger
}

// NewPtermLogger logs to stderr through pterm's default logger.
func NewPtermLogger(prefix, level string) Logger {
	l := pterm.DefaultLogger.WithLevel(ParseLogLevel(level))
	l.ShowTime = true
	l.TimeFormat = "02 Jan 15:04:05"
	l.MaxWidth = 1000
	if prefix != "" {
		prefix += ": "
	}
	return &ptermLogger{prefix: prefix, l: l}
}

func (p *ptermLogger) Debugf(format string, args ...interface{}) {
	p.l.Debug(p.prefix + fmt.Sprintf(format, args...))
}

func (p *ptermLogger) Infof(format string, args ...interface{}) {
	p.l.Info(p.prefix + fmt.Sprintf(format, args...))
}

func (p *ptermLogger) Warnf(format string, args ...interface{}) {
	p.l.Warn(p.prefix + fmt.Sprintf(format, args...))
}

func (p *ptermLogger) Errorf(format string, args ...interface{}) {
	p.l.Error(p.prefix + fmt.Sprintf(format, args...))
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// NopLogger discards everything.
var NopLogger Logger = nopLogger{}
