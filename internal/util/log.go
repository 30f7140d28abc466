// Package util provides the shared pterm-backed logger.
package util

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// EnableTrace additionally shows pion's trace output.
func EnableTrace() {
	pterm.DefaultLogger.Level = pterm.LogLevelTrace
}

// Logger tags every line with a component scope. It satisfies
// logging.LeveledLogger so pion internals log through the same sink.
type Logger struct {
	scope string
}

// Scoped returns a Logger for the named component.
func Scoped(scope string) Logger {
	return Logger{scope: scope}
}

func (l Logger) args() []pterm.LoggerArgument {
	return pterm.DefaultLogger.Args("scope", l.scope)
}

func (l Logger) Trace(msg string) { pterm.DefaultLogger.Trace(msg, l.args()) }
func (l Logger) Debug(msg string) { pterm.DefaultLogger.Debug(msg, l.args()) }
func (l Logger) Info(msg string)  { pterm.DefaultLogger.Info(msg, l.args()) }
func (l Logger) Warn(msg string)  { pterm.DefaultLogger.Warn(msg, l.args()) }
func (l Logger) Error(msg string) { pterm.DefaultLogger.Error(msg, l.args()) }

func (l Logger) Tracef(format string, args ...interface{}) { l.Trace(fmt.Sprintf(format, args...)) }
func (l Logger) Debugf(format string, args ...interface{}) { l.Debug(fmt.Sprintf(format, args...)) }
func (l Logger) Infof(format string, args ...interface{})  { l.Info(fmt.Sprintf(format, args...)) }
func (l Logger) Warnf(format string, args ...interface{})  { l.Warn(fmt.Sprintf(format, args...)) }
func (l Logger) Errorf(format string, args ...interface{}) { l.Error(fmt.Sprintf(format, args...)) }

var _ logging.LeveledLogger = Logger{}

// PionLoggerFactory routes pion's per-scope loggers into pterm.
type PionLoggerFactory struct{}

// NewLogger implements logging.LoggerFactory.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return Scoped("pion/" + scope)
}

var _ logging.LoggerFactory = PionLoggerFactory{}
