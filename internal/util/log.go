package util

import (
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
	// stdout is reserved for tunnel data in pipe mode.
	pterm.DefaultLogger.Writer = os.Stderr
}

// Leveled logging functions backed by the pterm default logger.

func LogTrace(format string, args ...interface{}) {
	pterm.DefaultLogger.Trace(fmt.Sprintf(format, args...))
}

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// LevelFromFlags maps the -d count and -q switch to a log level.
// quiet wins over any verbosity.
func LevelFromFlags(verbosity int, quiet bool) pterm.LogLevel {
	switch {
	case quiet:
		return pterm.LogLevelError
	case verbosity >= 2:
		return pterm.LogLevelTrace
	case verbosity == 1:
		return pterm.LogLevelDebug
	default:
		return pterm.LogLevelInfo
	}
}

// SetLogLevel sets the minimum level that is printed.
func SetLogLevel(level pterm.LogLevel) {
	pterm.DefaultLogger.Level = level
}

// LogLevel returns the current minimum level.
func LogLevel() pterm.LogLevel {
	return pterm.DefaultLogger.Level
}

// SetLogOutput redirects all log output to w.
func SetLogOutput(w io.Writer) {
	pterm.DefaultLogger.Writer = w
}
