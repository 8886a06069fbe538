package transport

import (
	"github.com/pion/logging"

	"github.com/1ureka/rtctun/internal/util"
)

// loggerFactory routes pion's internal logging into the util logger. pion is
// chatty, so its info and below only show at trace level.
type loggerFactory struct{}

// NewLoggerFactory returns a pion LoggerFactory backed by the util logger.
func NewLoggerFactory() logging.LoggerFactory {
	return loggerFactory{}
}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l *pionLogger) Trace(msg string) { util.LogTrace("pion/%s: %s", l.scope, msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) {
	util.LogTrace("pion/"+l.scope+": "+format, args...)
}
func (l *pionLogger) Debug(msg string) { util.LogTrace("pion/%s: %s", l.scope, msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) {
	util.LogTrace("pion/"+l.scope+": "+format, args...)
}
func (l *pionLogger) Info(msg string) { util.LogTrace("pion/%s: %s", l.scope, msg) }
func (l *pionLogger) Infof(format string, args ...interface{}) {
	util.LogTrace("pion/"+l.scope+": "+format, args...)
}
func (l *pionLogger) Warn(msg string) { util.LogDebug("pion/%s: %s", l.scope, msg) }
func (l *pionLogger) Warnf(format string, args ...interface{}) {
	util.LogDebug("pion/"+l.scope+": "+format, args...)
}
func (l *pionLogger) Error(msg string) { util.LogWarning("pion/%s: %s", l.scope, msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) {
	util.LogWarning("pion/"+l.scope+": "+format, args...)
}
