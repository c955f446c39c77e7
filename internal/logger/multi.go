package logger

import "github.com/harrison/agentrun/internal/models"

// Logger is the method set shared by every logger in this package.
type Logger interface {
	LogTrace(format string, args ...interface{})
	LogDebug(format string, args ...interface{})
	LogInfo(format string, args ...interface{})
	LogWarn(format string, args ...interface{})
	LogError(format string, args ...interface{})
	LogExecution(summary models.ExecutionSummary)
}

// MultiLogger delegates to multiple loggers.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger combines loggers; nil entries are skipped.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	ml := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			ml.loggers = append(ml.loggers, l)
		}
	}
	return ml
}

func (ml *MultiLogger) LogTrace(format string, args ...interface{}) {
	for _, l := range ml.loggers {
		l.LogTrace(format, args...)
	}
}

func (ml *MultiLogger) LogDebug(format string, args ...interface{}) {
	for _, l := range ml.loggers {
		l.LogDebug(format, args...)
	}
}

func (ml *MultiLogger) LogInfo(format string, args ...interface{}) {
	for _, l := range ml.loggers {
		l.LogInfo(format, args...)
	}
}

func (ml *MultiLogger) LogWarn(format string, args ...interface{}) {
	for _, l := range ml.loggers {
		l.LogWarn(format, args...)
	}
}

func (ml *MultiLogger) LogError(format string, args ...interface{}) {
	for _, l := range ml.loggers {
		l.LogError(format, args...)
	}
}

func (ml *MultiLogger) LogExecution(summary models.ExecutionSummary) {
	for _, l := range ml.loggers {
		l.LogExecution(summary)
	}
}
