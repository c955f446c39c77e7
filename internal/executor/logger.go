package executor

import "github.com/harrison/agentrun/internal/models"

// Logger receives executor progress and a summary of every finished
// execution.
type Logger interface {
	LogTrace(format string, args ...interface{})
	LogDebug(format string, args ...interface{})
	LogInfo(format string, args ...interface{})
	LogWarn(format string, args ...interface{})
	LogError(format string, args ...interface{})
	LogExecution(summary models.ExecutionSummary)
}

type nopLogger struct{}

func (nopLogger) LogTrace(string, ...interface{})      {}
func (nopLogger) LogDebug(string, ...interface{})      {}
func (nopLogger) LogInfo(string, ...interface{})       {}
func (nopLogger) LogWarn(string, ...interface{})       {}
func (nopLogger) LogError(string, ...interface{})      {}
func (nopLogger) LogExecution(models.ExecutionSummary) {}
