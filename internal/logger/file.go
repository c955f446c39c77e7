package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/agentrun/internal/models"
)

// DefaultLogDir is where FileLogger writes unless configured otherwise.
var DefaultLogDir = filepath.Join(".agentrun", "logs")

// FileLogger logs executor events to files. It writes a timestamped
// per-process log, a detailed log per execution under tasks/, and keeps a
// latest.log symlink pointing at the most recent process log.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	tasksDir string
	logLevel string
	mu       sync.Mutex
}

// NewFileLogger creates a FileLogger in DefaultLogDir at info level.
func NewFileLogger() (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(DefaultLogDir, "info")
}

// NewFileLoggerWithDirAndLevel creates a FileLogger with a custom log directory and log level.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	tasksDir := filepath.Join(logDir, "tasks")
	if err := os.MkdirAll(tasksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", time.Now().Format("20060102-150405")))
	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		tasksDir: tasksDir,
		logLevel: normalizeLogLevel(logLevel),
	}
	fl.writeRunLog("=== agentrun log ===\n")
	fl.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))
	return fl, nil
}

// RunFile returns the path of the process log.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

func (fl *FileLogger) LogTrace(format string, args ...interface{}) {
	fl.logWithLevel("TRACE", format, args...)
}

func (fl *FileLogger) LogDebug(format string, args ...interface{}) {
	fl.logWithLevel("DEBUG", format, args...)
}

func (fl *FileLogger) LogInfo(format string, args ...interface{}) {
	fl.logWithLevel("INFO", format, args...)
}

func (fl *FileLogger) LogWarn(format string, args ...interface{}) {
	fl.logWithLevel("WARN", format, args...)
}

func (fl *FileLogger) LogError(format string, args ...interface{}) {
	fl.logWithLevel("ERROR", format, args...)
}

func (fl *FileLogger) logWithLevel(level, format string, args ...interface{}) {
	if !shouldLog(fl.logLevel, strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), level, fmt.Sprintf(format, args...)))
}

// LogExecution writes a summary line to the run log and the full prompt and
// output to tasks/<run>-<task>.log. Repeated executions of a task append.
func (fl *FileLogger) LogExecution(summary models.ExecutionSummary) {
	line := fmt.Sprintf("[%s] Task %s %s in %s", timestamp(), taskLabel(summary), summary.Status, formatDuration(summary.Duration))
	if summary.Error != "" {
		line += ": " + summary.Error
	}
	fl.writeRunLog(line + "\n")

	if err := fl.writeTaskLog(summary); err != nil {
		fl.writeRunLog(fmt.Sprintf("[%s] [ERROR] failed to write task log: %v\n", timestamp(), err))
	}
}

func (fl *FileLogger) writeTaskLog(summary models.ExecutionSummary) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	path := filepath.Join(fl.tasksDir, fmt.Sprintf("%s-%s.log", summary.RunID, summary.TaskID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Task %s ===\n", taskLabel(summary))
	fmt.Fprintf(&sb, "Run: %s\n", summary.RunID)
	if summary.ConversationID != "" {
		fmt.Fprintf(&sb, "Conversation: %s\n", summary.ConversationID)
	}
	fmt.Fprintf(&sb, "Status: %s\n", summary.Status)
	fmt.Fprintf(&sb, "Duration: %s\n", formatDuration(summary.Duration))
	if summary.ErrorKind != "" {
		fmt.Fprintf(&sb, "Error (%s): %s\n", summary.ErrorKind, summary.Error)
	}
	if summary.Prompt != "" {
		fmt.Fprintf(&sb, "\nPrompt:\n%s\n", summary.Prompt)
	}
	if summary.RawOutput != "" {
		fmt.Fprintf(&sb, "\nOutput:\n%s\n", summary.RawOutput)
	}
	sb.WriteString("\n")
	_, err = f.WriteString(sb.String())
	return err
}

// Close flushes and closes the run log.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		if err := fl.runLog.Sync(); err != nil {
			return fmt.Errorf("failed to sync run log: %w", err)
		}
		if err := fl.runLog.Close(); err != nil {
			return fmt.Errorf("failed to close run log: %w", err)
		}
		fl.runLog = nil
	}
	return nil
}

// writeRunLog is a thread-safe helper to write to the run log file.
func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		fl.runLog.WriteString(message)
		fl.runLog.Sync()
	}
}
