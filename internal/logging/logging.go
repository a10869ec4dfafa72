package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Logger struct {
	file   *os.File
	logger *log.Logger
	debug  bool
}

// New opens (appending) the log file at path. Debug output is enabled by
// TETHER_DEBUG=debug|trace or by level "debug".
func New(path, level string) (*Logger, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	l := NewWriter(file, level)
	l.file = file
	return l, nil
}

// NewWriter logs to w instead of a file.
func NewWriter(w io.Writer, level string) *Logger {
	return &Logger{
		logger: log.New(w, "", 0),
		debug:  debugEnabled(level),
	}
}

func debugEnabled(level string) bool {
	debugEnv := os.Getenv("TETHER_DEBUG")
	if debugEnv == "debug" || debugEnv == "trace" {
		return true
	}
	level = strings.ToLower(strings.TrimSpace(level))
	return level == "debug" || level == "trace"
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) log(level, msg string) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	l.logger.Printf("[%s] %s: %s", timestamp, level, msg)
}

func (l *Logger) Info(msg string) {
	l.log("INFO", msg)
}

func (l *Logger) Warn(msg string) {
	l.log("WARN", msg)
}

func (l *Logger) Error(msg string) {
	l.log("ERROR", msg)
}

func (l *Logger) Debug(msg string) {
	if l.debug {
		l.log("DEBUG", msg)
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

// Prefixed returns a logf that tags every line with the component name.
func (l *Logger) Prefixed(component string) func(format string, args ...interface{}) {
	return func(format string, args ...interface{}) {
		l.Info(component + ": " + fmt.Sprintf(format, args...))
	}
}

// LogPath returns <dataDir>/<name>.log.
func LogPath(dataDir, name string) string {
	return filepath.Join(dataDir, name+".log")
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/.tether"
	}
	return filepath.Join(home, ".tether")
}
