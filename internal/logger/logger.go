// Package logger writes a JSON-lines transcript of the frames a relay client
// exchanges with the server.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"flarepeer/internal/constants"
)

const (
	DirectionOut   = "client->relay"
	DirectionIn    = "relay->client"
	DirectionLocal = "client"
)

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"`
	Type      string    `json:"type"`
	Method    string    `json:"method,omitempty"`
	ID        string    `json:"id,omitempty"`
	Size      int       `json:"size,omitempty"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Logger is safe for concurrent use. A nil *Logger discards everything.
type Logger struct {
	mu   sync.Mutex
	out  io.WriteCloser
	enc  *json.Encoder
	path string
	now  func() time.Time
}

// NewLogger opens <log dir>/<name>.log for appending.
func NewLogger(name string) (*Logger, error) {
	logDir, err := getLogDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get log directory: %w", err)
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile := filepath.Join(logDir, fmt.Sprintf("%s.log", name))

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := New(file)
	l.path = logFile
	return l, nil
}

func New(out io.WriteCloser) *Logger {
	return &Logger{
		out: out,
		enc: json.NewEncoder(out),
		now: time.Now,
	}
}

func getLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(homeDir, "AppData", "Local", constants.AppName, "logs"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Logs", constants.AppName), nil
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, constants.AppName, "logs"), nil
	}
	return filepath.Join(homeDir, ".local", "share", constants.AppName, "logs"), nil
}

func (l *Logger) Log(entry LogEntry) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Timestamp = l.now()
	l.enc.Encode(entry)
}

// LogFrame records one request or response frame. id is the correlation id,
// empty for untagged frames.
func (l *Logger) LogFrame(direction, method, id string, size int) {
	l.Log(LogEntry{
		Direction: direction,
		Type:      "frame",
		Method:    method,
		ID:        id,
		Size:      size,
	})
}

func (l *Logger) LogError(direction string, err error) {
	l.Log(LogEntry{
		Direction: direction,
		Type:      "error",
		Error:     err.Error(),
	})
}

func (l *Logger) LogEvent(message string) {
	l.Log(LogEntry{
		Direction: DirectionLocal,
		Type:      "event",
		Message:   message,
	})
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

// GetLogPath is empty for loggers built with New.
func (l *Logger) GetLogPath() string {
	if l == nil {
		return ""
	}
	return l.path
}
