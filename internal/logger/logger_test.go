package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func TestLoggerWritesOneEntryPerLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(nopCloser{&buf})
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	l.LogEvent("dialing")
	l.LogFrame(DirectionOut, "open", "abc", 42)
	l.LogError(DirectionIn, errors.New("boom"))

	var entries []LogEntry
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var e LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if e := entries[1]; e.Method != "open" || e.ID != "abc" || e.Size != 42 || e.Direction != DirectionOut {
		t.Fatalf("frame entry = %+v", e)
	}
	if entries[2].Error != "boom" || !entries[0].Timestamp.Equal(fixed) {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestNilLoggerDiscards(t *testing.T) {
	var l *Logger
	l.LogEvent("ignored")
	l.LogFrame(DirectionIn, "", "", 1)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if l.GetLogPath() != "" {
		t.Fatalf("nil logger has a path")
	}
}

func TestNewLoggerCreatesFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	l, err := NewLogger("transcript")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()
	if l.GetLogPath() == "" {
		t.Fatalf("missing log path")
	}
	l.LogEvent("hello")
}
