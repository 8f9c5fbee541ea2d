package security

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
	"flarepeer/internal/utils"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	IP        string    `json:"ip,omitempty"`
	PeerID    string    `json:"peer_id,omitempty"`
	Details   string    `json:"details"`
	Severity  string    `json:"severity"`
}

// AuditLogger appends security events as JSON lines. A nil *AuditLogger is
// valid and discards everything.
type AuditLogger struct {
	mu          sync.Mutex
	out         io.WriteCloser
	enc         *json.Encoder
	logCount    map[string]int
	windowStart time.Time
}

var (
	instance *AuditLogger
	once     sync.Once
)

func GetAuditLogger() (*AuditLogger, error) {
	var err error
	once.Do(func() {
		instance, err = newAuditLogger()
	})
	return instance, err
}

func newAuditLogger() (*AuditLogger, error) {
	dir := utils.GetEnv(constants.EnvAuditDir, "")
	if dir == "" {
		var err error
		if dir, err = getAuditLogDir(); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	filename := filepath.Join(dir, fmt.Sprintf("audit-%s.log", time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return NewAuditLogger(file), nil
}

// NewAuditLogger writes events to out.
func NewAuditLogger(out io.WriteCloser) *AuditLogger {
	return &AuditLogger{
		out:         out,
		enc:         json.NewEncoder(out),
		logCount:    make(map[string]int),
		windowStart: time.Now(),
	}
}

func getAuditLogDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", constants.AppName, "audit"), nil
	case "darwin":
		return filepath.Join(home, "Library", "Logs", constants.AppName, "audit"), nil
	default:
		return filepath.Join(home, ".local", "share", constants.AppName, "audit"), nil
	}
}

func (al *AuditLogger) Log(event AuditEvent) {
	if al == nil {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	now := time.Now()

	if now.Sub(al.windowStart) > time.Minute {
		al.windowStart = now
		al.logCount = make(map[string]int)
	}

	totalLogs := 0
	for _, count := range al.logCount {
		totalLogs += count
	}

	if totalLogs >= constants.MaxAuditLogsPerMinute {
		return
	}

	al.logCount[event.EventType]++
	event.Timestamp = now
	al.enc.Encode(event)
}

func (al *AuditLogger) LogAuthFailure(ip, peerID, reason string) {
	al.Log(AuditEvent{
		EventType: "auth_failure",
		IP:        ip,
		PeerID:    peerID,
		Details:   reason,
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogAPIKeyMismatch(ip string) {
	al.Log(AuditEvent{
		EventType: "api_key_mismatch",
		IP:        ip,
		Details:   "Access key rejected, connection closed",
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogRateLimit(ip, peerID string) {
	al.Log(AuditEvent{
		EventType: "rate_limit",
		IP:        ip,
		PeerID:    peerID,
		Details:   "Poll interval not elapsed",
		Severity:  "info",
	})
}

func (al *AuditLogger) LogBruteForce(ip, peerID string, attempts int) {
	al.Log(AuditEvent{
		EventType: "brute_force",
		IP:        ip,
		PeerID:    peerID,
		Details:   fmt.Sprintf("Multiple failed reconnect attempts: %d", attempts),
		Severity:  "critical",
	})
}

func (al *AuditLogger) LogConnectionLimit(ip string) {
	al.Log(AuditEvent{
		EventType: "connection_limit",
		IP:        ip,
		Details:   "Connection limit exceeded",
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogPeerOpen(ip, peerID string) {
	al.Log(AuditEvent{
		EventType: "peer_open",
		IP:        ip,
		PeerID:    peerID,
		Details:   "Peer created",
		Severity:  "info",
	})
}

func (al *AuditLogger) LogPeerReconnect(ip, peerID string) {
	al.Log(AuditEvent{
		EventType: "peer_reconnect",
		IP:        ip,
		PeerID:    peerID,
		Details:   "Peer identity resumed",
		Severity:  "info",
	})
}

func (al *AuditLogger) LogPeerDestroy(ip, peerID string) {
	al.Log(AuditEvent{
		EventType: "peer_destroy",
		IP:        ip,
		PeerID:    peerID,
		Details:   "Peer and mailbox removed",
		Severity:  "info",
	})
}

func (al *AuditLogger) LogIDCollision(peerID string, attempts int) {
	al.Log(AuditEvent{
		EventType: "id_collision",
		PeerID:    peerID,
		Details:   fmt.Sprintf("Peer id candidates exhausted after %d attempts, inserted last candidate", attempts),
		Severity:  "critical",
	})
}

func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.out != nil {
		return al.out.Close()
	}
	return nil
}
