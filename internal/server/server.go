package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/jpillora/sizestr"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"flarepeer/internal/constants"
	"flarepeer/internal/mailbox"
	"flarepeer/internal/security"
)

type Server struct {
	Config         Config
	Store          mailbox.StoreInterface
	ConnLimiter    *security.ConnectionLimiter
	BruteProtector *security.BruteForceProtector
	AuditLogger    *security.AuditLogger
	Stats          *Stats

	upgrader websocket.Upgrader
	connMu   sync.Mutex
	conns    map[*conn]struct{}
}

// NewServer wires the relay from cfg and the environment: the mailbox
// backend comes from REDIS_* and the audit log from FLAREPEER_AUDIT_DIR.
func NewServer(cfg Config) (*Server, error) {
	store, err := mailbox.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mailbox store: %w", err)
	}

	auditLogger, err := security.GetAuditLogger()
	if err != nil {
		log.Printf("Warning: Failed to initialize audit logger: %v", err)
	}

	return New(cfg, store, auditLogger), nil
}

// New builds a relay around an existing store. audit may be nil.
func New(cfg Config, store mailbox.StoreInterface, audit *security.AuditLogger) *Server {
	s := &Server{
		Config:         cfg,
		Store:          store,
		ConnLimiter:    security.NewConnectionLimiter(cfg.MaxConnPerIP),
		BruteProtector: security.NewBruteForceProtector(constants.MaxAuthAttempts, constants.BlockDuration),
		AuditLogger:    audit,
		Stats:          &Stats{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:   constants.WSBufferSize,
			WriteBufferSize:  constants.WSBufferSize,
			HandshakeTimeout: constants.WSHandshakeTimeout,
			// Origins are checked before the upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}

	s.Store.OnCollision(func(id string, attempts int) {
		s.Stats.IDCollision()
		s.AuditLogger.LogIDCollision(id, attempts)
	})

	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(constants.EndpointStats, s.routeStats)
	mux.HandleFunc(constants.EndpointRoot, s.HandleWebSocket)

	var handler http.Handler = mux
	handler = RecoveryMiddleware(handler)
	handler = CorsMiddleware(handler)
	handler = security.SecurityHeaders(handler)
	if s.Config.RequestLog {
		handler = requestlog.Wrap(handler)
	}
	return handler
}

// routeStats lets clients upgrade on /stats like on any other path.
func (s *Server) routeStats(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.HandleWebSocket(w, r)
		return
	}
	s.HandleStats(w, r)
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              ":" + s.Config.Port,
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	if s.Config.Secret == "" {
		log.Printf("⚠️  %s: every connection will be refused", constants.MsgSecretNotSet)
	}
	if s.Config.APIKey != "" {
		log.Printf("🔐 Access key required for open")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	log.Printf("🚀 %s relay starting on :%s (store: %s, poll interval: %s, max frame: %s)",
		constants.AppName, s.Config.Port, s.Store.Backend(), s.Config.pollLimit(),
		sizestr.ToString(int64(constants.MaxWSMessageSize)))

	select {
	case err := <-errCh:
		s.Cleanup()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Println("🛑 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	s.Cleanup()
	log.Println("✅ Server stopped")
	return nil
}

// Cleanup closes every live connection and releases the store.
func (s *Server) Cleanup() {
	s.connMu.Lock()
	for c := range s.conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	s.connMu.Unlock()

	s.BruteProtector.Close()
	if err := s.Store.Close(); err != nil {
		log.Printf("Failed to close mailbox store: %v", err)
	}
	if s.AuditLogger != nil {
		s.AuditLogger.Close()
	}
}

func (s *Server) track(c *conn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
	s.Stats.connections.Add(1)
}

func (s *Server) untrack(c *conn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
	s.Stats.connections.Add(-1)
}
