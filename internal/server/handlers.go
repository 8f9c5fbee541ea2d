package server

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"flarepeer/internal/constants"
	"flarepeer/internal/security"
)

// HandleWebSocket upgrades any path to a relay connection and serves it
// until the client goes away.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.Config.Secret == "" {
		http.Error(w, constants.MsgSecretNotSet, http.StatusInternalServerError)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, constants.MsgUpgradeRequired, http.StatusUpgradeRequired)
		return
	}

	clientIP := security.GetClientIP(r)

	if !security.ValidateOrigin(r, s.Config.AllowedOrigins) {
		log.Printf("⛔ Origin rejected: %q from %s", r.Header.Get("Origin"), clientIP)
		http.Error(w, constants.MsgOriginRejected, http.StatusForbidden)
		return
	}

	if !s.ConnLimiter.TryConnect(clientIP) {
		s.AuditLogger.LogConnectionLimit(clientIP)
		http.Error(w, constants.MsgConnLimit, http.StatusTooManyRequests)
		return
	}
	defer s.ConnLimiter.Disconnect(clientIP)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade error: %v", err)
		return
	}
	ws.SetReadLimit(int64(constants.MaxWSMessageSize))

	c := s.newConn(ws, clientIP)
	s.track(c)
	defer s.untrack(c)

	log.Printf("🔌 Connection opened from %s", clientIP)
	c.serve()
	log.Printf("🔌 Connection closed from %s", clientIP)
}
