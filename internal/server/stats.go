package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
)

// Stats counts relay activity. It satisfies session.Recorder.
type Stats struct {
	connections       atomic.Int64
	peersOpened       atomic.Int64
	reconnects        atomic.Int64
	peersDestroyed    atomic.Int64
	messagesRelayed   atomic.Int64
	messagesDelivered atomic.Int64
	idCollisions      atomic.Int64
}

func (st *Stats) PeerOpened()             { st.peersOpened.Add(1) }
func (st *Stats) PeerReconnected()        { st.reconnects.Add(1) }
func (st *Stats) PeerDestroyed()          { st.peersDestroyed.Add(1) }
func (st *Stats) MessageRelayed()         { st.messagesRelayed.Add(1) }
func (st *Stats) MessagesDelivered(n int) { st.messagesDelivered.Add(int64(n)) }
func (st *Stats) IDCollision()            { st.idCollisions.Add(1) }

type StatsSnapshot struct {
	ActiveConnections int64  `json:"active_connections"`
	PeersOpened       int64  `json:"peers_opened"`
	Reconnects        int64  `json:"reconnects"`
	PeersDestroyed    int64  `json:"peers_destroyed"`
	MessagesRelayed   int64  `json:"messages_relayed"`
	MessagesDelivered int64  `json:"messages_delivered"`
	IDCollisions      int64  `json:"id_collisions"`
	Backend           string `json:"backend"`
}

func (st *Stats) Snapshot(backend string) StatsSnapshot {
	return StatsSnapshot{
		ActiveConnections: st.connections.Load(),
		PeersOpened:       st.peersOpened.Load(),
		Reconnects:        st.reconnects.Load(),
		PeersDestroyed:    st.peersDestroyed.Load(),
		MessagesRelayed:   st.messagesRelayed.Load(),
		MessagesDelivered: st.messagesDelivered.Load(),
		IDCollisions:      st.idCollisions.Load(),
		Backend:           backend,
	}
}

func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Stats.Snapshot(s.Store.Backend())); err != nil {
		log.Printf("Failed to write stats: %v", err)
	}
}
