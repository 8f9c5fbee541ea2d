package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"flarepeer/internal/constants"
	"flarepeer/internal/rpc"
	"flarepeer/internal/session"
)

// conn is one relay client. Each text frame is dispatched on its own
// goroutine; replies share a single writer.
type conn struct {
	ws   *websocket.Conn
	ip   string
	sess *session.Session

	writeMu   sync.Mutex
	closeOnce sync.Once
	inflight  sync.WaitGroup
}

func (s *Server) newConn(ws *websocket.Conn, ip string) *conn {
	c := &conn{ws: ws, ip: ip}
	c.sess = session.New(session.Options{
		Config:   s.Config.sessionConfig(),
		Store:    s.Store,
		RemoteIP: ip,
		Audit:    s.AuditLogger,
		Guard:    s.BruteProtector,
		Recorder: s.Stats,
		OnTimeout: func() {
			c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
		},
	})
	return c
}

func (c *conn) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.inflight.Wait()
		c.sess.Close()
		c.ws.Close()
	}()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Printf("WebSocket read error from %s: %v", c.ip, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		c.inflight.Add(1)
		go c.handle(ctx, data)
	}
}

func (c *conn) handle(ctx context.Context, frame []byte) {
	defer c.inflight.Done()

	out := rpc.Dispatch(ctx, c.sess, frame)
	if out.Reply != nil {
		if err := c.write(out.Reply); err != nil {
			log.Printf("Failed to write reply to %s: %v", c.ip, err)
		}
	}
	if out.Terminate {
		c.closeWith(websocket.ClosePolicyViolation, "access denied")
	}
}

func (c *conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(constants.WSWriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// closeWith sends a close frame and tears the socket down, which ends the
// read loop in serve.
func (c *conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(constants.WSWriteTimeout)); err != nil {
			log.Printf("Failed to send close frame to %s: %v", c.ip, err)
		}
		c.ws.Close()
	})
}
