// Package client is a Go counterpart of the browser relay client: it dials
// the relay, correlates JSON-RPC replies by id and exposes one method per
// relay operation.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"flarepeer/internal/constants"
	"flarepeer/internal/logger"
	"flarepeer/internal/protocol"
	"flarepeer/internal/utils"
)

var ErrClosed = errors.New("relay connection closed")

// RPCError is an error reply from the relay. Code is the HTTP-style status.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
}

// IsCode reports whether err is an RPCError with the given code.
func IsCode(err error, code int) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

// HandshakeError means the relay answered the upgrade request with a plain
// HTTP status instead of switching protocols.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("relay returned %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

type Options struct {
	SkipTLSVerify bool
	Header        http.Header
	Transcript    *logger.Logger
}

type Client struct {
	ws  *websocket.Conn
	log *logger.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.RawResponse
	err     error
	done    chan struct{}
}

// Dial connects to the relay. http(s) URLs are accepted and rewritten to
// ws(s).
func Dial(ctx context.Context, serverURL string, opts Options) (*Client, error) {
	wsURL, skipTLSVerify := utils.NormalizeServerURL(serverURL)

	dialer := &websocket.Dialer{
		ReadBufferSize:   constants.WSBufferSize,
		WriteBufferSize:  constants.WSBufferSize,
		HandshakeTimeout: constants.WSHandshakeTimeout,
	}
	if skipTLSVerify || opts.SkipTLSVerify {
		opts.Transcript.LogEvent(fmt.Sprintf("TLS verify skip enabled for: %s", wsURL))
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	opts.Transcript.LogEvent(fmt.Sprintf("Connecting to relay: %s", wsURL))
	ws, resp, err := dialer.DialContext(ctx, wsURL, opts.Header)
	if err != nil {
		opts.Transcript.LogError(logger.DirectionOut, err)
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	ws.SetReadLimit(int64(constants.MaxWSMessageSize))
	opts.Transcript.LogEvent(fmt.Sprintf("Connected to %s", ws.RemoteAddr()))

	c := &Client{
		ws:      ws,
		log:     opts.Transcript,
		pending: make(map[string]chan protocol.RawResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// DialRetry dials until it succeeds, ctx ends or attempts dials have failed,
// backing off exponentially in between. A relay that refuses the upgrade is
// not retried.
func DialRetry(ctx context.Context, serverURL string, opts Options, attempts int) (*Client, error) {
	b := &backoff.Backoff{
		Min:    constants.DialRetryMin,
		Max:    constants.DialRetryMax,
		Factor: 2,
		Jitter: true,
	}
	for {
		c, err := Dial(ctx, serverURL, opts)
		if err == nil {
			return c, nil
		}
		var hsErr *HandshakeError
		if errors.As(err, &hsErr) || int(b.Attempt())+1 >= attempts {
			return nil, err
		}

		d := b.Duration()
		log.Printf("Connection error: %v (attempt %d/%d), retrying in %s", err, int(b.Attempt()), attempts, d)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
}

func (c *Client) Open(ctx context.Context, key string) (protocol.OpenResult, error) {
	var res protocol.OpenResult
	err := c.call(ctx, protocol.MethodOpen, protocol.OpenParams{Key: key}, &res)
	return res, err
}

func (c *Client) Reconnect(ctx context.Context, id, token string) error {
	return c.call(ctx, protocol.MethodReconnect, protocol.ReconnectParams{ID: id, Token: token}, nil)
}

func (c *Client) Destroy(ctx context.Context) error {
	return c.call(ctx, protocol.MethodDestroy, nil, nil)
}

// Send queues a handshake message for peerID. kind is one of
// protocol.KindOffer, KindAnswer or KindICECandidate.
func (c *Client) Send(ctx context.Context, peerID, kind, content string) error {
	return c.call(ctx, protocol.MethodSend, protocol.SendParams{Type: kind, ID: peerID, Content: content}, nil)
}

func (c *Client) Poll(ctx context.Context) ([]protocol.Delivery, error) {
	var out []protocol.Delivery
	err := c.call(ctx, protocol.MethodPoll, nil, &out)
	return out, err
}

// Notify sends a request without an id. The relay runs it but never answers.
func (c *Client) Notify(method protocol.Method, params any) error {
	return c.write(protocol.Request{JSONRPC: protocol.Version, Method: method.String(), Params: params})
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a normal closure and waits for the read loop to stop.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(constants.WSWriteTimeout))
	c.ws.Close()
	<-c.done
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

func (c *Client) call(ctx context.Context, method protocol.Method, params any, result any) error {
	id := uuid.NewString()
	ch := make(chan protocol.RawResponse, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(protocol.Request{JSONRPC: protocol.Version, Method: method.String(), Params: params, ID: id}); err != nil {
		forget()
		return err
	}

	var resp protocol.RawResponse
	select {
	case resp = <-ch:
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case <-c.done:
		forget()
		return fmt.Errorf("%w: %v", ErrClosed, c.closeErr())
	}

	if resp.Error != nil {
		return &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) write(req protocol.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(constants.WSWriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.LogError(logger.DirectionOut, err)
		return fmt.Errorf("write %s: %w", req.Method, err)
	}
	c.log.LogFrame(logger.DirectionOut, req.Method, req.ID, len(data))
	return nil
}

func (c *Client) readLoop() {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var resp protocol.RawResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.JSONRPC != protocol.Version {
			c.log.LogError(logger.DirectionIn, fmt.Errorf("invalid response: %s", data))
			continue
		}

		var id string
		if len(resp.ID) > 0 {
			json.Unmarshal(resp.ID, &id)
		}
		c.log.LogFrame(logger.DirectionIn, "", id, len(data))

		if id == "" {
			if resp.Error != nil {
				log.Printf("⚠️  Relay error: %s", resp.Error.Message)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.log.LogEvent(fmt.Sprintf("Connection closed: %v", err))
	close(c.done)
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
