// Package protocol defines the JSON-RPC style envelopes exchanged over the
// relay websocket and the closed set of methods a client may call.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
)

const Version = "2.0"

type Method int

const (
	MethodOpen Method = iota + 1
	MethodReconnect
	MethodDestroy
	MethodSend
	MethodPoll
)

var methodNames = [...]string{
	MethodOpen:      "open",
	MethodReconnect: "reconnect",
	MethodDestroy:   "destroy",
	MethodSend:      "send",
	MethodPoll:      "poll",
}

func (m Method) String() string {
	if m < MethodOpen || m > MethodPoll {
		return "unknown"
	}
	return methodNames[m]
}

func ParseMethod(name string) (Method, bool) {
	for m := MethodOpen; m <= MethodPoll; m++ {
		if methodNames[m] == name {
			return m, true
		}
	}
	return 0, false
}

// Handshake message kinds. The relay never looks inside the content.
const (
	KindOffer        = "offer"
	KindAnswer       = "answer"
	KindICECandidate = "ice-candidate"
)

func ValidKind(kind string) bool {
	switch kind {
	case KindOffer, KindAnswer, KindICECandidate:
		return true
	}
	return false
}

var (
	ErrMalformed     = errors.New("malformed request")
	ErrUnknownMethod = errors.New("unknown method")
)

type Request struct {
	JSONRPC string `json:"jsonrpc,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id,omitempty"`
}

type rawRequest struct {
	Method json.RawMessage `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

// Call is a decoded inbound request. ID holds the raw correlation id exactly
// as the client sent it and is empty for fire-and-forget requests, including
// those sent with "id": "".
type Call struct {
	Method Method
	Params json.RawMessage
	ID     json.RawMessage
}

// DecodeCall parses one frame. On ErrUnknownMethod the returned Call still
// carries the ID so the rejection can be correlated; on ErrMalformed it does
// not.
func DecodeCall(frame []byte) (Call, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 || frame[0] != '{' {
		return Call{}, ErrMalformed
	}
	var raw rawRequest
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Call{}, ErrMalformed
	}

	var call Call
	switch id := bytes.TrimSpace(raw.ID); {
	case len(id) == 0 || bytes.Equal(id, []byte("null")) || bytes.Equal(id, []byte(`""`)):
		// An empty string id cannot be correlated by browser clients, which
		// test the id for truthiness, so it is treated as no id.
	case id[0] == '"' || id[0] == '-' || (id[0] >= '0' && id[0] <= '9'):
		call.ID = id
	default:
		return Call{}, ErrMalformed
	}

	var name string
	if err := json.Unmarshal(raw.Method, &name); err != nil {
		return call, ErrUnknownMethod
	}
	method, ok := ParseMethod(name)
	if !ok {
		return call, ErrUnknownMethod
	}
	call.Method = method
	call.Params = raw.Params
	return call, nil
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type SuccessResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result"`
	ID      json.RawMessage `json:"id"`
}

type ErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Error   ErrorBody       `json:"error"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// RawResponse is the client-side view of either response shape.
type RawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *ErrorBody      `json:"error"`
	ID      json.RawMessage `json:"id"`
}

type OpenParams struct {
	Key string `json:"key,omitempty"`
}

type ReconnectParams struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

type SendParams struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Content string `json:"content"`
}

type OpenResult struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

type Delivery struct {
	Type    string `json:"type"`
	Source  string `json:"source"`
	Content string `json:"content"`
}
