// Package rpc turns inbound websocket frames into session operations and
// their outcomes back into response frames.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"

	"flarepeer/internal/protocol"
	"flarepeer/internal/session"
)

// Outcome is the result of dispatching one frame. Reply is nil when nothing
// must be written back.
type Outcome struct {
	Reply     []byte
	Terminate bool
}

type openParams struct {
	Key json.RawMessage `json:"key"`
}

type reconnectParams struct {
	ID    json.RawMessage `json:"id"`
	Token json.RawMessage `json:"token"`
}

type sendParams struct {
	Type    json.RawMessage `json:"type"`
	ID      json.RawMessage `json:"id"`
	Content json.RawMessage `json:"content"`
}

// Dispatch decodes frame, runs the named operation against sess and encodes
// the reply. Requests without an id never get a reply; frames that are not a
// request envelope get an untagged error.
func Dispatch(ctx context.Context, sess *session.Session, frame []byte) Outcome {
	call, err := protocol.DecodeCall(frame)
	if errors.Is(err, protocol.ErrMalformed) {
		return Outcome{Reply: encodeError(nil, session.KindBadRequest)}
	}
	if err != nil {
		return reply(call.ID, nil, &session.Error{Kind: session.KindBadRequest, Err: err})
	}

	result, err := invoke(ctx, sess, call)
	if errors.Is(err, session.ErrTerminate) {
		return Outcome{Terminate: true}
	}
	return reply(call.ID, result, err)
}

func invoke(ctx context.Context, sess *session.Session, call protocol.Call) (any, error) {
	switch call.Method {
	case protocol.MethodOpen:
		var p openParams
		if err := decodeParams(call.Params, &p); err != nil {
			return nil, err
		}
		return sess.Open(ctx, stringField(p.Key))

	case protocol.MethodReconnect:
		var p reconnectParams
		if err := decodeParams(call.Params, &p); err != nil {
			return nil, err
		}
		return nil, sess.Reconnect(ctx, stringField(p.ID), stringField(p.Token))

	case protocol.MethodDestroy:
		return nil, sess.Destroy(ctx)

	case protocol.MethodSend:
		var p sendParams
		if err := decodeParams(call.Params, &p); err != nil {
			return nil, err
		}
		return nil, sess.Send(ctx, stringField(p.ID), stringField(p.Type), stringField(p.Content))

	case protocol.MethodPoll:
		return sess.Poll(ctx)
	}
	return nil, &session.Error{Kind: session.KindBadRequest, Err: protocol.ErrUnknownMethod}
}

// decodeParams accepts a missing or null params member and otherwise
// requires a JSON object.
func decodeParams(raw json.RawMessage, into any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] != '{' {
		return &session.Error{Kind: session.KindBadRequest}
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &session.Error{Kind: session.KindBadRequest, Err: err}
	}
	return nil
}

// stringField returns nil unless raw holds a JSON string.
func stringField(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}

func reply(id json.RawMessage, result any, err error) Outcome {
	if len(id) == 0 {
		return Outcome{}
	}
	if err != nil {
		return Outcome{Reply: encodeError(id, session.KindOf(err))}
	}
	data, encErr := json.Marshal(protocol.SuccessResponse{
		JSONRPC: protocol.Version,
		Result:  result,
		ID:      id,
	})
	if encErr != nil {
		log.Printf("Failed to encode result: %v", encErr)
		return Outcome{Reply: encodeError(id, session.KindInternal)}
	}
	return Outcome{Reply: data}
}

func encodeError(id json.RawMessage, kind session.Kind) []byte {
	data, _ := json.Marshal(protocol.ErrorResponse{
		JSONRPC: protocol.Version,
		Error:   protocol.ErrorBody{Code: int(kind), Message: kind.String()},
		ID:      id,
	})
	return data
}
