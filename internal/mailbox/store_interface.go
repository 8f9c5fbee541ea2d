package mailbox

import (
	"context"
	"errors"
	"time"
)

// ErrPeerNotFound is returned by Enqueue when the destination peer does not
// exist at insert time.
var ErrPeerNotFound = errors.New("peer not found")

// ErrSenderGone is returned by Enqueue when the source peer was deleted
// before the message could be queued.
var ErrSenderGone = errors.New("sender no longer exists")

// Message is one queued handshake payload.
type Message struct {
	Source      string
	Destination string
	Kind        string
	Content     string
	CreatedAt   time.Time
}

// Delivery is what a drain hands back to the destination.
type Delivery struct {
	Source  string
	Kind    string
	Content string
}

// StoreInterface records known peer ids and the undelivered messages queued
// for them. Implementations must be safe for concurrent use; Drain must hand
// every message to exactly one caller.
type StoreInterface interface {
	PeerExists(ctx context.Context, id string) (bool, error)
	// CreatePeer draws a fresh id, retrying on collision, and inserts it.
	// When every candidate collides the last one is inserted anyway and the
	// OnCollision callback fires.
	CreatePeer(ctx context.Context, now time.Time) (string, error)
	// DeletePeer removes the peer, its mailbox and every message it sent.
	DeletePeer(ctx context.Context, id string) error
	// Enqueue queues msg only while both its source and destination exist.
	Enqueue(ctx context.Context, msg Message) error
	Drain(ctx context.Context, destination string) ([]Delivery, error)
	OnCollision(func(id string, attempts int))
	Backend() string
	Close() error
}
