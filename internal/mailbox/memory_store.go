package mailbox

import (
	"context"
	"log"
	"sync"
	"time"

	"flarepeer/internal/constants"
)

type MemoryStore struct {
	mu          sync.Mutex
	peers       map[string]time.Time
	mailboxes   map[string][]Message
	newID       func() string
	onCollision func(id string, attempts int)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		peers:     make(map[string]time.Time),
		mailboxes: make(map[string][]Message),
		newID:     defaultIDGenerator,
	}
}

func (st *MemoryStore) OnCollision(fn func(id string, attempts int)) {
	st.onCollision = fn
}

func (st *MemoryStore) Backend() string {
	return "memory"
}

func (st *MemoryStore) PeerExists(_ context.Context, id string) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.peers[id]
	return ok, nil
}

func (st *MemoryStore) CreatePeer(ctx context.Context, now time.Time) (string, error) {
	st.mu.Lock()
	id, exhausted, err := drawPeerID(ctx, st.newID, func(_ context.Context, id string) (bool, error) {
		_, ok := st.peers[id]
		return ok, nil
	})
	if err != nil {
		st.mu.Unlock()
		return "", err
	}
	st.peers[id] = now
	st.mu.Unlock()

	if exhausted {
		log.Printf("⚠️  Peer id candidates exhausted, reusing %s", id)
		if st.onCollision != nil {
			st.onCollision(id, constants.PeerIDAttempts)
		}
	}
	return id, nil
}

func (st *MemoryStore) DeletePeer(_ context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	delete(st.peers, id)
	delete(st.mailboxes, id)
	for dest, queue := range st.mailboxes {
		kept := queue[:0]
		for _, msg := range queue {
			if msg.Source != id {
				kept = append(kept, msg)
			}
		}
		if len(kept) == 0 {
			delete(st.mailboxes, dest)
			continue
		}
		st.mailboxes[dest] = kept
	}
	return nil
}

func (st *MemoryStore) Enqueue(_ context.Context, msg Message) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.peers[msg.Source]; !ok {
		return ErrSenderGone
	}
	if _, ok := st.peers[msg.Destination]; !ok {
		return ErrPeerNotFound
	}
	st.mailboxes[msg.Destination] = append(st.mailboxes[msg.Destination], msg)
	return nil
}

func (st *MemoryStore) Drain(_ context.Context, destination string) ([]Delivery, error) {
	st.mu.Lock()
	queue := st.mailboxes[destination]
	delete(st.mailboxes, destination)
	st.mu.Unlock()

	out := make([]Delivery, 0, len(queue))
	for _, msg := range queue {
		out = append(out, Delivery{Source: msg.Source, Kind: msg.Kind, Content: msg.Content})
	}
	return out, nil
}

func (st *MemoryStore) Close() error {
	return nil
}
