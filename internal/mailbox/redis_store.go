package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"flarepeer/internal/constants"
)

// enqueueScript pushes a message only while both peers exist, and indexes
// the destination under the sender so DeletePeer can find it.
// KEYS: peer:<dest>, mailbox:<dest>, outbox:<source>, peer:<source>.
// ARGV: message, dest. Returns -1 without a sender, 0 without a destination.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 0 then
	return -1
end
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[2])
return 1
`)

// deleteScript removes a peer, its mailbox and every message it queued for
// others in one step.
// KEYS: peer:<id>, mailbox:<id>, outbox:<id>. ARGV: mailbox prefix, id.
var deleteScript = redis.NewScript(`
redis.call('DEL', KEYS[1], KEYS[2])
local dests = redis.call('SMEMBERS', KEYS[3])
for _, dest in ipairs(dests) do
	local key = ARGV[1] .. dest
	local items = redis.call('LRANGE', key, 0, -1)
	for _, item in ipairs(items) do
		local msg = cjson.decode(item)
		if msg.source == ARGV[2] then
			redis.call('LREM', key, 1, item)
		end
	end
end
redis.call('DEL', KEYS[3])
return #dests
`)

type redisMessage struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	CreatedAt   int64  `json:"created_at"`
}

type RedisStore struct {
	client      *redis.Client
	newID       func() string
	onCollision func(id string, attempts int)
}

// NewRedisStore connects to cfg and fails unless the server answers a PING.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), constants.RedisPingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Addr(), err)
	}

	return &RedisStore{
		client: client,
		newID:  defaultIDGenerator,
	}, nil
}

func (st *RedisStore) OnCollision(fn func(id string, attempts int)) {
	st.onCollision = fn
}

func (st *RedisStore) Backend() string {
	return "redis"
}

func (st *RedisStore) PeerExists(ctx context.Context, id string) (bool, error) {
	n, err := st.client.Exists(ctx, constants.RedisPeerPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("check peer: %w", err)
	}
	return n == 1, nil
}

func (st *RedisStore) CreatePeer(ctx context.Context, now time.Time) (string, error) {
	// SETNX claims a candidate and checks it for collision in one round trip.
	id, exhausted, err := drawPeerID(ctx, st.newID, func(ctx context.Context, id string) (bool, error) {
		ok, err := st.client.SetNX(ctx, constants.RedisPeerPrefix+id, now.UnixMilli(), 0).Result()
		if err != nil {
			return false, fmt.Errorf("insert peer: %w", err)
		}
		return !ok, nil
	})
	if err != nil {
		return "", err
	}

	if exhausted {
		if err := st.client.Set(ctx, constants.RedisPeerPrefix+id, now.UnixMilli(), 0).Err(); err != nil {
			return "", fmt.Errorf("insert peer: %w", err)
		}
		log.Printf("⚠️  Peer id candidates exhausted, reusing %s (Redis)", id)
		if st.onCollision != nil {
			st.onCollision(id, constants.PeerIDAttempts)
		}
	}
	return id, nil
}

func (st *RedisStore) DeletePeer(ctx context.Context, id string) error {
	keys := []string{
		constants.RedisPeerPrefix + id,
		constants.RedisMailboxPrefix + id,
		constants.RedisOutboxPrefix + id,
	}
	if err := deleteScript.Run(ctx, st.client, keys, constants.RedisMailboxPrefix, id).Err(); err != nil {
		return fmt.Errorf("delete peer: %w", err)
	}
	return nil
}

func (st *RedisStore) Enqueue(ctx context.Context, msg Message) error {
	data, err := json.Marshal(redisMessage{
		Source:      msg.Source,
		Destination: msg.Destination,
		Type:        msg.Kind,
		Content:     msg.Content,
		CreatedAt:   msg.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	keys := []string{
		constants.RedisPeerPrefix + msg.Destination,
		constants.RedisMailboxPrefix + msg.Destination,
		constants.RedisOutboxPrefix + msg.Source,
		constants.RedisPeerPrefix + msg.Source,
	}
	pushed, err := enqueueScript.Run(ctx, st.client, keys, string(data), msg.Destination).Int()
	if err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	switch pushed {
	case -1:
		return ErrSenderGone
	case 0:
		return ErrPeerNotFound
	}
	return nil
}

func (st *RedisStore) Drain(ctx context.Context, destination string) ([]Delivery, error) {
	key := constants.RedisMailboxPrefix + destination

	var items *redis.StringSliceCmd
	_, err := st.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain mailbox: %w", err)
	}

	raw := items.Val()
	out := make([]Delivery, 0, len(raw))
	for _, item := range raw {
		var msg redisMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			// Already removed from Redis; skipping is the only option left.
			log.Printf("Failed to decode queued message for %s: %v", destination, err)
			continue
		}
		out = append(out, Delivery{Source: msg.Source, Kind: msg.Type, Content: msg.Content})
	}
	return out, nil
}

func (st *RedisStore) Close() error {
	return st.client.Close()
}
