package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const relayChannelPrefix = "signal:user:"

func relayChannel(userID string) string { return relayChannelPrefix + userID }

// relayFrame is what travels over redis. Origin lets a node drop its own publishes.
type relayFrame struct {
	Origin  string          `json:"origin"`
	UserID  string          `json:"userId"`
	Payload json.RawMessage `json:"payload"`
}

// RedisRelay fans frames out to other API nodes over redis pub/sub.
// A node is subscribed to a user's channel exactly while it holds a local
// connection for that user, so PUBLISH's receiver count doubles as presence.
type RedisRelay struct {
	rdb    *redis.Client
	nodeID string
	log    *slog.Logger

	mu      sync.Mutex
	ps      *redis.PubSub
	subs    map[string]struct{}
	deliver func(userID string, payload []byte) int
}

func NewRedisRelay(rdb *redis.Client, nodeID string, log *slog.Logger) *RedisRelay {
	if log == nil {
		log = slog.Default()
	}
	return &RedisRelay{rdb: rdb, nodeID: nodeID, log: log, subs: map[string]struct{}{}}
}

// Start opens the subscription connection and hands received frames to
// deliver until ctx is done.
func (r *RedisRelay) Start(ctx context.Context, deliver func(userID string, payload []byte) int) {
	r.mu.Lock()
	r.deliver = deliver
	r.ps = r.rdb.Subscribe(ctx)
	ch := r.ps.Channel()
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.handle(msg.Payload)
			}
		}
	}()
}

func (r *RedisRelay) handle(raw string) {
	var f relayFrame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		r.log.Warn("relay frame unreadable", "err", err)
		return
	}
	if f.Origin == r.nodeID || f.UserID == "" {
		return
	}
	r.mu.Lock()
	deliver := r.deliver
	r.mu.Unlock()
	if deliver != nil {
		deliver(f.UserID, f.Payload)
	}
}

func (r *RedisRelay) Publish(ctx context.Context, userID string, payload []byte) (bool, error) {
	b, err := json.Marshal(relayFrame{Origin: r.nodeID, UserID: userID, Payload: payload})
	if err != nil {
		return false, err
	}
	n, err := r.rdb.Publish(ctx, relayChannel(userID), b).Result()
	if err != nil {
		return false, err
	}
	if r.subscribed(userID) {
		n--
	}
	return n > 0, nil
}

func (r *RedisRelay) subscribed(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[userID]
	return ok
}

func (r *RedisRelay) Subscribe(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ps == nil {
		return nil
	}
	if _, ok := r.subs[userID]; ok {
		return nil
	}
	if err := r.ps.Subscribe(ctx, relayChannel(userID)); err != nil {
		return err
	}
	r.subs[userID] = struct{}{}
	return nil
}

func (r *RedisRelay) Unsubscribe(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ps == nil {
		return nil
	}
	if _, ok := r.subs[userID]; !ok {
		return nil
	}
	delete(r.subs, userID)
	return r.ps.Unsubscribe(ctx, relayChannel(userID))
}

func (r *RedisRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ps == nil {
		return nil
	}
	err := r.ps.Close()
	r.ps = nil
	return err
}
