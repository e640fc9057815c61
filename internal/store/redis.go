package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// putScript writes the value, bumps its position in the write-order index
// and announces the change in one round trip.
var putScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], seq, ARGV[1])
redis.call('PUBLISH', ARGV[3], ARGV[1])
return seq
`)

const changePattern = "bus:*:changed"

// RedisStore keeps each namespace in a hash, orders keys by write sequence in
// a sorted set and signals watchers over pub/sub.
type RedisStore struct {
	client *redis.Client
	hub    *hub

	mu sync.Mutex
	ps *redis.PubSub
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return NewRedisStoreFromClient(c)
}

func NewRedisStoreFromClient(c *redis.Client) *RedisStore {
	return &RedisStore{client: c, hub: newHub()}
}

func hashKey(ref Ref) string { return "bus:" + ref.BusID + ":" + string(ref.Namespace) }

func orderKey(ref Ref) string { return hashKey(ref) + ":order" }

func seqKey(ref Ref) string { return hashKey(ref) + ":seq" }

func changeTopic(ref Ref) string { return hashKey(ref) + ":changed" }

func (r *RedisStore) Put(ctx context.Context, ref Ref, key string, value []byte) error {
	if err := ref.validate(); err != nil {
		return err
	}
	keys := []string{hashKey(ref), orderKey(ref), seqKey(ref)}
	return putScript.Run(ctx, r.client, keys, key, value, changeTopic(ref)).Err()
}

func (r *RedisStore) List(ctx context.Context, ref Ref, limit int) (map[string][]byte, error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		all, err := r.client.HGetAll(ctx, hashKey(ref)).Result()
		if err != nil {
			return nil, err
		}
		out := make(map[string][]byte, len(all))
		for k, v := range all {
			out[k] = []byte(v)
		}
		return out, nil
	}
	keys, err := r.client.ZRevRange(ctx, orderKey(ref), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := r.client.HMGet(ctx, hashKey(ref), keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		// a key indexed but missing from the hash is skipped
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (r *RedisStore) Watch(ctx context.Context, ref Ref, fn func()) (func(), error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	if err := r.listen(ctx); err != nil {
		return nil, err
	}
	return r.hub.add(changeTopic(ref), fn), nil
}

// listen starts the shared pattern subscription on first use. A failed
// attempt is retried by the next Watch.
func (r *RedisStore) listen(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ps != nil {
		return nil
	}
	// the subscription outlives the registering request
	ps := r.client.PSubscribe(context.Background(), changePattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", changePattern, err)
	}
	r.ps = ps
	go relayRedis(ps.ChannelWithSubscriptions(), r.hub)
	return nil
}

// relayRedis forwards change messages to the hub. The initial subscription
// reply is consumed by listen, so a psubscribe seen here is a resubscribe
// after a reconnect and every watcher must re-read.
func relayRedis(ch <-chan interface{}, h *hub) {
	for msg := range ch {
		switch m := msg.(type) {
		case *redis.Message:
			h.notify(m.Channel)
		case *redis.Subscription:
			if m.Kind == "psubscribe" {
				h.notifyAll()
			}
		}
	}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	r.hub.closeAll()
	r.mu.Lock()
	if r.ps != nil {
		_ = r.ps.Close()
		r.ps = nil
	}
	r.mu.Unlock()
	return r.client.Close()
}
