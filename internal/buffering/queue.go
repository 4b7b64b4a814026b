package buffering

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// memoryQueue is the default in-process Queue: a slice guarded by a mutex,
// matching spec.md §5's "thread-safe queue plus an atomic flush-in-flight
// flag" resource model.
type memoryQueue struct {
	mu    sync.Mutex
	items []queued
}

func newMemoryQueue() *memoryQueue { return &memoryQueue{} }

func (q *memoryQueue) Push(item queued) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

func (q *memoryQueue) Drain() []queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

func (q *memoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// redisQueue backs the buffering wrapper's backlog with a Redis list, so
// several service instances behind a load balancer can share one queue
// instead of each holding its own in-process backlog. Construction mirrors
// the pack's redisstreams distributed-queue example's options style.
type redisQueue struct {
	client *redis.Client
	key    string
}

// RedisQueueOption configures a NewRedisQueue at construction, mirroring
// the pack's redisstreams distributed-queue example's functional-options
// style.
type RedisQueueOption func(*redisQueueConfig)

type redisQueueConfig struct {
	addr     string
	password string
	db       int
	prefix   string
}

func WithAddr(addr string) RedisQueueOption {
	return func(c *redisQueueConfig) { c.addr = addr }
}

func WithPassword(password string) RedisQueueOption {
	return func(c *redisQueueConfig) { c.password = password }
}

func WithDB(db int) RedisQueueOption {
	return func(c *redisQueueConfig) { c.db = db }
}

func WithPrefix(prefix string) RedisQueueOption {
	return func(c *redisQueueConfig) { c.prefix = prefix }
}

// NewRedisQueue builds a Queue backed by a Redis list, letting several
// service instances behind a load balancer share one buffering backlog.
func NewRedisQueue(opts ...RedisQueueOption) Queue {
	cfg := redisQueueConfig{prefix: "assure"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &redisQueue{
		client: redis.NewClient(&redis.Options{Addr: cfg.addr, Password: cfg.password, DB: cfg.db}),
		key:    cfg.prefix + ":buffering:queue",
	}
}

func newRedisQueue(addr, password string, db int, prefix string) *redisQueue {
	q := NewRedisQueue(WithAddr(addr), WithPassword(password), WithDB(db), WithPrefix(prefix)).(*redisQueue)
	return q
}

type wireItem struct {
	Topic string         `json:"topic"`
	Event map[string]any `json:"event"`
}

func (q *redisQueue) Push(item queued) {
	raw, err := json.Marshal(wireItem{Topic: item.topic, Event: item.event})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = q.client.RPush(ctx, q.key, raw).Err()
}

func (q *redisQueue) Drain() []queued {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out []queued
	for {
		raw, err := q.client.LPop(ctx, q.key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			break
		}
		var wi wireItem
		if err := json.Unmarshal([]byte(raw), &wi); err != nil {
			continue
		}
		out = append(out, queued{topic: wi.Topic, event: wi.Event})
	}
	return out
}

func (q *redisQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
