package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/ShayCichocki/spectree/pkg/models"
)

// RedisBackend stores messages in Redis so several orchestrator processes
// can share one bus. Each message is a JSON string; each inbox is a list of
// pending ids in arrival order; each node has a log list for history.
type RedisBackend struct {
	client *backend.Client
	prefix string
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisBackend) {
		r.prefix = prefix
	}
}

// NewRedisBackend connects to a Redis server.
func NewRedisBackend(address, password string, db int, opts ...RedisOption) *RedisBackend {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisBackendFromClient(rdb, opts...)
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *backend.Client, opts ...RedisOption) *RedisBackend {
	r := &RedisBackend{
		client: client,
		prefix: "spectree:bus:",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) seqKey() string            { return r.prefix + "seq" }
func (r *RedisBackend) msgKey(id string) string   { return r.prefix + "msg:" + id }
func (r *RedisBackend) inboxKey(to string) string { return r.prefix + "inbox:" + to }
func (r *RedisBackend) logKey(node string) string { return r.prefix + "log:" + node }

// Append stores a message and sets its arrival sequence.
func (r *RedisBackend) Append(ctx context.Context, msg *models.Message) error {
	seq, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate message seq: %w", err)
	}
	msg.Seq = seq

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.Set(ctx, r.msgKey(msg.ID), data, 0)
		pipe.RPush(ctx, r.inboxKey(msg.To), msg.ID)
		pipe.RPush(ctx, r.logKey(msg.To), msg.ID)
		if msg.From != msg.To {
			pipe.RPush(ctx, r.logKey(msg.From), msg.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Pending returns unconsumed messages for a recipient in arrival order.
func (r *RedisBackend) Pending(ctx context.Context, recipient string) ([]models.Message, error) {
	ids, err := r.client.LRange(ctx, r.inboxKey(recipient), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	msgs, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	pending := msgs[:0]
	for _, m := range msgs {
		if !m.Consumed() {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// MarkConsumed acknowledges messages and removes them from their inbox.
func (r *RedisBackend) MarkConsumed(ctx context.Context, ids []string, at time.Time) error {
	msgs, err := r.load(ctx, ids)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		for i := range msgs {
			m := &msgs[i]
			if m.Consumed() {
				continue
			}
			consumed := at
			m.ConsumedAt = &consumed
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			pipe.Set(ctx, r.msgKey(m.ID), data, 0)
			pipe.LRem(ctx, r.inboxKey(m.To), 0, m.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark consumed: %w", err)
	}
	return nil
}

// History returns recent traffic for a node, oldest first.
func (r *RedisBackend) History(ctx context.Context, nodeID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.LRange(ctx, r.logKey(nodeID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return r.load(ctx, ids)
}

// load fetches messages by id, skipping ids whose payload is missing.
func (r *RedisBackend) load(ctx context.Context, ids []string) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.msgKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	msgs := make([]models.Message, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var m models.Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
