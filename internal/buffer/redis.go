package buffer

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// DefaultRedisPrefix namespaces buffer keys.
const DefaultRedisPrefix = "carepipe:buffer:"

// RedisBuffer stores each patient's fragments in a Redis list.
type RedisBuffer struct {
	rdb    goredis.UniversalClient
	prefix string
	log    *logger.Logger
}

// RedisOption configures a RedisBuffer.
type RedisOption func(*RedisBuffer)

// WithRedisLogger sets the logger used for undecodable entries.
func WithRedisLogger(l *logger.Logger) RedisOption {
	return func(b *RedisBuffer) {
		if l != nil {
			b.log = l
		}
	}
}

// NewRedisBuffer creates a buffer on an existing client.
func NewRedisBuffer(rdb goredis.UniversalClient, opts ...RedisOption) *RedisBuffer {
	b := &RedisBuffer{rdb: rdb, prefix: DefaultRedisPrefix, log: logger.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBuffer) key(patientID string) string { return b.prefix + patientID }

func (b *RedisBuffer) deadLetterKey(patientID string) string {
	return b.prefix + "deadletter:" + patientID
}

func (b *RedisBuffer) Append(ctx context.Context, f models.MessageFragment) error {
	f, err := validate(f)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}
	if err := b.rdb.RPush(ctx, b.key(f.PatientID), raw).Err(); err != nil {
		return fmt.Errorf("redis append %s: %w", f.PatientID, err)
	}
	return nil
}

// Flush reads and deletes the list in one transaction. Once the delete has
// committed it never fails: entries that do not decode are moved to the
// patient's dead-letter list and the rest are returned.
func (b *RedisBuffer) Flush(ctx context.Context, patientID string) ([]models.MessageFragment, error) {
	var lrange *goredis.StringSliceCmd
	_, err := b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		lrange = pipe.LRange(ctx, b.key(patientID), 0, -1)
		pipe.Del(ctx, b.key(patientID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis flush %s: %w", patientID, err)
	}

	items := lrange.Val()
	out := make([]models.MessageFragment, 0, len(items))
	var dead []any
	for i, raw := range items {
		var f models.MessageFragment
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			b.log.Error("RedisBuffer.Flush: undecodable fragment moved to dead letters",
				"patient_id", patientID, "position", i, "error", err)
			dead = append(dead, raw)
			continue
		}
		f.Seq = int64(len(out) + 1)
		out = append(out, f)
	}
	if len(dead) > 0 {
		if err := b.rdb.RPush(context.WithoutCancel(ctx), b.deadLetterKey(patientID), dead...).Err(); err != nil {
			b.log.Error("RedisBuffer.Flush: dead letter write failed",
				"patient_id", patientID, "entries", len(dead), "error", err)
		}
	}
	return out, nil
}

// Restore pushes frags back onto the head of the list in their original order.
func (b *RedisBuffer) Restore(ctx context.Context, patientID string, frags []models.MessageFragment) error {
	if len(frags) == 0 {
		return nil
	}
	// LPUSH inserts one value at a time at the head, so push in reverse.
	values := make([]any, 0, len(frags))
	for i := len(frags) - 1; i >= 0; i-- {
		raw, err := json.Marshal(frags[i])
		if err != nil {
			return fmt.Errorf("marshal fragment: %w", err)
		}
		values = append(values, raw)
	}
	if err := b.rdb.LPush(ctx, b.key(patientID), values...).Err(); err != nil {
		return fmt.Errorf("redis restore %s: %w", patientID, err)
	}
	return nil
}

// DeadLetters returns the raw entries Flush could not decode for patientID.
func (b *RedisBuffer) DeadLetters(ctx context.Context, patientID string) ([]string, error) {
	items, err := b.rdb.LRange(ctx, b.deadLetterKey(patientID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis dead letters %s: %w", patientID, err)
	}
	return items, nil
}

func (b *RedisBuffer) Len(ctx context.Context, patientID string) (int, error) {
	n, err := b.rdb.LLen(ctx, b.key(patientID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis len %s: %w", patientID, err)
	}
	return int(n), nil
}
