package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LutendoLukhele/cortex/pkg/models"
)

// Key namespaces in the KV tier.
const (
	shaperKeyPrefix = "shaper"
	dedupKeyPrefix  = "dedup:event"
)

// shaperStateTTL bounds how long an idle (user, source) snapshot survives.
const shaperStateTTL = 7 * 24 * time.Hour

// RedisKV implements KV on a Redis client. Shaper state saves use
// WATCH/MULTI so concurrent shapers for the same (user, source) detect each
// other and retry their diff.
type RedisKV struct {
	client *redis.Client
}

var _ KV = (*RedisKV)(nil)

// NewRedisKV creates the Redis-backed KV tier.
func NewRedisKV(client *redis.Client) *RedisKV {
	if client == nil {
		panic("NewRedisKV: client must not be nil")
	}
	return &RedisKV{client: client}
}

// Ping reports reachability of the Redis tier. Used by the health endpoint.
func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func shaperKey(userID string, source models.Source) string {
	return fmt.Sprintf("%s:%s:%s", shaperKeyPrefix, source, userID)
}

func (r *RedisKV) LoadShaperState(ctx context.Context, userID string, source models.Source) (*models.ShaperState, error) {
	data, err := r.client.Get(ctx, shaperKey(userID, source)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.NewShaperState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load shaper state: %w", err)
	}
	var state models.ShaperState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode shaper state: %w", err)
	}
	if state.Records == nil {
		state.Records = make(map[string]models.RecordSnapshot)
	}
	return &state, nil
}

func (r *RedisKV) SaveShaperState(ctx context.Context, userID string, source models.Source, state *models.ShaperState) error {
	key := shaperKey(userID, source)
	expected := state.Version

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expected != 0 {
				return ErrVersionConflict
			}
		case err != nil:
			return fmt.Errorf("failed to read shaper state: %w", err)
		default:
			var current models.ShaperState
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("failed to decode shaper state: %w", err)
			}
			if current.Version != expected {
				return ErrVersionConflict
			}
		}

		next := *state
		next.Version = expected + 1
		payload, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("failed to encode shaper state: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, shaperStateTTL)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	state.Version = expected + 1
	return nil
}

func (r *RedisKV) ClaimDedup(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	claimed, err := r.client.SetNX(ctx, dedupKeyPrefix+":"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim dedup key: %w", err)
	}
	return claimed, nil
}
