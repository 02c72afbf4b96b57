package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix        = "rillcall:"
	presenceIndexKey = keyPrefix + "presence:index"
)

func presenceKey(id string) string {
	return keyPrefix + "presence:" + id
}

// RedisPresenceRepository keeps one JSON record per peer plus an index set
// of peer ids.
type RedisPresenceRepository struct {
	client *redis.Client
}

func NewRedisPresenceRepository(client *redis.Client) ports.PresenceRepository {
	return &RedisPresenceRepository{client: client}
}

func (r *RedisPresenceRepository) Upsert(ctx context.Context, presence *domain.Presence) error {
	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, presenceKey(presence.ID.String()), data, 0)
		pipe.SAdd(ctx, presenceIndexKey, presence.ID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store presence in Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Get(ctx context.Context, id domain.PeerID) (*domain.Presence, error) {
	data, err := r.client.Get(ctx, presenceKey(id.String())).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrPeerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence from Redis: %w", err)
	}
	return decodePresence(data)
}

func (r *RedisPresenceRepository) Remove(ctx context.Context, id domain.PeerID) error {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, presenceKey(id.String()))
		pipe.SRem(ctx, presenceIndexKey, id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete presence from Redis: %w", err)
	}
	if removed.Val() == 0 {
		return domain.ErrPeerNotFound
	}
	return nil
}

func (r *RedisPresenceRepository) List(ctx context.Context) ([]*domain.Presence, error) {
	ids, err := r.client.SMembers(ctx, presenceIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = presenceKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load presence records: %w", err)
	}

	list := make([]*domain.Presence, 0, len(values))
	for _, v := range values {
		// Skip index entries whose record expired or was removed meanwhile.
		s, ok := v.(string)
		if !ok {
			continue
		}
		presence, err := decodePresence([]byte(s))
		if err != nil {
			return nil, err
		}
		list = append(list, presence)
	}
	return list, nil
}

// SetInCall updates the flag inside an optimistic transaction so a
// concurrent Upsert is not overwritten with stale fields.
func (r *RedisPresenceRepository) SetInCall(ctx context.Context, id domain.PeerID, inCall bool) error {
	key := presenceKey(id.String())
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return domain.ErrPeerNotFound
		}
		if err != nil {
			return err
		}
		presence, err := decodePresence(data)
		if err != nil {
			return err
		}
		presence.InCall = inCall
		updated, err := json.Marshal(presence)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
	if err == redis.TxFailedErr {
		return fmt.Errorf("presence %s changed concurrently: %w", id, err)
	}
	return err
}

func decodePresence(data []byte) (*domain.Presence, error) {
	var presence domain.Presence
	if err := json.Unmarshal(data, &presence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}
	return &presence, nil
}
