package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "feedsync:reference_location"

// RedisStore persists the coordinate as a JSON value under a single key.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore wraps client. An empty key uses the default.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context) (Coord, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Coord{}, ErrNoCoord
		}
		return Coord{}, fmt.Errorf("failed to get reference location: %w", err)
	}

	var c Coord
	if err := json.Unmarshal(data, &c); err != nil {
		return Coord{}, fmt.Errorf("failed to decode reference location: %w", err)
	}
	return c, nil
}

func (s *RedisStore) Save(ctx context.Context, c Coord) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set reference location: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
