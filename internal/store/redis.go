package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const treeKeyPrefix = "weft:tree:"

// redisStore keeps tree snapshots as JSON blobs keyed by root ID.
type redisStore struct {
	client *redis.Client
}

// NewRedis opens a Redis-backed tree store.
func NewRedis(addr string, db int) (TreeStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return &redisStore{client: client}, nil
}

func (s *redisStore) Save(ctx context.Context, rootID string, snapshot []byte) error {
	if err := s.client.Set(ctx, treeKeyPrefix+rootID, snapshot, 0).Err(); err != nil {
		return fmt.Errorf("failed to save tree %s: %w", rootID, err)
	}
	return nil
}

func (s *redisStore) Load(ctx context.Context, rootID string) ([]byte, error) {
	data, err := s.client.Get(ctx, treeKeyPrefix+rootID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tree %s: %w", rootID, err)
	}
	return data, nil
}

func (s *redisStore) LoadAll(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := s.client.Scan(ctx, 0, treeKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", key, err)
		}
		out[key[len(treeKeyPrefix):]] = data
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan tree keys: %w", err)
	}
	return out, nil
}

func (s *redisStore) Delete(ctx context.Context, rootID string) error {
	if err := s.client.Del(ctx, treeKeyPrefix+rootID).Err(); err != nil {
		return fmt.Errorf("failed to delete tree %s: %w", rootID, err)
	}
	return nil
}

func (s *redisStore) Close() error { return s.client.Close() }
