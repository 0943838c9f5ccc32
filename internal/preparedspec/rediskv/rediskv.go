// Package rediskv backs preparedspec.Map (and toolcache.Map) with Redis,
// giving the Prepared-Spec Cache and Workspace Tool Cache a shared,
// restart-durable backing store across gateway instances.
package rediskv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Map is a Redis-backed key/value store satisfying both preparedspec.Map
// and toolcache.Map (identical method sets).
type Map struct {
	client *redis.Client
}

// New constructs a Map over an already-connected client.
func New(client *redis.Client) *Map {
	return &Map{client: client}
}

func (m *Map) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := m.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("rediskv get %s: %w", key, err)
	}
	return v, true, nil
}

// Set overwrites key and returns the value it displaced, if any. Racing
// writers to the same key each see a consistent previous/new pair; last
// writer wins is the intended, not incidental, behavior.
func (m *Map) Set(ctx context.Context, key string, value []byte) ([]byte, error) {
	prev, err := m.client.GetSet(ctx, key, value).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rediskv set %s: %w", key, err)
	}
	return prev, nil
}

func (m *Map) Delete(ctx context.Context, key string) ([]byte, error) {
	prev, err := m.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rediskv delete %s: %w", key, err)
	}
	return prev, nil
}

// Keys returns every key with the given prefix, scanning in bounded
// batches rather than KEYS so a large keyspace does not block Redis.
func (m *Map) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := m.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("rediskv keys %s*: %w", prefix, err)
	}
	return out, nil
}
