/*
Copyright 2025 Keyward Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package redisbk implements the storage backend on top of Redis
// (or any RESP-compatible store)
package redisbk

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/keyward/keyward"
)

// Config holds the parameters for New
type Config struct {
	// URL is the store connection string, e.g. redis://localhost:6379/0
	URL string
	// Clock overrides the wall clock, used in tests
	Clock clockwork.Clock
}

// Backend is a Redis-backed implementation of backend.Backend
type Backend struct {
	client *redis.Client
	clock  clockwork.Clock
	log    *logrus.Entry
}

// New connects to the store and verifies the connection with a ping
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.URL == "" {
		return nil, trace.BadParameter("missing store URL")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, trace.Wrap(err, "parsing store URL")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, trace.Wrap(err, "connecting to store at %v", opts.Addr)
	}
	return &Backend{
		client: client,
		clock:  cfg.Clock,
		log:    logrus.WithField(keyward.ComponentKey, keyward.ComponentBackend),
	}, nil
}

// NewFromClient wraps an existing client, used by tests running against
// miniredis
func NewFromClient(client *redis.Client, clock clockwork.Clock) *Backend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Backend{
		client: client,
		clock:  clock,
		log:    logrus.WithField(keyward.ComponentKey, keyward.ComponentBackend),
	}
}

// GetHash returns all fields of a hash record
func (b *Backend) GetHash(ctx context.Context, key string) (map[string]string, error) {
	fields, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, convertErr(err)
	}
	// HGETALL returns an empty map for a missing key
	if len(fields) == 0 {
		return nil, trace.NotFound("key %q is not found", key)
	}
	return fields, nil
}

// PutHash writes a hash record and applies the ttl
func (b *Backend) PutHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	if err := b.client.HSet(ctx, key, args).Err(); err != nil {
		return convertErr(err)
	}
	if ttl != 0 {
		if err := b.client.Expire(ctx, key, ttl).Err(); err != nil {
			return convertErr(err)
		}
	}
	return nil
}

// SetHashField sets a single hash field
func (b *Backend) SetHashField(ctx context.Context, key, field, value string) error {
	return convertErr(b.client.HSet(ctx, key, field, value).Err())
}

// IncrHashField atomically adds delta to a numeric hash field
func (b *Backend) IncrHashField(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := b.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, convertErr(err)
	}
	return n, nil
}

// GetString returns a string record
func (b *Backend) GetString(ctx context.Context, key string) (string, error) {
	value, err := b.client.Get(ctx, key).Result()
	if err != nil {
		return "", convertErr(err)
	}
	return value, nil
}

// PutString writes a string record with a ttl
func (b *Backend) PutString(ctx context.Context, key, value string, ttl time.Duration) error {
	return convertErr(b.client.Set(ctx, key, value, ttl).Err())
}

// PutStringNX writes a string record only if the key is absent
func (b *Backend) PutStringNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, convertErr(err)
	}
	return ok, nil
}

// AddToSet inserts members into a set record
func (b *Backend) AddToSet(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return convertErr(b.client.SAdd(ctx, key, args...).Err())
}

// RemoveFromSet removes members from a set record
func (b *Backend) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return convertErr(b.client.SRem(ctx, key, args...).Err())
}

// GetSet returns all members of a set record
func (b *Backend) GetSet(ctx context.Context, key string) ([]string, error) {
	members, err := b.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, convertErr(err)
	}
	return members, nil
}

// Scan returns all keys matching a glob-style pattern. The iteration is
// cursor-based so large keyspaces do not block the store.
func (b *Backend) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, convertErr(err)
	}
	return keys, nil
}

// Delete removes keys
func (b *Backend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return convertErr(b.client.Del(ctx, keys...).Err())
}

// Close closes the connection to the store
func (b *Backend) Close() error {
	return trace.Wrap(b.client.Close())
}

// Clock returns clock used by this backend
func (b *Backend) Clock() clockwork.Clock {
	return b.clock
}

func convertErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return trace.NotFound("key is not found")
	default:
		return trace.Wrap(err)
	}
}
