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

// Package backend provides storage backend abstraction layer
package backend

import (
	"context"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Forever means that object TTL will not expire unless deleted
const Forever time.Duration = 0

// Backend implements abstraction over a remote key-value store. Records
// come in three kinds: hashes (string field -> string value), plain
// strings, and sets of strings. TTLs apply per key; Forever disables
// expiry.
type Backend interface {
	// GetHash returns all fields of a hash record, or NotFound if the
	// key does not exist
	GetHash(ctx context.Context, key string) (map[string]string, error)

	// PutHash writes a hash record (creates or overwrites fields),
	// then applies ttl to the key
	PutHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// SetHashField sets a single field of an existing or new hash
	SetHashField(ctx context.Context, key, field, value string) error

	// IncrHashField atomically adds delta to a numeric hash field and
	// returns the new value
	IncrHashField(ctx context.Context, key, field string, delta int64) (int64, error)

	// GetString returns a string record, or NotFound
	GetString(ctx context.Context, key string) (string, error)

	// PutString writes a string record with a ttl
	PutString(ctx context.Context, key, value string, ttl time.Duration) error

	// PutStringNX writes a string record only if the key is absent.
	// Returns false without error when the key already exists.
	PutStringNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// AddToSet inserts members into a set record
	AddToSet(ctx context.Context, key string, members ...string) error

	// RemoveFromSet removes members from a set record. Removing a
	// member that is not present is not an error.
	RemoveFromSet(ctx context.Context, key string, members ...string) error

	// GetSet returns all members of a set record. A missing key yields
	// an empty slice, not an error.
	GetSet(ctx context.Context, key string) ([]string, error)

	// Scan returns all keys matching a glob-style pattern
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Delete removes keys. Deleting a missing key is not an error.
	Delete(ctx context.Context, keys ...string) error

	// Close closes backend and all associated resources
	Close() error

	// Clock returns clock used by this backend
	Clock() clockwork.Clock
}

// Separator is used between the parts of a storage key
const Separator = ":"

// Key joins parts into a storage key
func Key(parts ...string) string {
	return strings.Join(parts, Separator)
}
