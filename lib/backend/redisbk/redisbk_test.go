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

package redisbk

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bk := NewFromClient(client, clockwork.NewFakeClock())
	t.Cleanup(func() { require.NoError(t, bk.Close()) })
	return bk, mr
}

func TestHashRecords(t *testing.T) {
	t.Parallel()
	bk, mr := newTestBackend(t)
	ctx := context.Background()

	_, err := bk.GetHash(ctx, "missing")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	require.NoError(t, bk.PutHash(ctx, "rec", map[string]string{
		"status": "pending",
		"count":  "0",
	}, time.Hour))

	fields, err := bk.GetHash(ctx, "rec")
	require.NoError(t, err)
	require.Equal(t, "pending", fields["status"])

	require.NoError(t, bk.SetHashField(ctx, "rec", "status", "ready"))
	n, err := bk.IncrHashField(ctx, "rec", "count", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	fields, err = bk.GetHash(ctx, "rec")
	require.NoError(t, err)
	require.Equal(t, "ready", fields["status"])
	require.Equal(t, "1", fields["count"])

	// record disappears with its TTL
	mr.FastForward(2 * time.Hour)
	_, err = bk.GetHash(ctx, "rec")
	require.True(t, trace.IsNotFound(err))
}

func TestStringRecords(t *testing.T) {
	t.Parallel()
	bk, mr := newTestBackend(t)
	ctx := context.Background()

	_, err := bk.GetString(ctx, "missing")
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, bk.PutString(ctx, "blob", "payload", time.Minute))
	value, err := bk.GetString(ctx, "blob")
	require.NoError(t, err)
	require.Equal(t, "payload", value)

	mr.FastForward(2 * time.Minute)
	_, err = bk.GetString(ctx, "blob")
	require.True(t, trace.IsNotFound(err))
}

func TestPutStringNX(t *testing.T) {
	t.Parallel()
	bk, _ := newTestBackend(t)
	ctx := context.Background()

	ok, err := bk.PutStringNX(ctx, "once", "first", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = bk.PutStringNX(ctx, "once", "second", time.Hour)
	require.NoError(t, err)
	require.False(t, ok)

	value, err := bk.GetString(ctx, "once")
	require.NoError(t, err)
	require.Equal(t, "first", value)
}

func TestSets(t *testing.T) {
	t.Parallel()
	bk, _ := newTestBackend(t)
	ctx := context.Background()

	members, err := bk.GetSet(ctx, "ids")
	require.NoError(t, err)
	require.Empty(t, members)

	require.NoError(t, bk.AddToSet(ctx, "ids", "a", "b", "c"))
	require.NoError(t, bk.RemoveFromSet(ctx, "ids", "b", "nope"))

	members, err = bk.GetSet(ctx, "ids")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "c"}, members)
}

func TestScan(t *testing.T) {
	t.Parallel()
	bk, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, bk.PutString(ctx, "recovery:share:g1:o1", "x", 0))
	require.NoError(t, bk.PutString(ctx, "recovery:share:g1:o2", "x", 0))
	require.NoError(t, bk.PutString(ctx, "recovery:share:g2:o1", "x", 0))

	keys, err := bk.Scan(ctx, "recovery:share:g1:*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"recovery:share:g1:o1", "recovery:share:g1:o2"}, keys)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	bk, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, bk.PutString(ctx, "k1", "v", 0))
	require.NoError(t, bk.Delete(ctx, "k1", "k2"))
	_, err := bk.GetString(ctx, "k1")
	require.True(t, trace.IsNotFound(err))
}
