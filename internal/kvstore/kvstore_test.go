package kvstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Potat-Industries/eval-server/internal/domain"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestDeriveKeyDefaultsToUserChannel(t *testing.T) {
	msg := &domain.Msg{User: &domain.MsgUser{ID: "u1"}, Channel: &domain.MsgChannel{ID: "c1"}}
	key, err := DeriveKey(msg, 0)
	require.NoError(t, err)
	assert.Equal(t, "user:u1:channel:c1", key)
}

func TestDeriveKeyComposesSetBits(t *testing.T) {
	msg := &domain.Msg{
		User:    &domain.MsgUser{ID: "u1"},
		Channel: &domain.MsgChannel{ID: "c1"},
		Command: &domain.MsgCommand{ID: "cmd1"},
	}
	key, err := DeriveKey(msg, domain.ScopeUser|domain.ScopeChannel)
	require.NoError(t, err)
	assert.Equal(t, "user:u1:channel:c1", key)
}

func TestDeriveKeyMissingIDFails(t *testing.T) {
	_, err := DeriveKey(&domain.Msg{}, domain.ScopeUser)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "userID is required")
}

func TestSetGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	msg := &domain.Msg{User: &domain.MsgUser{ID: "u1"}, Channel: &domain.MsgChannel{ID: "c1"}}

	require.NoError(t, store.Set(ctx, msg, "x", "42", 0, 0))
	val, ok, err := store.Get(ctx, msg, "x", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "42", val)
}

func TestGetMissingFieldReturnsFalse(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	msg := &domain.Msg{User: &domain.MsgUser{ID: "u1"}, Channel: &domain.MsgChannel{ID: "c1"}}

	_, ok, err := store.Get(ctx, msg, "nope", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetRejectsOversizedValue(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	msg := &domain.Msg{User: &domain.MsgUser{ID: "u1"}, Channel: &domain.MsgChannel{ID: "c1"}}

	big := make([]byte, maxValueSize+1)
	err := store.Set(ctx, msg, "x", string(big), 0, 0)
	require.ErrorIs(t, err, ErrValueTooLarge)
}

func TestSetEnforcesFieldCap(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	msg := &domain.Msg{User: &domain.MsgUser{ID: "u1"}, Channel: &domain.MsgChannel{ID: "c1"}}

	for i := 0; i < maxFields; i++ {
		require.NoError(t, store.Set(ctx, msg, fmt.Sprintf("f%d", i), "v", 0, 0))
	}
	err := store.Set(ctx, msg, "overflow", "v", 0, 0)
	require.ErrorIs(t, err, ErrFieldCapExceeded)
}

func TestDelRemovesField(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	msg := &domain.Msg{User: &domain.MsgUser{ID: "u1"}, Channel: &domain.MsgChannel{ID: "c1"}}

	require.NoError(t, store.Set(ctx, msg, "x", "42", 0, 0))
	require.NoError(t, store.Del(ctx, msg, "x", 0))
	_, ok, err := store.Get(ctx, msg, "x", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLenCountsFields(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	msg := &domain.Msg{User: &domain.MsgUser{ID: "u1"}, Channel: &domain.MsgChannel{ID: "c1"}}

	require.NoError(t, store.Set(ctx, msg, "x", "1", 0, 0))
	require.NoError(t, store.Set(ctx, msg, "y", "2", 0, 0))
	n, err := store.Len(ctx, msg, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestExpiryRemovesFieldAfterTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	msg := &domain.Msg{User: &domain.MsgUser{ID: "u1"}, Channel: &domain.MsgChannel{ID: "c1"}}

	require.NoError(t, store.Set(ctx, msg, "x", "42", 0, 1))
	mr.SetTime(time.Now().Add(2 * time.Second))
	_, ok, err := store.Get(ctx, msg, "x", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExIsNXAndDoesNotOverwriteExistingTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	msg := &domain.Msg{User: &domain.MsgUser{ID: "u1"}, Channel: &domain.MsgChannel{ID: "c1"}}

	require.NoError(t, store.Set(ctx, msg, "x", "42", 0, 1))
	require.NoError(t, store.Ex(ctx, msg, "x", 100, 0))
	mr.SetTime(time.Now().Add(2 * time.Second))
	_, ok, err := store.Get(ctx, msg, "x", 0)
	require.NoError(t, err)
	assert.False(t, ok, "second Ex call should not have overwritten the original shorter TTL")
}
