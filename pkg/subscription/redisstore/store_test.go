package redisstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/subscription"
	"github.com/dmitrymomot/billingkit/pkg/subscription/redisstore"
	"github.com/dmitrymomot/billingkit/pkg/subscription/storetest"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 64})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestStore(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) subscription.Store {
		_, client := newClient(t)
		return redisstore.New(client)
	})
}

func TestStore_KeyLayout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, client := newClient(t)
	store := redisstore.New(client, redisstore.WithKeyPrefix("app"))

	_, err := store.Create(ctx, "u1")
	require.NoError(t, err)
	ev := storetest.Deleted("evt_1", "u1", time.Now())
	_, _, err = store.Apply(ctx, "u1", ev, subscription.TransitionFor(ev))
	require.NoError(t, err)

	assert.True(t, mr.Exists("app:subscription:u1"))
	assert.Equal(t, "inactive", mr.HGet("app:subscription:u1", "status"))
	members, err := mr.Members("app:subscription:u1:events")
	require.NoError(t, err)
	assert.Equal(t, []string{"evt_1"}, members)
}

func TestStore_Ping(t *testing.T) {
	t.Parallel()

	mr, client := newClient(t)
	store := redisstore.New(client)
	require.NoError(t, store.Ping(context.Background()))

	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}

func TestNew_PanicsWithoutClient(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { redisstore.New(nil) })
}
