package remote

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/cachekit/adapter"
)

func TestRedisDialerEndToEnd(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	a, err := New(Options{
		Dial:           RedisDialer("redis://"+mr.Addr(), time.Second),
		KeyPrefix:      "cachekit:",
		ConnectTimeout: time.Second,
	})
	require.NoError(t, err)
	defer a.Close(ctx)
	<-a.Ready()
	require.Equal(t, StateConnected, a.State())

	require.NoError(t, a.Set(ctx, "contest:1:stats", []byte("payload"), adapter.SetOptions{
		TTL:  30 * time.Second,
		Tags: []string{"contest:1"},
	}))
	assert.Equal(t, 30*time.Second, mr.TTL("cachekit:contest:1:stats"))
	assert.Equal(t, 30*time.Second, mr.TTL("cachekit:tags:contest:1:stats"))

	members, err := mr.Members("cachekit:tag:contest:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"contest:1:stats"}, members)

	v, ok, err := a.Get(ctx, "contest:1:stats")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), v)

	health := a.HealthCheck(ctx)
	assert.True(t, health.Healthy)

	n, err := a.InvalidateByTags(ctx, []string{"contest:1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists("cachekit:contest:1:stats"))

	mr.FastForward(time.Minute)
	_, ok, err = a.Get(ctx, "contest:1:stats")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisDialerUnreachable(t *testing.T) {
	a, err := New(Options{
		Dial:           RedisDialer("redis://127.0.0.1:1", 100*time.Millisecond),
		ConnectTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer a.Close(context.Background())
	<-a.Ready()
	assert.Equal(t, StateFailed, a.State())
	assert.False(t, a.HealthCheck(context.Background()).Healthy)
}
