package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/littlewatch/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCluster(t *testing.T, n int) ([]*miniredis.Miniredis, []*redis.Client) {
	t.Helper()
	var servers []*miniredis.Miniredis
	var clients []*redis.Client
	for i := 0; i < n; i++ {
		mr := miniredis.RunT(t)
		c := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() { _ = c.Close() })
		servers = append(servers, mr)
		clients = append(clients, c)
	}
	return servers, clients
}

func TestRedLockMutualExclusion(t *testing.T) {
	_, clients := newCluster(t, 3)
	ctx := context.Background()

	a := NewRedLockWithClients(clients, 1, time.Millisecond, logging.NewDiscard())
	b := NewRedLockWithClients(clients, 2, time.Millisecond, logging.NewDiscard())

	ha, err := a.AcquireLock(ctx, "watch:user:1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, ha)
	assert.Equal(t, "watch:user:1", ha.Name)

	hb, err := b.AcquireLock(ctx, "watch:user:1", time.Second)
	require.NoError(t, err)
	assert.Nil(t, hb)

	require.NoError(t, a.ReleaseLock(ctx, ha))

	hb, err = b.AcquireLock(ctx, "watch:user:1", time.Second)
	require.NoError(t, err)
	assert.NotNil(t, hb)
}

func TestRedLockRefreshAndExpiry(t *testing.T) {
	servers, clients := newCluster(t, 1)
	ctx := context.Background()
	l := NewRedLockWithClients(clients, 1, time.Millisecond, logging.NewDiscard())

	h, err := l.AcquireLock(ctx, "leader", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, h)

	ok, err := l.RefreshLock(ctx, h, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	servers[0].FastForward(11 * time.Second)
	ok, err = l.RefreshLock(ctx, h, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// 续期失败后句柄失效
	_, err = l.RefreshLock(ctx, h, time.Second)
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestRedLockStaleReleaseKeepsNewHolder(t *testing.T) {
	servers, clients := newCluster(t, 1)
	ctx := context.Background()
	l := NewRedLockWithClients(clients, 1, time.Millisecond, logging.NewDiscard())

	first, err := l.AcquireLock(ctx, "watch:user:3", time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	// 第一次持有超时，同一实例内另一个请求拿到锁
	servers[0].FastForward(2 * time.Second)
	second, err := l.AcquireLock(ctx, "watch:user:3", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.Token, second.Token)

	require.NoError(t, l.ReleaseLock(ctx, first))
	value, err := servers[0].Get("watch:user:3")
	require.NoError(t, err)
	assert.Equal(t, second.Token, value)

	other := NewRedLockWithClients(clients, 1, time.Millisecond, logging.NewDiscard())
	h, err := other.AcquireLock(ctx, "watch:user:3", time.Second)
	require.NoError(t, err)
	assert.Nil(t, h)

	ok, err := l.RefreshLock(ctx, second, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.ReleaseLock(ctx, second))
	assert.False(t, servers[0].Exists("watch:user:3"))
}

func TestRedLockRequiresQuorum(t *testing.T) {
	servers, clients := newCluster(t, 3)
	servers[1].Close()
	servers[2].Close()

	l := NewRedLockWithClients(clients, 1, time.Millisecond, logging.NewDiscard())
	h, err := l.AcquireLock(context.Background(), "watch:user:2", time.Second)
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestRedLockReleaseUnknown(t *testing.T) {
	_, clients := newCluster(t, 1)
	l := NewRedLockWithClients(clients, 1, time.Millisecond, logging.NewDiscard())
	assert.ErrorIs(t, l.ReleaseLock(context.Background(), nil), ErrNotHeld)
	assert.ErrorIs(t, l.ReleaseLock(context.Background(), &Handle{Name: "nope", Token: "x"}), ErrNotHeld)

	h, err := l.AcquireLock(context.Background(), "held", time.Second)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.NoError(t, l.Close())
	assert.ErrorIs(t, l.ReleaseLock(context.Background(), h), ErrNotHeld)
}
