package service

import (
	"context"
	"testing"

	"github.com/lvdashuaibi/littlewatch/internal/model"
	"github.com/lvdashuaibi/littlewatch/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinRequiresLiveStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.viewers.Join(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrStreamNotFound)

	_, err = f.viewers.Join(ctx, "offline", "")
	assert.ErrorIs(t, err, ErrStreamNotLive)

	_, err = f.viewers.Join(ctx, "", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	state, err := f.viewers.GetViewers(ctx, "offline")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.ViewerCount)
}

func TestJoinAndLeaveCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.viewers.Join(ctx, "live-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.ViewerCount)

	state, err = f.viewers.Join(ctx, "live-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.ViewerCount)
	assert.Equal(t, int64(2), state.PeakViewers)

	for _, want := range []int64{1, 0, 0} {
		state, err = f.viewers.Leave(ctx, "live-1", "")
		require.NoError(t, err)
		assert.Equal(t, want, state.ViewerCount)
	}
	assert.Equal(t, int64(2), state.PeakViewers)

	_, err = f.viewers.Leave(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrStreamNotFound)

	// 已下播的直播间允许离开
	state, err = f.viewers.Leave(ctx, "offline", "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.ViewerCount)
}

func TestJoinWithUserOpensSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.viewers.Join(ctx, "live-1", "0xABC")
	require.NoError(t, err)

	session, err := f.earn.ActiveSession(ctx, user)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "live-1", session.StreamID)

	res := f.tick(t, user, "live-1")
	assert.Equal(t, int64(30), res.TotalWatchSeconds)

	state, err := f.viewers.Leave(ctx, "live-1", user)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.ViewerCount)

	session, err = f.earn.ActiveSession(ctx, user)
	require.NoError(t, err)
	assert.Nil(t, session)

	stored, err := f.redis.GetSession(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, model.EndReasonLeave, stored.EndReason)
	assert.Equal(t, int64(30), stored.TotalSeconds)
}

func TestFlushCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.viewers.Join(ctx, "live-1", "")
	require.NoError(t, err)
	_, err = f.viewers.Join(ctx, "live-2", "")
	require.NoError(t, err)
	_, err = f.viewers.Join(ctx, "live-2", "")
	require.NoError(t, err)

	n, err := f.viewers.FlushCounters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(1), f.streams.snapshots["live-1"].ViewerCount)
	assert.Equal(t, int64(2), f.streams.snapshots["live-2"].PeakViewers)

	n, err = f.viewers.FlushCounters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// 落库失败时放回待落库集合
	_, err = f.viewers.Leave(ctx, "live-1", "")
	require.NoError(t, err)
	f.streams.saveErr = errBoom
	n, err = f.viewers.FlushCounters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, f.mr.Exists(repository.ViewerDirtyKey))

	f.streams.saveErr = nil
	n, err = f.viewers.FlushCounters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(0), f.streams.snapshots["live-1"].ViewerCount)
}
