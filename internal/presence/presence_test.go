package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/CDeX-Labs/CDeX-Marathon-Service/internal/redis"
)

func newManagers(t *testing.T) (*miniredis.Miniredis, *Manager, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisclient.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), zerolog.Nop())
	t.Cleanup(func() { client.Close() })
	return mr, NewManager(client, "gw-1", zerolog.Nop()), NewManager(client, "gw-2", zerolog.Nop())
}

func TestLeaseIsExclusive(t *testing.T) {
	_, first, second := newManagers(t)
	ctx := context.Background()

	ok, err := first.Acquire(ctx, "alice", "m1", "c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(ctx, "alice", "m1", "c9", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = first.Acquire(ctx, "alice", "m1", "c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder refreshes its own lease")

	ok, err = second.Acquire(ctx, "bob", "m1", "c9", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err := second.Holder(ctx, "alice", "m1")
	require.NoError(t, err)
	assert.Equal(t, &Holder{InstanceID: "gw-1", ConnectionID: "c1"}, holder)
}

func TestReleaseOnlyByHolder(t *testing.T) {
	_, first, second := newManagers(t)
	ctx := context.Background()

	_, err := first.Acquire(ctx, "alice", "m1", "c1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, second.Release(ctx, "alice", "m1", "c9"))
	holder, err := first.Holder(ctx, "alice", "m1")
	require.NoError(t, err)
	require.NotNil(t, holder)

	require.NoError(t, first.Release(ctx, "alice", "m1", "c1"))
	holder, err = first.Holder(ctx, "alice", "m1")
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestLeaseExpires(t *testing.T) {
	mr, first, second := newManagers(t)
	ctx := context.Background()

	_, err := first.Acquire(ctx, "alice", "m1", "c1", 30*time.Second)
	require.NoError(t, err)
	mr.FastForward(31 * time.Second)

	ok, err := second.Acquire(ctx, "alice", "m1", "c9", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
