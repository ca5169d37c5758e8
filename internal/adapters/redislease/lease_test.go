package redislease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/liveroom/internal/domain"
)

// fakeRedis keeps keys in a map shared by every Lease in a test; expiry is
// driven by the test clock.
type fakeRedis struct {
	mu    sync.Mutex
	now   func() time.Time
	vals  map[string]string
	until map[string]time.Time
	calls int
	down  bool
}

func newFakeRedis(now func() time.Time) *fakeRedis {
	return &fakeRedis{now: now, vals: map[string]string{}, until: map[string]time.Time{}}
}

func (f *fakeRedis) live(key string) (string, bool) {
	v, ok := f.vals[key]
	if ok && !f.now().Before(f.until[key]) {
		delete(f.vals, key)
		delete(f.until, key)
		return "", false
	}
	return v, ok
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return redis.NewBoolResult(false, errors.New("dial tcp: connection refused"))
	}
	if _, ok := f.live(key); ok {
		return redis.NewBoolResult(false, nil)
	}
	f.vals[key] = value.(string)
	f.until[key] = f.now().Add(ttl)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	v, ok := f.live(key)
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) PExpire(_ context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if _, ok := f.live(key); !ok {
		return redis.NewBoolResult(false, nil)
	}
	f.until[key] = f.now().Add(ttl)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if v, ok := f.live(keys[0]); ok && v == args[0] {
		delete(f.vals, keys[0])
		delete(f.until, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLease(rdb *fakeRedis, owner string, clk *clock) *Lease {
	l := New(rdb, owner, "owner:", 30*time.Second)
	l.now = clk.now
	return l
}

func TestSingleWriterPerMeeting(t *testing.T) {
	clk := &clock{t: time.Unix(1000, 0)}
	rdb := newFakeRedis(clk.now)
	a := newLease(rdb, "a", clk)
	b := newLease(rdb, "b", clk)
	ctx := context.Background()

	require.NoError(t, a.Claim(ctx, "m1"))
	err := b.Claim(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	require.NoError(t, b.Claim(ctx, "m2"), "other meetings are free")

	require.NoError(t, a.Release(ctx, "m1"))
	require.NoError(t, b.Claim(ctx, "m1"))
	assert.ErrorIs(t, a.Claim(ctx, "m1"), domain.ErrUnavailable)
}

func TestClaimRenewsLazily(t *testing.T) {
	clk := &clock{t: time.Unix(1000, 0)}
	rdb := newFakeRedis(clk.now)
	a := newLease(rdb, "a", clk)
	b := newLease(rdb, "b", clk)
	ctx := context.Background()

	require.NoError(t, a.Claim(ctx, "m1"))
	calls := rdb.calls
	require.NoError(t, a.Claim(ctx, "m1"))
	assert.Equal(t, calls, rdb.calls, "fresh lease needs no round-trip")

	// renewed every ttl/3 so it never lapses under steady writes
	for i := 0; i < 6; i++ {
		clk.advance(11 * time.Second)
		require.NoError(t, a.Claim(ctx, "m1"))
	}
	assert.ErrorIs(t, b.Claim(ctx, "m1"), domain.ErrUnavailable)

	// an idle meeting lets the lease lapse
	clk.advance(31 * time.Second)
	require.NoError(t, b.Claim(ctx, "m1"))
	assert.ErrorIs(t, a.Claim(ctx, "m1"), domain.ErrUnavailable)
}

func TestReleaseLeavesForeignLeaseAlone(t *testing.T) {
	clk := &clock{t: time.Unix(1000, 0)}
	rdb := newFakeRedis(clk.now)
	a := newLease(rdb, "a", clk)
	b := newLease(rdb, "b", clk)
	ctx := context.Background()

	require.NoError(t, a.Claim(ctx, "m1"))
	require.NoError(t, b.Release(ctx, "m1"))
	assert.ErrorIs(t, b.Claim(ctx, "m1"), domain.ErrUnavailable)
}

func TestRedisDownIsUnavailable(t *testing.T) {
	clk := &clock{t: time.Unix(1000, 0)}
	rdb := newFakeRedis(clk.now)
	rdb.down = true
	err := newLease(rdb, "a", clk).Claim(context.Background(), "m1")
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
}
