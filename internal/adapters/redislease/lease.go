// Package redislease gives each meeting a single writer across instances: an
// instance may mutate a meeting only while it holds the meeting's lease key.
package redislease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`

// client is the subset of redis.UniversalClient in use.
type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type Lease struct {
	rdb    client
	owner  string
	ttl    time.Duration
	prefix string
	now    func() time.Time

	mu      sync.Mutex
	renewed map[domain.MeetingID]time.Time
}

var _ core.Ownership = (*Lease)(nil)

// New builds a lease manager identified as owner. Leases are refreshed on
// writes once a third of ttl has passed since the last refresh.
func New(rdb client, owner, prefix string, ttl time.Duration) *Lease {
	return &Lease{
		rdb:     rdb,
		owner:   owner,
		ttl:     ttl,
		prefix:  prefix,
		now:     time.Now,
		renewed: make(map[domain.MeetingID]time.Time),
	}
}

func (l *Lease) key(id domain.MeetingID) string { return l.prefix + string(id) }

func (l *Lease) Claim(ctx context.Context, id domain.MeetingID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if last, ok := l.renewed[id]; ok && now.Sub(last) < l.ttl/3 {
		return nil
	}

	key := l.key(id)
	acquired, err := l.rdb.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return domain.NewUnavailable("ownership check failed", err)
	}
	if acquired {
		l.renewed[id] = now
		log.Debug().Str("module", "adapters.redislease").Str("meeting", string(id)).Msg("lease acquired")
		return nil
	}

	holder, err := l.rdb.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return domain.NewUnavailable("lease changed hands, retry")
	case err != nil:
		return domain.NewUnavailable("ownership check failed", err)
	case holder != l.owner:
		delete(l.renewed, id)
		return domain.NewUnavailable("meeting is owned by another instance")
	}
	if err := l.rdb.PExpire(ctx, key, l.ttl).Err(); err != nil {
		return domain.NewUnavailable("lease renewal failed", err)
	}
	l.renewed[id] = now
	return nil
}

// Release gives the lease up if this instance still holds it.
func (l *Lease) Release(ctx context.Context, id domain.MeetingID) error {
	l.mu.Lock()
	delete(l.renewed, id)
	l.mu.Unlock()
	if err := l.rdb.Eval(ctx, releaseScript, []string{l.key(id)}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
