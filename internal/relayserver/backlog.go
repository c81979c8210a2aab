package relayserver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/potluck-btc/potluck/pkg/event"
	"github.com/potluck-btc/potluck/pkg/logging"
)

// Backlog retains recent events for replay to new subscribers. Relays are
// not archives: retention is capped and clients must not assume full replay.
type Backlog interface {
	Append(ctx context.Context, ev *event.Event) error
	// Replay returns retained events matching the filter, oldest first.
	Replay(ctx context.Context, f *event.Filter) ([]*event.Event, error)
	Close() error
}

// MemoryBacklog is a bounded in-process ring, the fallback when no redis is
// configured.
type MemoryBacklog struct {
	mu     sync.Mutex
	events []*event.Event
	limit  int
}

// NewMemoryBacklog creates a backlog retaining up to limit events.
func NewMemoryBacklog(limit int) *MemoryBacklog {
	if limit <= 0 {
		limit = 4096
	}
	return &MemoryBacklog{limit: limit}
}

// Append implements Backlog.
func (b *MemoryBacklog) Append(_ context.Context, ev *event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	if len(b.events) > b.limit {
		b.events = b.events[len(b.events)-b.limit:]
	}
	return nil
}

// Replay implements Backlog.
func (b *MemoryBacklog) Replay(_ context.Context, f *event.Filter) ([]*event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*event.Event
	for _, ev := range b.events {
		if f == nil || f.Matches(ev) {
			out = append(out, ev)
			if f != nil && f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out, nil
}

// Close implements Backlog.
func (b *MemoryBacklog) Close() error { return nil }

const (
	redisBacklogKey    = "potluck:backlog"
	redisInviteUsesKey = "potluck:invite_uses"
)

// RedisBacklog retains events in a capped redis list so a relay restart does
// not lose the replay window.
type RedisBacklog struct {
	rdb   *redis.Client
	limit int64
	log   *logging.Logger
}

// NewRedisBacklog connects to redis at addr.
func NewRedisBacklog(addr string, limit int, log *logging.Logger) *RedisBacklog {
	if limit <= 0 {
		limit = 4096
	}
	if log == nil {
		log = logging.New(nil)
	}
	return &RedisBacklog{
		rdb:   redis.NewClient(&redis.Options{Addr: addr}),
		limit: int64(limit),
		log:   log.WithComponent("backlog"),
	}
}

// Append implements Backlog. The list is trimmed to the retention cap on
// every write.
func (b *RedisBacklog) Append(ctx context.Context, ev *event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, redisBacklogKey, data)
	pipe.LTrim(ctx, redisBacklogKey, -b.limit, -1)
	// Join requests are the one plaintext kind; mirror a per-invite counter
	// so operators can watch invite activity without decrypting anything.
	if ev.Kind == event.KindJoinRequest {
		if inviteID, ok := ev.Tag(event.TagInvite); ok {
			pipe.HIncrBy(ctx, redisInviteUsesKey, inviteID, 1)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Replay implements Backlog.
func (b *RedisBacklog) Replay(ctx context.Context, f *event.Filter) ([]*event.Event, error) {
	raw, err := b.rdb.LRange(ctx, redisBacklogKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []*event.Event
	for _, item := range raw {
		var ev event.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			b.log.Warn("corrupt backlog entry skipped")
			continue
		}
		if f == nil || f.Matches(&ev) {
			out = append(out, &ev)
			if f != nil && f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out, nil
}

// Close implements Backlog.
func (b *RedisBacklog) Close() error {
	return b.rdb.Close()
}
