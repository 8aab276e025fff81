// Package stats keeps admission decision counters in Redis hashes.
package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	FieldAccepted     = "accepted"
	FieldRejected     = "rejected"
	FieldJobsAccepted = "jobs_accepted"
)

// Event is one admission decision
type Event struct {
	CompanyID string
	// Outcome is empty for accepted batches, otherwise the rejection label
	// (code or code:reason).
	Outcome string
	Jobs    int
	At      time.Time
}

func (e Event) accepted() bool {
	return e.Outcome == ""
}

// RedisStore records events into:
//
//	<prefix>:total                    cumulative, never expires
//	<prefix>:minute:<YYYYMMDDHHMM>    per-minute bucket, expires after ttl
//	<prefix>:company:<id>             per tenant, expires after ttl
type RedisStore struct {
	rdb          *redis.Client
	prefix       string
	ttl          time.Duration
	trackCompany bool
}

type Option func(*RedisStore)

func WithPrefix(prefix string) Option {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithTTL(d time.Duration) Option {
	return func(s *RedisStore) { s.ttl = d }
}

func WithTrackCompanies(track bool) Option {
	return func(s *RedisStore) { s.trackCompany = track }
}

// NewRedisStore returns a store over rdb. A nil client records nothing.
func NewRedisStore(rdb *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "ratebulk:admission",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Record(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	fields := []string{FieldRejected, FieldRejected + ":" + ev.Outcome}
	if ev.accepted() {
		fields = []string{FieldAccepted}
	}

	pipe := s.rdb.Pipeline()

	incr := func(key string, expire bool) {
		for _, f := range fields {
			pipe.HIncrBy(ctx, key, f, 1)
		}
		if ev.accepted() && ev.Jobs > 0 {
			pipe.HIncrBy(ctx, key, FieldJobsAccepted, int64(ev.Jobs))
		}
		if expire && s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
	}

	incr(s.prefix+":total", false)
	incr(fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504")), true)

	if s.trackCompany {
		if id := strings.TrimSpace(ev.CompanyID); id != "" {
			incr(s.prefix+":company:"+id, true)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Totals reads the cumulative counters
func (s *RedisStore) Totals(ctx context.Context) (map[string]int64, error) {
	if s == nil || s.rdb == nil {
		return map[string]int64{}, nil
	}

	raw, err := s.rdb.HGetAll(ctx, s.prefix+":total").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read admission totals: %w", err)
	}

	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		var n int64
		if _, err := fmt.Sscan(v, &n); err != nil {
			return nil, fmt.Errorf("invalid counter %s=%q: %w", k, v, err)
		}
		out[k] = n
	}
	return out, nil
}
