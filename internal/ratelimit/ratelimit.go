package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// Limiter is a fixed-window counter shared by all instances through Redis.
type Limiter struct {
	client redis.UniversalClient
	prefix string
}

// New creates a limiter whose keys live under prefix.
func New(client redis.UniversalClient, prefix string) *Limiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "points:rate_limit"
	}
	return &Limiter{client: client, prefix: prefix}
}

// Allow counts one attempt by subject within scope. A nil limiter, an
// empty subject or a non-positive limit always allows.
func (l *Limiter) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (Decision, error) {
	if l == nil || l.client == nil || limit <= 0 || window <= 0 {
		return Decision{Allowed: true}, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return Decision{Allowed: true}, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", l.prefix, scope, subject)
	raw, err := fixedWindowScript.Run(ctx, l.client, []string{key}, windowMs).Result()
	if err != nil {
		return Decision{}, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	retry := time.Duration(math.Ceil(float64(ttlMs)/1000.0)) * time.Second
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{
		Allowed:    int(count) <= limit,
		Count:      int(count),
		RetryAfter: retry,
	}, nil
}
