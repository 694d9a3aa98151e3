// Package ratelimit throttles the public endpoints and the moderator live
// feed with fixed windows counted in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/graceline/safety/internal/metrics"
)

// Rule is one throttle: at most Limit hits per Window for each identifier,
// counted under Prefix+identifier.
type Rule struct {
	Name   string
	Prefix string
	Limit  int
	Window time.Duration
}

var (
	RuleSubmit = Rule{Name: "submit", Prefix: "rl:submit:", Limit: 10, Window: time.Minute}
	RuleFlag   = Rule{Name: "flag", Prefix: "rl:flag:", Limit: 20, Window: time.Hour}
	RuleHeart  = Rule{Name: "heart", Prefix: "rl:heart:", Limit: 60, Window: time.Minute}
	// RuleLive counts live-feed connection attempts per moderator.
	RuleLive = Rule{Name: "live", Prefix: "rl:live:", Limit: 5, Window: time.Minute}
)

// Decision is the result of one counted hit.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the time left in the current window. Zero when allowed.
	RetryAfter time.Duration
}

// open is returned whenever the counter cannot be consulted.
func open(rule Rule) Decision {
	return Decision{Allowed: true, Remaining: rule.Limit}
}

// Allower counts a hit against a rule.
type Allower interface {
	Check(ctx context.Context, identifier string, rule Rule) (Decision, error)
}

// hitScript increments the window counter, starts the window on the first
// hit and reports the count together with the remaining TTL in ms. A key
// that somehow lost its TTL gets one again instead of blocking forever.
var hitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if n == 1 or ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Limiter is the Redis-backed Allower.
type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Check records a hit for identifier. Redis failures fail open: the hit is
// allowed and the error returned for logging.
func (l *Limiter) Check(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Prefix + identifier

	res, err := hitScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil {
		log.Printf("[ratelimit] rule=%s key=%s: %v (failing open)", rule.Name, key, err)
		return open(rule), fmt.Errorf("ratelimit: check %s: %w", rule.Name, err)
	}
	if len(res) != 2 {
		return open(rule), fmt.Errorf("ratelimit: check %s: unexpected reply %v", rule.Name, res)
	}
	d := decide(rule, res[0], time.Duration(res[1])*time.Millisecond)
	if !d.Allowed {
		metrics.RateLimited.WithLabelValues(rule.Name).Inc()
	}
	return d, nil
}

func decide(rule Rule, count int64, ttl time.Duration) Decision {
	if count > int64(rule.Limit) {
		if ttl <= 0 {
			ttl = rule.Window
		}
		return Decision{Allowed: false, RetryAfter: ttl}
	}
	return Decision{Allowed: true, Remaining: rule.Limit - int(count)}
}
