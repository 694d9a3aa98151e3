package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client), client
}

func TestCheck(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "test", Prefix: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		d, err := l.Check(ctx, "caller", rule)
		if err != nil || !d.Allowed {
			t.Fatalf("hit %d: %+v err=%v", i, d, err)
		}
		if d.Remaining != 3-i {
			t.Errorf("hit %d: remaining = %d", i, d.Remaining)
		}
	}

	d, err := l.Check(ctx, "caller", rule)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Error("fourth hit should be limited")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v", d.RetryAfter)
	}

	if d, _ := l.Check(ctx, "other", rule); !d.Allowed {
		t.Error("identifiers must be independent")
	}
}

func TestCheck_RestoresMissingTTL(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "test", Prefix: "rl:test:", Limit: 10, Window: time.Minute}

	if err := client.Set(ctx, "rl:test:stuck", 4, 0).Err(); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Check(ctx, "stuck", rule); err != nil {
		t.Fatal(err)
	}
	ttl, err := client.PTTL(ctx, "rl:test:stuck").Result()
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= 0 {
		t.Errorf("key left without expiry: ttl=%v", ttl)
	}
}

func TestCheck_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 50 * time.Millisecond})
	defer client.Close()

	d, err := NewLimiter(client).Check(context.Background(), "caller", RuleSubmit)
	if err == nil {
		t.Skip("unexpected redis on localhost:1")
	}
	if !d.Allowed {
		t.Error("limiter must fail open on redis errors")
	}
}

func TestDecide(t *testing.T) {
	rule := Rule{Name: "t", Limit: 2, Window: time.Minute}

	tests := []struct {
		name  string
		count int64
		ttl   time.Duration
		want  Decision
	}{
		{"first", 1, time.Minute, Decision{Allowed: true, Remaining: 1}},
		{"at limit", 2, 30 * time.Second, Decision{Allowed: true, Remaining: 0}},
		{"over", 3, 20 * time.Second, Decision{RetryAfter: 20 * time.Second}},
		{"over without ttl", 5, 0, Decision{RetryAfter: time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decide(rule, tt.count, tt.ttl); got != tt.want {
				t.Errorf("decide = %+v, want %+v", got, tt.want)
			}
		})
	}
}
