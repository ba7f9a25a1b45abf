package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps task submissions per user over a one-minute window.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tasksPerMinute int) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(tasksPerMinute),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(userID string) string {
	return fmt.Sprintf("ratelimit:tasks:user:%s", userID)
}

// AllowTask consumes one submission for userID. The result carries the
// remaining quota for response headers.
func (l *Limiter) AllowTask(ctx context.Context, userID string) (*extratelimit.Result, error) {
	return l.store.Allow(ctx, key(userID))
}
