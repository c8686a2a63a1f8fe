package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps the redis client used for queueing and roster counters.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// counterTTL bounds how long roster counters outlive their session.
const counterTTL = 12 * time.Hour

func presentKey(sessionID string) string {
	return "geoattend:session:" + sessionID + ":present"
}

// IncrPresent bumps the session's headcount counter. Maintained by the
// worker off the check-in queue; losing a counter only degrades the cheap
// dashboard poll, never the attendance records themselves.
func (r *Redis) IncrPresent(ctx context.Context, sessionID string) error {
	key := presentKey(sessionID)
	if err := r.Client.Incr(ctx, key).Err(); err != nil {
		return err
	}
	return r.Client.Expire(ctx, key, counterTTL).Err()
}

// PresentCount reads the session's headcount counter, zero when unset.
func (r *Redis) PresentCount(ctx context.Context, sessionID string) (int64, error) {
	n, err := r.Client.Get(ctx, presentKey(sessionID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
