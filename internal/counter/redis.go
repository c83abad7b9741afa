// Package counter keeps the daily feedback-regeneration tally in redis.
package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "atelier:feedback"
	// Keys outlive their day so late requests near midnight still see the tally.
	defaultKeyTTL = 48 * time.Hour
)

// Increments only while the tally is below the limit. Returns 1 when counted.
const incrementBelowLimitScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`

// RedisDailyCounter implements generation.DailyCounter.
type RedisDailyCounter struct {
	client    redis.Scripter
	script    *redis.Script
	keyPrefix string
	ttl       time.Duration
}

// NewRedisDailyCounter builds a counter on client.
func NewRedisDailyCounter(client redis.Scripter) *RedisDailyCounter {
	return &RedisDailyCounter{
		client:    client,
		script:    redis.NewScript(incrementBelowLimitScript),
		keyPrefix: defaultKeyPrefix,
		ttl:       defaultKeyTTL,
	}
}

// Connect parses a redis URL, falling back to treating it as host:port.
func Connect(ctx context.Context, rawURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		options = &redis.Options{Addr: rawURL}
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (counter *RedisDailyCounter) Increment(ctx context.Context, accountID ledger.AccountID, day string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	key := fmt.Sprintf("%s:%s:%s", counter.keyPrefix, accountID.String(), day)
	counted, err := counter.script.Run(ctx, counter.client, []string{key}, limit, int(counter.ttl.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("increment feedback counter: %w", err)
	}
	return counted == 1, nil
}
