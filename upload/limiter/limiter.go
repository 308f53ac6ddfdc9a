// Package limiter bounds the number of simultaneous chunk-write operations
// per user. Admission never blocks: a request either gets a slot immediately
// or is rejected.
package limiter

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/icefunicu/cloudpan/private/redis"
)

var (
	// Error is the default limiter error class.
	Error = errs.Class("limiter")

	// ErrLimitExceeded is returned when a user already has the maximum number
	// of chunk writes in flight. Retryable by the client after backoff.
	ErrLimitExceeded = errs.Class("concurrency limit exceeded")

	mon = monkit.Package()
)

const counterPrefix = "upload:concurrent:"

// acquireScript atomically bumps the per-user in-flight counter and rolls the
// bump back when it would pass the ceiling. The TTL guards against counters
// leaked by a crashed process.
const acquireScript = `
local current = redis.call("incr", KEYS[1])
if current == 1 and tonumber(ARGV[2]) > 0 then
	redis.call("expire", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	redis.call("decr", KEYS[1])
	return 0
end
return 1
`

// releaseScript decrements the counter without letting it go negative.
const releaseScript = `
local current = redis.call("decr", KEYS[1])
if current < 0 then
	redis.call("set", KEYS[1], 0)
end
return current
`

// Config defines parameters for the per-user concurrency limiter.
type Config struct {
	MaxConcurrent int           `help:"how many chunk writes a single user may have in flight" default:"5"`
	CounterTTL    time.Duration `help:"how long an idle in-flight counter is kept" default:"1h0m0s"`
}

// Limiter tracks per-user in-flight chunk writes in the session store.
type Limiter struct {
	log    *zap.Logger
	client *redis.Client
	config Config
}

// New creates a new per-user concurrency limiter.
func New(log *zap.Logger, client *redis.Client, config Config) *Limiter {
	return &Limiter{log: log, client: client, config: config}
}

// TryAcquire attempts to take a chunk-write slot for the user. It returns
// ErrLimitExceeded without blocking when the user is at the ceiling. Every
// successful acquire must be paired with a Release on all exit paths.
func (limiter *Limiter) TryAcquire(ctx context.Context, userID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	granted, err := limiter.client.EvalInt(ctx, acquireScript,
		[]string{counterPrefix + userID},
		limiter.config.MaxConcurrent, int(limiter.config.CounterTTL.Seconds()))
	if err != nil {
		return Error.Wrap(err)
	}
	if granted == 0 {
		limiter.log.Debug("upload admission rejected",
			zap.String("user", userID),
			zap.Int("ceiling", limiter.config.MaxConcurrent))
		return ErrLimitExceeded.New("user %q has %d writes in flight", userID, limiter.config.MaxConcurrent)
	}
	return nil
}

// Release returns a previously acquired chunk-write slot.
func (limiter *Limiter) Release(ctx context.Context, userID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = limiter.client.EvalInt(ctx, releaseScript,
		[]string{counterPrefix + userID})
	return Error.Wrap(err)
}
