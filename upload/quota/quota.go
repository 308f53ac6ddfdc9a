// Package quota implements the per-user storage quota reconciler. A
// reservation is checked and taken atomically against a cached counter, then
// committed to the durable counter inside a transaction scoped to the user's
// row; assembly failures release the reservation so usage is never partially
// charged.
package quota

import (
	"context"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/memory"

	"github.com/icefunicu/cloudpan/metadb"
	"github.com/icefunicu/cloudpan/private/redis"
)

var (
	// Error is the default quota error class.
	Error = errs.Class("quota")

	// ErrQuotaExceeded is returned when an operation would push a user's
	// usage past their total allowance. Fatal for the upload; not retryable
	// without a quota change.
	ErrQuotaExceeded = errs.Class("quota exceeded")

	mon = monkit.Package()
)

const usedPrefix = "quota:used:"

// reserveScript atomically adds a delta to the cached usage counter and rolls
// it back when a positive delta would exceed the total allowance. Two
// concurrent reservations for the same user therefore never both fit into the
// same remaining space.
const reserveScript = `
local current = redis.call("incrby", KEYS[1], ARGV[1])
if tonumber(ARGV[1]) > 0 and current > tonumber(ARGV[2]) then
	redis.call("decrby", KEYS[1], ARGV[1])
	return 0
end
return 1
`

// Config defines parameters for the quota reconciler.
type Config struct {
	DefaultTotal memory.Size   `help:"storage allowance granted to users without an explicit quota" default:"10.00 GB"`
	CacheTTL     time.Duration `help:"how long the cached usage counter is kept" default:"24h0m0s"`
}

// Service reconciles per-user space usage between the cache and the durable
// store.
type Service struct {
	log    *zap.Logger
	cache  *redis.Client
	db     *metadb.DB
	config Config
}

// New creates a new quota reconciler.
func New(log *zap.Logger, cache *redis.Client, db *metadb.DB, config Config) *Service {
	return &Service{log: log, cache: cache, db: db, config: config}
}

// Reserve atomically takes delta bytes of the user's allowance in the cached
// counter, returning ErrQuotaExceeded when it does not fit. A successful
// reservation must be followed by Commit or Release. Negative deltas (space
// being given back) always succeed.
func (service *Service) Reserve(ctx context.Context, userID string, delta int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	total, err := service.ensureCached(ctx, userID)
	if err != nil {
		return err
	}

	granted, err := service.cache.EvalInt(ctx, reserveScript,
		[]string{usedPrefix + userID}, delta, total)
	if err != nil {
		return Error.Wrap(err)
	}
	if granted == 0 {
		return ErrQuotaExceeded.New("user %q cannot fit %d more bytes into %d total", userID, delta, total)
	}
	return nil
}

// Commit reflects a reservation in the durable counter. The durable store is
// the authority: when it rejects the delta the cached reservation is rolled
// back and ErrQuotaExceeded returned.
func (service *Service) Commit(ctx context.Context, userID string, delta int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := service.db.EnsureUserSpace(ctx, userID, service.config.DefaultTotal.Int64()); err != nil {
		return Error.Wrap(err)
	}
	if err := service.db.AddUsedSpace(ctx, userID, delta); err != nil {
		if metadb.ErrSpaceLimit.Has(err) {
			if releaseErr := service.Release(ctx, userID, delta); releaseErr != nil {
				service.log.Warn("failed to roll back cached reservation",
					zap.String("user", userID), zap.Error(releaseErr))
			}
			return ErrQuotaExceeded.Wrap(err)
		}
		return Error.Wrap(err)
	}
	return nil
}

// Release gives back a reservation that will not be committed.
func (service *Service) Release(ctx context.Context, userID string, delta int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = service.cache.IncrBy(ctx, usedPrefix+userID, -delta)
	return Error.Wrap(err)
}

// Usage returns the user's current used and total bytes, preferring the
// cached counter for used bytes.
func (service *Service) Usage(ctx context.Context, userID string) (usedBytes, totalBytes int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := service.db.EnsureUserSpace(ctx, userID, service.config.DefaultTotal.Int64()); err != nil {
		return 0, 0, Error.Wrap(err)
	}

	var group errgroup.Group
	group.Go(func() error {
		value, err := service.cache.Get(ctx, usedPrefix+userID)
		if err != nil {
			if redis.ErrKeyNotFound.Has(err) {
				usedBytes, _, err = service.db.UserSpace(ctx, userID)
				return err
			}
			return err
		}
		usedBytes, err = strconv.ParseInt(value, 10, 64)
		return err
	})
	group.Go(func() error {
		var err error
		_, totalBytes, err = service.db.UserSpace(ctx, userID)
		return err
	})

	if err := group.Wait(); err != nil {
		return 0, 0, Error.Wrap(err)
	}
	return usedBytes, totalBytes, nil
}

// ensureCached makes sure the durable row exists and the cached counter is
// seeded from it, and returns the user's total allowance.
func (service *Service) ensureCached(ctx context.Context, userID string) (total int64, err error) {
	if err := service.db.EnsureUserSpace(ctx, userID, service.config.DefaultTotal.Int64()); err != nil {
		return 0, Error.Wrap(err)
	}

	used, total, err := service.db.UserSpace(ctx, userID)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	if _, err := service.cache.SetNX(ctx, usedPrefix+userID,
		strconv.FormatInt(used, 10), service.config.CacheTTL); err != nil {
		return 0, Error.Wrap(err)
	}
	return total, nil
}
