// Package dedup implements the content-addressable index that enables
// instant (zero-transfer) uploads: a probabilistic membership filter consulted
// first, backed by a cached and a durable hash lookup.
package dedup

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/icefunicu/cloudpan/metadb"
	"github.com/icefunicu/cloudpan/private/redis"
)

var (
	// Error is the default dedup error class.
	Error = errs.Class("dedup")

	mon = monkit.Package()
)

const hashCachePrefix = "file:hash:"

// Config defines parameters for the content-addressable index.
type Config struct {
	ExpectedObjects   int           `help:"expected number of distinct stored objects, used to size the membership filter" default:"1000000"`
	FalsePositiveRate float64       `help:"acceptable false positive rate of the membership filter" default:"0.1"`
	CacheTTL          time.Duration `help:"how long a content hash to file id mapping is cached" default:"168h0m0s"`
}

// Index maps content hashes to existing Ready objects.
type Index struct {
	log    *zap.Logger
	filter *Filter
	cache  *redis.Client
	db     *metadb.DB
	config Config
}

// NewIndex creates a new content-addressable index.
func NewIndex(log *zap.Logger, cache *redis.Client, db *metadb.DB, config Config) *Index {
	return &Index{
		log:    log,
		filter: NewOptimalFilter(config.ExpectedObjects, config.FalsePositiveRate),
		cache:  cache,
		db:     db,
		config: config,
	}
}

// Warm seeds the membership filter with every hash known to be Ready.
func (index *Index) Warm(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var count int
	err = index.db.EachReadyHash(ctx, func(contentHash string) error {
		hash, err := ParseHash(contentHash)
		if err != nil {
			index.log.Warn("skipping malformed stored hash", zap.String("hash", contentHash))
			return nil
		}
		index.filter.Add(hash)
		count++
		return nil
	})
	if err != nil {
		return Error.Wrap(err)
	}
	index.log.Info("membership filter warmed", zap.Int("hashes", count))
	return nil
}

// Lookup returns a Ready, non-recycled record with the given content hash, or
// nil when no reusable source exists and the caller must run a full chunked
// transfer. A filter hit is always re-verified against the durable store, so
// false positives never cause incorrect reuse.
func (index *Index) Lookup(ctx context.Context, contentHash string) (_ *metadb.File, err error) {
	defer mon.Task()(&ctx)(&err)

	hash, err := ParseHash(contentHash)
	if err != nil {
		return nil, err
	}

	if !index.filter.Contains(hash) {
		return nil, nil
	}

	// cached hash -> file id mapping saves the durable lookup on hot hashes
	if fileID, err := index.cache.Get(ctx, hashCachePrefix+contentHash); err == nil {
		file, err := index.db.GetFile(ctx, fileID)
		if err == nil &&
			file.ContentHash == contentHash &&
			file.Status == metadb.StatusReady &&
			file.DeletionState == metadb.DeletionActive {
			return file, nil
		}
		// stale mapping; fall through to the durable lookup
		if err := index.cache.Delete(ctx, hashCachePrefix+contentHash); err != nil {
			index.log.Warn("failed to drop stale hash mapping", zap.Error(err))
		}
	} else if !redis.ErrKeyNotFound.Has(err) {
		index.log.Warn("hash cache lookup failed", zap.Error(err))
	}

	file, err := index.db.GetReadyByHash(ctx, contentHash)
	if err != nil {
		if metadb.ErrNotFound.Has(err) {
			// filter false positive
			mon.Counter("dedup_filter_false_positive").Inc(1)
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}

	if err := index.cache.Set(ctx, hashCachePrefix+contentHash, file.ID, index.config.CacheTTL); err != nil {
		index.log.Warn("failed to cache hash mapping", zap.Error(err))
	}
	return file, nil
}

// Register records that the given content hash is now Ready under fileID.
// Called after any new object reaches Ready.
func (index *Index) Register(ctx context.Context, contentHash, fileID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	hash, err := ParseHash(contentHash)
	if err != nil {
		return err
	}
	index.filter.Add(hash)
	return Error.Wrap(index.cache.Set(ctx, hashCachePrefix+contentHash, fileID, index.config.CacheTTL))
}

// Forget drops the cached mapping for a hash, typically when its last active
// record is deleted. The membership filter keeps the bit; the durable
// re-verification makes that harmless.
func (index *Index) Forget(ctx context.Context, contentHash string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(index.cache.Delete(ctx, hashCachePrefix+contentHash))
}
