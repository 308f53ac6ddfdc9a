// Package merger implements the merge/finalize engine: it assembles the
// chunks of a completed session into one durable object, verifies its content
// hash, publishes the stored-object record and charges quota.
//
// Finalize is single-winner. The transition into the merge critical section
// is an atomic latch in the session store, so concurrent finalize calls for
// the same session never double-materialize the object or double-charge
// quota: the winner runs assembly once and records a terminal result, late
// callers observe the terminal result.
package merger

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/icefunicu/cloudpan/blobstore"
	"github.com/icefunicu/cloudpan/metadb"
	"github.com/icefunicu/cloudpan/private/redis"
	"github.com/icefunicu/cloudpan/upload/dedup"
	"github.com/icefunicu/cloudpan/upload/quota"
	"github.com/icefunicu/cloudpan/upload/sessions"
)

var (
	// Error is the default merger error class.
	Error = errs.Class("merger")

	// ErrChunksMissing is returned when finalize is called before every
	// chunk of the session is stored. The client must keep uploading.
	ErrChunksMissing = errs.Class("chunks missing")

	// ErrMergeFailed is returned when assembly fails. The session stays
	// merge-ready so finalize can be retried; no quota is charged.
	ErrMergeFailed = errs.Class("merge failed")

	// ErrHashMismatch is returned when the assembled object's content hash
	// disagrees with the declared hash. The object is not published and the
	// session is cleared; the caller must restart the upload.
	ErrHashMismatch = errs.Class("hash mismatch")

	mon = monkit.Package()
)

const (
	mergePrefix  = "upload:merge:"
	mergingState = "merging"
)

// Result is the outcome of a successful finalize.
type Result struct {
	FileID string `json:"fileId"`
	Size   int64  `json:"size"`
	Status string `json:"status"`
}

// StatusReady is the terminal status of a finalized upload.
const StatusReady = "ready"

// Config defines parameters for the merge engine.
type Config struct {
	MergingTTL   time.Duration `help:"how long the merge latch is held before a crashed merge may be retried" default:"30m0s"`
	ResultTTL    time.Duration `help:"how long the terminal merge result is kept for duplicate finalize calls" default:"24h0m0s"`
	PollInterval time.Duration `help:"how often a concurrent finalize call polls for the winner's result" default:"50ms"`
}

// Engine assembles completed chunk sessions into durable objects.
type Engine struct {
	log     *zap.Logger
	client  *redis.Client
	gateway blobstore.Gateway
	tracker *sessions.Tracker
	db      *metadb.DB
	quota   *quota.Service
	index   *dedup.Index
	config  Config
}

// NewEngine creates a new merge engine.
func NewEngine(log *zap.Logger, client *redis.Client, gateway blobstore.Gateway, tracker *sessions.Tracker, db *metadb.DB, quota *quota.Service, index *dedup.Index, config Config) *Engine {
	return &Engine{
		log:     log,
		client:  client,
		gateway: gateway,
		tracker: tracker,
		db:      db,
		quota:   quota,
		index:   index,
		config:  config,
	}
}

// ObjectPath returns the destination path of a finalized object.
func ObjectPath(userID, contentHash string) string {
	return "files/" + userID + "/" + contentHash
}

func mergeKey(userID, contentHash string) string {
	return mergePrefix + userID + ":" + contentHash
}

// Finalize merges the chunks of a completed session into one object and
// publishes it. Duplicate and concurrent calls return the winner's result
// without re-running assembly.
func (engine *Engine) Finalize(ctx context.Context, userID, contentHash string, totalChunks int) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if result, ok, err := engine.terminal(ctx, userID, contentHash); err != nil {
		return Result{}, err
	} else if ok {
		return result, nil
	}

	acquired, err := engine.client.SetNX(ctx, mergeKey(userID, contentHash),
		mergingState, engine.config.MergingTTL)
	if err != nil {
		return Result{}, Error.Wrap(err)
	}
	if !acquired {
		return engine.await(ctx, userID, contentHash)
	}

	result, err := engine.assemble(ctx, userID, contentHash, totalChunks)
	if err != nil {
		// drop the latch so finalize stays retryable
		if delErr := engine.client.Delete(ctx, mergeKey(userID, contentHash)); delErr != nil {
			engine.log.Warn("failed to drop merge latch",
				zap.String("user", userID),
				zap.String("hash", contentHash),
				zap.Error(delErr))
		}
		return Result{}, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return Result{}, Error.Wrap(err)
	}
	if err := engine.client.Set(ctx, mergeKey(userID, contentHash),
		string(data), engine.config.ResultTTL); err != nil {
		engine.log.Warn("failed to record terminal merge result",
			zap.String("user", userID),
			zap.String("hash", contentHash),
			zap.Error(err))
	}

	engine.log.Info("upload finalized",
		zap.String("user", userID),
		zap.String("hash", contentHash),
		zap.String("file", result.FileID),
		zap.Int64("size", result.Size))

	return result, nil
}

// terminal reports a previously produced finalize result, from the session
// store or, after its TTL, from the durable record.
func (engine *Engine) terminal(ctx context.Context, userID, contentHash string) (Result, bool, error) {
	value, err := engine.client.Get(ctx, mergeKey(userID, contentHash))
	if err == nil && value != mergingState {
		var result Result
		if err := json.Unmarshal([]byte(value), &result); err == nil {
			return result, true, nil
		}
	} else if err != nil && !redis.ErrKeyNotFound.Has(err) {
		return Result{}, false, Error.Wrap(err)
	}

	if err == nil && value == mergingState {
		return Result{}, false, nil
	}

	file, err := engine.db.GetOwnerFileByHash(ctx, userID, contentHash)
	if err != nil {
		if metadb.ErrNotFound.Has(err) {
			return Result{}, false, nil
		}
		return Result{}, false, Error.Wrap(err)
	}
	return Result{FileID: file.ID, Size: file.Size, Status: StatusReady}, true, nil
}

// await polls until the concurrent winner publishes its terminal result or
// gives up the latch.
func (engine *Engine) await(ctx context.Context, userID, contentHash string) (Result, error) {
	for {
		value, err := engine.client.Get(ctx, mergeKey(userID, contentHash))
		switch {
		case redis.ErrKeyNotFound.Has(err):
			return Result{}, ErrMergeFailed.New("concurrent merge attempt failed; retry finalize")
		case err != nil:
			return Result{}, Error.Wrap(err)
		case value != mergingState:
			var result Result
			if err := json.Unmarshal([]byte(value), &result); err != nil {
				return Result{}, Error.Wrap(err)
			}
			return result, nil
		}

		if !sync2.Sleep(ctx, engine.config.PollInterval) {
			return Result{}, Error.Wrap(ctx.Err())
		}
	}
}

// assemble concatenates chunks in index order into the destination object,
// verifies the content hash, publishes the record and charges quota.
func (engine *Engine) assemble(ctx context.Context, userID, contentHash string, totalChunks int) (Result, error) {
	completed, _, err := engine.tracker.Progress(ctx, userID, contentHash)
	if err != nil {
		return Result{}, Error.Wrap(err)
	}
	if completed < totalChunks {
		return Result{}, ErrChunksMissing.New("%d of %d chunks stored", completed, totalChunks)
	}

	dstPath := ObjectPath(userID, contentHash)

	hasher := md5.New()
	pr, pw := io.Pipe()
	var size int64
	done := make(chan struct{})

	go func() {
		defer close(done)
		var copyErr error
		for i := 0; i < totalChunks; i++ {
			rc, err := engine.gateway.Get(ctx, sessions.ChunkPath(userID, contentHash, i))
			if err != nil {
				copyErr = err
				break
			}
			n, err := io.Copy(io.MultiWriter(pw, hasher), rc)
			size += n
			copyErr = errs.Combine(err, rc.Close())
			if copyErr != nil {
				break
			}
		}
		pw.CloseWithError(copyErr)
	}()

	if err := engine.gateway.PutStream(ctx, dstPath, pr, -1); err != nil {
		_ = pr.CloseWithError(err)
		<-done
		return Result{}, ErrMergeFailed.Wrap(err)
	}
	<-done

	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != contentHash {
		engine.discard(ctx, dstPath)
		if err := engine.tracker.Clear(ctx, userID, contentHash); err != nil {
			engine.log.Warn("failed to clear corrupt session", zap.Error(err))
		}
		return Result{}, ErrHashMismatch.New("declared %s, assembled %s", contentHash, actual)
	}

	if err := engine.quota.Reserve(ctx, userID, size); err != nil {
		engine.discard(ctx, dstPath)
		if quota.ErrQuotaExceeded.Has(err) {
			return Result{}, err
		}
		return Result{}, ErrMergeFailed.Wrap(err)
	}

	file := &metadb.File{
		ID:          uuid.NewString(),
		OwnerID:     userID,
		ContentHash: contentHash,
		Size:        size,
		StoragePath: dstPath,
		Status:      metadb.StatusReady,
	}
	if err := engine.db.CreateFile(ctx, file); err != nil {
		engine.release(ctx, userID, size)
		engine.discard(ctx, dstPath)
		return Result{}, ErrMergeFailed.Wrap(err)
	}

	if err := engine.quota.Commit(ctx, userID, size); err != nil {
		if delErr := engine.db.DeleteFile(ctx, file.ID); delErr != nil {
			engine.log.Warn("failed to roll back file record", zap.Error(delErr))
		}
		engine.discard(ctx, dstPath)
		if quota.ErrQuotaExceeded.Has(err) {
			return Result{}, err
		}
		engine.release(ctx, userID, size)
		return Result{}, ErrMergeFailed.Wrap(err)
	}

	if err := engine.index.Register(ctx, contentHash, file.ID); err != nil {
		// a missed registration only costs a future full upload
		engine.log.Warn("failed to register content hash", zap.Error(err))
	}

	if err := engine.gateway.DeletePrefix(ctx, sessions.ChunkPrefix(userID, contentHash)); err != nil {
		engine.log.Warn("failed to delete chunk prefix",
			zap.String("user", userID),
			zap.String("hash", contentHash),
			zap.Error(err))
	}
	if err := engine.tracker.Clear(ctx, userID, contentHash); err != nil {
		engine.log.Warn("failed to clear merged session", zap.Error(err))
	}

	return Result{FileID: file.ID, Size: size, Status: StatusReady}, nil
}

func (engine *Engine) discard(ctx context.Context, path string) {
	if err := engine.gateway.Delete(ctx, path); err != nil {
		engine.log.Warn("failed to discard assembled object",
			zap.String("path", path), zap.Error(err))
	}
}

func (engine *Engine) release(ctx context.Context, userID string, size int64) {
	if err := engine.quota.Release(ctx, userID, size); err != nil {
		engine.log.Warn("failed to release quota reservation",
			zap.String("user", userID), zap.Error(err))
	}
}
