// Package sessions implements the chunk session tracker: per (user, content
// hash) ephemeral state recording which chunk indices are in flight and which
// are durably stored, with expiry.
//
// The tracker keeps its state in the session store as named sets so that
// concurrent chunk writers only ever perform atomic add/remove/size
// operations, never read-modify-write.
package sessions

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/icefunicu/cloudpan/blobstore"
	"github.com/icefunicu/cloudpan/private/redis"
	"github.com/icefunicu/cloudpan/upload/limiter"
)

var (
	// Error is the default sessions error class.
	Error = errs.Class("sessions")

	// ErrChunkWrite is returned when persisting a chunk fails. The chunk's
	// state is rolled back so the client can retry the same index.
	ErrChunkWrite = errs.Class("chunk write")

	mon = monkit.Package()
)

const (
	progressPrefix = "upload:progress:"
	registryKey    = "upload:sessions"
)

// Status reports how far an upload session has progressed.
type Status string

const (
	// StatusUploading means more chunks are still missing.
	StatusUploading Status = "uploading"
	// StatusMergeReady means every chunk of the session is durably stored.
	StatusMergeReady Status = "merge_ready"
)

// Session identifies one in-progress multi-chunk upload.
type Session struct {
	UserID      string
	ContentHash string
}

// Config defines parameters for the chunk session tracker.
type Config struct {
	TTL          time.Duration `help:"how long an inactive upload session is kept before the janitor reclaims it" default:"24h0m0s"`
	UploadingTTL time.Duration `help:"how long an in-flight chunk marker is kept" default:"1h0m0s"`
}

// Tracker records chunk upload intent and completion and delegates the chunk
// bytes to the storage gateway.
type Tracker struct {
	log     *zap.Logger
	client  *redis.Client
	gateway blobstore.Gateway
	limiter *limiter.Limiter
	config  Config
}

// NewTracker creates a new chunk session tracker.
func NewTracker(log *zap.Logger, client *redis.Client, gateway blobstore.Gateway, limiter *limiter.Limiter, config Config) *Tracker {
	return &Tracker{
		log:     log,
		client:  client,
		gateway: gateway,
		limiter: limiter,
		config:  config,
	}
}

// ChunkPath returns the deterministic storage path of one chunk.
func ChunkPath(userID, contentHash string, chunkIndex int) string {
	return fmt.Sprintf("chunks/%s/%s/%d", userID, contentHash, chunkIndex)
}

// ChunkPrefix returns the storage prefix holding every chunk of a session.
func ChunkPrefix(userID, contentHash string) string {
	return fmt.Sprintf("chunks/%s/%s", userID, contentHash)
}

func sessionKey(userID, contentHash string) string {
	return progressPrefix + userID + ":" + contentHash
}

func registryMember(userID, contentHash string) string {
	return userID + ":" + contentHash
}

// Begin records intent for one chunk, persists its bytes through the storage
// gateway and marks it completed. Chunk delivery is at-least-once: an index
// that is already completed is a no-op that still reports current progress.
func (tracker *Tracker) Begin(ctx context.Context, userID, contentHash string, chunkIndex, totalChunks int, data io.Reader, size int64) (_ Status, err error) {
	defer mon.Task()(&ctx)(&err)

	if totalChunks <= 0 || chunkIndex < 0 || chunkIndex >= totalChunks {
		return "", Error.New("chunk index %d out of range for %d total", chunkIndex, totalChunks)
	}

	if err := tracker.limiter.TryAcquire(ctx, userID); err != nil {
		return "", err
	}
	defer func() {
		if releaseErr := tracker.limiter.Release(ctx, userID); releaseErr != nil {
			tracker.log.Warn("failed to release upload slot",
				zap.String("user", userID), zap.Error(releaseErr))
		}
	}()

	key := sessionKey(userID, contentHash)

	done, err := tracker.client.SetContains(ctx, key+":completed", int64(chunkIndex))
	if err != nil {
		return "", Error.Wrap(err)
	}
	if done {
		return tracker.status(ctx, userID, contentHash, totalChunks)
	}

	if err := tracker.register(ctx, userID, contentHash, totalChunks); err != nil {
		return "", err
	}

	if err := tracker.client.SetAdd(ctx, key+":uploading", int64(chunkIndex)); err != nil {
		return "", Error.Wrap(err)
	}
	if err := tracker.client.Expire(ctx, key+":uploading", tracker.config.UploadingTTL); err != nil {
		return "", Error.Wrap(err)
	}

	if err := tracker.gateway.PutStream(ctx, ChunkPath(userID, contentHash, chunkIndex), data, size); err != nil {
		// roll back: the index must end up in neither set
		if remErr := tracker.client.SetRemove(ctx, key+":uploading", int64(chunkIndex)); remErr != nil {
			tracker.log.Warn("failed to roll back in-flight chunk marker",
				zap.String("user", userID),
				zap.String("hash", contentHash),
				zap.Int("chunk", chunkIndex),
				zap.Error(remErr))
		}
		return "", ErrChunkWrite.Wrap(err)
	}

	if err := tracker.client.SetAdd(ctx, key+":completed", int64(chunkIndex)); err != nil {
		return "", Error.Wrap(err)
	}
	if err := tracker.client.Expire(ctx, key+":completed", tracker.config.TTL); err != nil {
		return "", Error.Wrap(err)
	}
	if err := tracker.client.SetRemove(ctx, key+":uploading", int64(chunkIndex)); err != nil {
		return "", Error.Wrap(err)
	}

	tracker.log.Debug("chunk stored",
		zap.String("user", userID),
		zap.String("hash", contentHash),
		zap.Int("chunk", chunkIndex),
		zap.Int("total", totalChunks))

	return tracker.status(ctx, userID, contentHash, totalChunks)
}

// register makes the session visible to the janitor and records the declared
// chunk count. Idempotent across chunk calls of the same session.
func (tracker *Tracker) register(ctx context.Context, userID, contentHash string, totalChunks int) error {
	err := tracker.client.SortedAddNX(ctx, registryKey,
		float64(time.Now().Unix()), registryMember(userID, contentHash))
	if err != nil {
		return Error.Wrap(err)
	}

	key := sessionKey(userID, contentHash)
	if _, err := tracker.client.SetNX(ctx, key+":total",
		fmt.Sprint(totalChunks), tracker.config.TTL); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func (tracker *Tracker) status(ctx context.Context, userID, contentHash string, totalChunks int) (Status, error) {
	completed, err := tracker.client.SetCard(ctx, sessionKey(userID, contentHash)+":completed")
	if err != nil {
		return "", Error.Wrap(err)
	}
	if completed >= int64(totalChunks) {
		return StatusMergeReady, nil
	}
	return StatusUploading, nil
}

// Progress returns how many chunks of the session are completed and how many
// the session declares in total. A session that was never seen reports 0/0.
func (tracker *Tracker) Progress(ctx context.Context, userID, contentHash string) (completed, total int, err error) {
	defer mon.Task()(&ctx)(&err)

	key := sessionKey(userID, contentHash)

	count, err := tracker.client.SetCard(ctx, key+":completed")
	if err != nil {
		return 0, 0, Error.Wrap(err)
	}

	declared, err := tracker.client.Get(ctx, key+":total")
	if err != nil {
		if redis.ErrKeyNotFound.Has(err) {
			return int(count), 0, nil
		}
		return 0, 0, Error.Wrap(err)
	}

	if _, err := fmt.Sscan(declared, &total); err != nil {
		return 0, 0, Error.Wrap(err)
	}
	return int(count), total, nil
}

// IsUploaded reports whether the given chunk index is already completed.
func (tracker *Tracker) IsUploaded(ctx context.Context, userID, contentHash string, chunkIndex int) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	done, err := tracker.client.SetContains(ctx,
		sessionKey(userID, contentHash)+":completed", int64(chunkIndex))
	return done, Error.Wrap(err)
}

// Completed returns the chunk indices already stored, so a resuming client
// can upload only the gaps.
func (tracker *Tracker) Completed(ctx context.Context, userID, contentHash string) (_ []int64, err error) {
	defer mon.Task()(&ctx)(&err)

	members, err := tracker.client.SetMembers(ctx,
		sessionKey(userID, contentHash)+":completed")
	return members, Error.Wrap(err)
}

// Clear deletes all tracker state of the session.
func (tracker *Tracker) Clear(ctx context.Context, userID, contentHash string) (err error) {
	defer mon.Task()(&ctx)(&err)

	key := sessionKey(userID, contentHash)
	err = tracker.client.Delete(ctx, key+":uploading", key+":completed", key+":total")
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(tracker.client.SortedRemove(ctx, registryKey,
		registryMember(userID, contentHash)))
}

// Expired returns the sessions created before the given time that were never
// merged or cleared.
func (tracker *Tracker) Expired(ctx context.Context, before time.Time) (_ []Session, err error) {
	defer mon.Task()(&ctx)(&err)

	members, err := tracker.client.SortedRangeByScore(ctx, registryKey, float64(before.Unix()))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	sessions := make([]Session, 0, len(members))
	for _, member := range members {
		userID, contentHash, found := strings.Cut(member, ":")
		if !found {
			tracker.log.Warn("malformed session registry member", zap.String("member", member))
			continue
		}
		sessions = append(sessions, Session{UserID: userID, ContentHash: contentHash})
	}
	return sessions, nil
}
