// Package upload exposes the resumable chunked-upload and
// content-deduplication engine to the controller layer: chunk delivery with
// per-user admission control, progress queries for resumption, instant
// uploads of already-known content, finalize, and recycle-bin transitions
// with quota reconciliation.
package upload

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/icefunicu/cloudpan/blobstore"
	"github.com/icefunicu/cloudpan/metadb"
	"github.com/icefunicu/cloudpan/private/redis"
	"github.com/icefunicu/cloudpan/upload/collector"
	"github.com/icefunicu/cloudpan/upload/dedup"
	"github.com/icefunicu/cloudpan/upload/limiter"
	"github.com/icefunicu/cloudpan/upload/merger"
	"github.com/icefunicu/cloudpan/upload/quota"
	"github.com/icefunicu/cloudpan/upload/sessions"
)

var (
	// Error is the default upload error class.
	Error = errs.Class("upload")

	mon = monkit.Package()
)

// Config defines parameters for the upload engine.
type Config struct {
	Limiter   limiter.Config
	Sessions  sessions.Config
	Merger    merger.Config
	Quota     quota.Config
	Dedup     dedup.Config
	Collector collector.Config
}

// Status aliases the session tracker's progress status.
type Status = sessions.Status

// Progress reports completed versus declared chunks of a session.
type Progress struct {
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Chunks    []int64 `json:"chunks,omitempty"`
}

// Service is the engine facade consumed by the controller layer.
type Service struct {
	log     *zap.Logger
	db      *metadb.DB
	quota   *quota.Service
	index   *dedup.Index
	tracker *sessions.Tracker
	merger  *merger.Engine
	gateway blobstore.Gateway
}

// New wires the upload engine from its collaborators.
func New(log *zap.Logger, client *redis.Client, gateway blobstore.Gateway, db *metadb.DB, config Config) *Service {
	admission := limiter.New(log.Named("limiter"), client, config.Limiter)
	tracker := sessions.NewTracker(log.Named("sessions"), client, gateway, admission, config.Sessions)
	quotas := quota.New(log.Named("quota"), client, db, config.Quota)
	index := dedup.NewIndex(log.Named("dedup"), client, db, config.Dedup)
	engine := merger.NewEngine(log.Named("merger"), client, gateway, tracker, db, quotas, index, config.Merger)

	return &Service{
		log:     log,
		db:      db,
		quota:   quotas,
		index:   index,
		tracker: tracker,
		merger:  engine,
		gateway: gateway,
	}
}

// Tracker exposes the session tracker, for wiring the janitor.
func (service *Service) Tracker() *sessions.Tracker { return service.tracker }

// Index exposes the content-addressable index, for warming at startup.
func (service *Service) Index() *dedup.Index { return service.index }

// Quota exposes the quota reconciler.
func (service *Service) Quota() *quota.Service { return service.quota }

// UploadChunk delivers one chunk of a session. Delivery is at-least-once
// safe; the returned status reports whether the session became merge-ready.
func (service *Service) UploadChunk(ctx context.Context, userID, contentHash string, chunkIndex, totalChunks int, data io.Reader, size int64) (_ Status, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.tracker.Begin(ctx, userID, contentHash, chunkIndex, totalChunks, data, size)
}

// IsChunkUploaded reports whether a chunk index is already durably stored.
func (service *Service) IsChunkUploaded(ctx context.Context, userID, contentHash string, chunkIndex int) (bool, error) {
	return service.tracker.IsUploaded(ctx, userID, contentHash, chunkIndex)
}

// GetProgress returns the session's completed chunk count, declared total and
// the completed indices so a reconnecting client can upload only the gaps.
func (service *Service) GetProgress(ctx context.Context, userID, contentHash string) (_ Progress, err error) {
	defer mon.Task()(&ctx)(&err)

	completed, total, err := service.tracker.Progress(ctx, userID, contentHash)
	if err != nil {
		return Progress{}, err
	}
	chunks, err := service.tracker.Completed(ctx, userID, contentHash)
	if err != nil {
		return Progress{}, err
	}
	return Progress{Completed: completed, Total: total, Chunks: chunks}, nil
}

// Finalize merges a completed session into a durable object.
func (service *Service) Finalize(ctx context.Context, userID, contentHash string, totalChunks int) (merger.Result, error) {
	return service.merger.Finalize(ctx, userID, contentHash, totalChunks)
}

// ClearSession drops all tracker state of a session.
func (service *Service) ClearSession(ctx context.Context, userID, contentHash string) error {
	return service.tracker.Clear(ctx, userID, contentHash)
}

// TryInstantUpload completes an upload without transferring bytes when
// identical content is already stored. It returns (nil, nil) when no reusable
// source exists and the caller must run a full chunked transfer. The new
// owner is charged the reused object's size even though the bytes are shared.
func (service *Service) TryInstantUpload(ctx context.Context, userID, contentHash string, name, parentID string) (_ *metadb.File, err error) {
	defer mon.Task()(&ctx)(&err)

	source, err := service.index.Lookup(ctx, contentHash)
	if err != nil || source == nil {
		return nil, err
	}

	if err := service.quota.Reserve(ctx, userID, source.Size); err != nil {
		return nil, err
	}

	file := &metadb.File{
		ID:          uuid.NewString(),
		OwnerID:     userID,
		ContentHash: source.ContentHash,
		Size:        source.Size,
		StoragePath: source.StoragePath,
		Status:      metadb.StatusReady,
		ParentID:    parentID,
		Name:        name,
	}
	if err := service.db.CreateFile(ctx, file); err != nil {
		if releaseErr := service.quota.Release(ctx, userID, source.Size); releaseErr != nil {
			service.log.Warn("failed to release instant-upload reservation", zap.Error(releaseErr))
		}
		return nil, Error.Wrap(err)
	}
	if err := service.quota.Commit(ctx, userID, source.Size); err != nil {
		if delErr := service.db.DeleteFile(ctx, file.ID); delErr != nil {
			service.log.Warn("failed to roll back instant-upload record", zap.Error(delErr))
		}
		return nil, err
	}

	service.log.Info("instant upload",
		zap.String("user", userID),
		zap.String("hash", contentHash),
		zap.String("file", file.ID),
		zap.String("source", source.ID))

	return file, nil
}

// Recycle moves a file into the recycle bin. Quota stays charged until the
// record is purged.
func (service *Service) Recycle(ctx context.Context, userID, fileID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := service.ownedFile(ctx, userID, fileID)
	if err != nil {
		return err
	}
	if file.DeletionState != metadb.DeletionActive {
		return Error.New("file %q is not active", fileID)
	}
	return service.db.SetDeletionState(ctx, fileID, metadb.DeletionRecycled)
}

// Restore moves a recycled file back to active.
func (service *Service) Restore(ctx context.Context, userID, fileID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := service.ownedFile(ctx, userID, fileID)
	if err != nil {
		return err
	}
	if file.DeletionState != metadb.DeletionRecycled {
		return Error.New("file %q is not recycled", fileID)
	}
	return service.db.SetDeletionState(ctx, fileID, metadb.DeletionActive)
}

// Purge removes a file record for good, gives the space back to the owner,
// and deletes the underlying bytes once no other record references them.
func (service *Service) Purge(ctx context.Context, userID, fileID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := service.ownedFile(ctx, userID, fileID)
	if err != nil {
		return err
	}

	if err := service.db.SetDeletionState(ctx, fileID, metadb.DeletionPurged); err != nil {
		return err
	}
	if err := service.quota.Reserve(ctx, userID, -file.Size); err != nil {
		return err
	}
	if err := service.quota.Commit(ctx, userID, -file.Size); err != nil {
		return err
	}

	references, err := service.db.CountReferences(ctx, file.StoragePath)
	if err != nil {
		return err
	}
	if references == 0 {
		if err := service.index.Forget(ctx, file.ContentHash); err != nil {
			service.log.Warn("failed to drop hash mapping", zap.Error(err))
		}
		if err := service.gateway.Delete(ctx, file.StoragePath); err != nil {
			return Error.Wrap(err)
		}
	}
	return service.db.DeleteFile(ctx, fileID)
}

func (service *Service) ownedFile(ctx context.Context, userID, fileID string) (*metadb.File, error) {
	file, err := service.db.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != userID {
		return nil, metadb.ErrNotFound.New("file %q", fileID)
	}
	return file, nil
}
