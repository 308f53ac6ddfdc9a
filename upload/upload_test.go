package upload_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/icefunicu/cloudpan/blobstore"
	"github.com/icefunicu/cloudpan/metadb"
	"github.com/icefunicu/cloudpan/private/testredis"
	"github.com/icefunicu/cloudpan/upload"
	"github.com/icefunicu/cloudpan/upload/collector"
	"github.com/icefunicu/cloudpan/upload/dedup"
	"github.com/icefunicu/cloudpan/upload/limiter"
	"github.com/icefunicu/cloudpan/upload/merger"
	"github.com/icefunicu/cloudpan/upload/quota"
	"github.com/icefunicu/cloudpan/upload/sessions"
)

func newService(t *testing.T, ctx *testcontext.Context) (*upload.Service, blobstore.Gateway) {
	log := zaptest.NewLogger(t)

	client, cleanup, err := testredis.Client(ctx)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	db, err := metadb.Open(ctx, log.Named("metadb"), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	gateway, err := blobstore.NewLocal(log.Named("blobstore"), ctx.Dir("blobs"))
	require.NoError(t, err)

	service := upload.New(log, client, gateway, db, upload.Config{
		Limiter: limiter.Config{
			MaxConcurrent: 5,
			CounterTTL:    time.Hour,
		},
		Sessions: sessions.Config{
			TTL:          24 * time.Hour,
			UploadingTTL: time.Hour,
		},
		Merger: merger.Config{
			MergingTTL:   time.Minute,
			ResultTTL:    time.Hour,
			PollInterval: 5 * time.Millisecond,
		},
		Quota: quota.Config{
			DefaultTotal: 1 << 20,
			CacheTTL:     time.Hour,
		},
		Dedup: dedup.Config{
			ExpectedObjects:   1000,
			FalsePositiveRate: 0.1,
			CacheTTL:          time.Hour,
		},
		Collector: collector.Config{
			Interval:   time.Hour,
			Expiration: 24 * time.Hour,
		},
	})
	return service, gateway
}

func makeChunks(count, size int) (chunks [][]byte, contentHash string) {
	hasher := md5.New()
	for i := 0; i < count; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, size)
		chunks = append(chunks, chunk)
		_, _ = hasher.Write(chunk)
	}
	return chunks, hex.EncodeToString(hasher.Sum(nil))
}

func uploadAll(ctx context.Context, t *testing.T, service *upload.Service, user, hash string, chunks [][]byte) merger.Result {
	for i, chunk := range chunks {
		_, err := service.UploadChunk(ctx, user, hash, i, len(chunks),
			bytes.NewReader(chunk), int64(len(chunk)))
		require.NoError(t, err)
	}
	result, err := service.Finalize(ctx, user, hash, len(chunks))
	require.NoError(t, err)
	return result
}

func TestEndToEndChunkedUpload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, gateway := newService(t, ctx)

	chunks, contentHash := makeChunks(5, 64)

	// the client may deliver chunks in any order
	var status upload.Status
	for _, index := range []int{0, 2, 4, 1} {
		var err error
		status, err = service.UploadChunk(ctx, "alice", contentHash, index, 5,
			bytes.NewReader(chunks[index]), int64(len(chunks[index])))
		require.NoError(t, err)
		require.Equal(t, sessions.StatusUploading, status)
	}

	// a reconnecting client sees exactly the gap
	progress, err := service.GetProgress(ctx, "alice", contentHash)
	require.NoError(t, err)
	require.Equal(t, 4, progress.Completed)
	require.Equal(t, 5, progress.Total)
	require.ElementsMatch(t, []int64{0, 1, 2, 4}, progress.Chunks)

	uploaded, err := service.IsChunkUploaded(ctx, "alice", contentHash, 3)
	require.NoError(t, err)
	require.False(t, uploaded)

	status, err = service.UploadChunk(ctx, "alice", contentHash, 3, 5,
		bytes.NewReader(chunks[3]), int64(len(chunks[3])))
	require.NoError(t, err)
	require.Equal(t, sessions.StatusMergeReady, status)

	result, err := service.Finalize(ctx, "alice", contentHash, 5)
	require.NoError(t, err)
	require.EqualValues(t, 5*64, result.Size)

	// a duplicate finalize returns the same object without a second charge
	again, err := service.Finalize(ctx, "alice", contentHash, 5)
	require.NoError(t, err)
	require.Equal(t, result, again)

	used, _, err := service.Quota().Usage(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, result.Size, used)

	// the stored object is byte-identical to the source
	rc, err := gateway.Get(ctx, merger.ObjectPath("alice", contentHash))
	require.NoError(t, err)
	assembled, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, bytes.Join(chunks, nil), assembled)
}

func TestInstantUpload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _ := newService(t, ctx)

	chunks, contentHash := makeChunks(3, 128)
	result := uploadAll(ctx, t, service, "alice", contentHash, chunks)

	// unknown content falls back to a full transfer
	file, err := service.TryInstantUpload(ctx, "bob",
		"00000000000000000000000000000000", "copy.bin", "")
	require.NoError(t, err)
	require.Nil(t, file)

	// known content completes without moving bytes and still charges bob
	file, err = service.TryInstantUpload(ctx, "bob", contentHash, "copy.bin", "")
	require.NoError(t, err)
	require.NotNil(t, file)
	require.Equal(t, "bob", file.OwnerID)
	require.Equal(t, result.Size, file.Size)
	require.Equal(t, merger.ObjectPath("alice", contentHash), file.StoragePath)
	require.NotEqual(t, result.FileID, file.ID)

	used, _, err := service.Quota().Usage(ctx, "bob")
	require.NoError(t, err)
	require.EqualValues(t, result.Size, used)
}

func TestRecycleRestorePurge(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, gateway := newService(t, ctx)

	chunks, contentHash := makeChunks(2, 256)
	result := uploadAll(ctx, t, service, "alice", contentHash, chunks)

	bobFile, err := service.TryInstantUpload(ctx, "bob", contentHash, "copy.bin", "")
	require.NoError(t, err)
	require.NotNil(t, bobFile)

	// recycling keeps the charge and the bytes
	require.NoError(t, service.Recycle(ctx, "alice", result.FileID))
	require.Error(t, service.Recycle(ctx, "alice", result.FileID))

	used, _, err := service.Quota().Usage(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, result.Size, used)

	require.NoError(t, service.Restore(ctx, "alice", result.FileID))
	require.Error(t, service.Restore(ctx, "alice", result.FileID))

	// bob cannot touch alice's record
	require.Error(t, service.Recycle(ctx, "bob", result.FileID))

	// purging one owner refunds the space but keeps the shared bytes
	require.NoError(t, service.Purge(ctx, "bob", bobFile.ID))

	used, _, err = service.Quota().Usage(ctx, "bob")
	require.NoError(t, err)
	require.Zero(t, used)

	rc, err := gateway.Get(ctx, merger.ObjectPath("alice", contentHash))
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	// purging the last owner deletes the object itself
	require.NoError(t, service.Purge(ctx, "alice", result.FileID))

	used, _, err = service.Quota().Usage(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, used)

	_, err = gateway.Get(ctx, merger.ObjectPath("alice", contentHash))
	require.Error(t, err)
}
