package sessions_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/icefunicu/cloudpan/blobstore"
	"github.com/icefunicu/cloudpan/private/testredis"
	"github.com/icefunicu/cloudpan/upload/limiter"
	"github.com/icefunicu/cloudpan/upload/sessions"
)

const testHash = "0123456789abcdef0123456789abcdef"

// flakyGateway fails PutStream for selected paths.
type flakyGateway struct {
	blobstore.Gateway
	failing map[string]bool
}

func (gateway *flakyGateway) PutStream(ctx context.Context, path string, r io.Reader, size int64) error {
	if gateway.failing[path] {
		return errs.New("induced write failure")
	}
	return gateway.Gateway.PutStream(ctx, path, r, size)
}

func newTracker(t *testing.T, ctx *testcontext.Context, gateway blobstore.Gateway) (*sessions.Tracker, *limiter.Limiter, func()) {
	client, cleanup, err := testredis.Client(ctx)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	admission := limiter.New(log.Named("limiter"), client, limiter.Config{
		MaxConcurrent: 5,
		CounterTTL:    time.Hour,
	})
	tracker := sessions.NewTracker(log.Named("sessions"), client, gateway, admission, sessions.Config{
		TTL:          24 * time.Hour,
		UploadingTTL: time.Hour,
	})
	return tracker, admission, cleanup
}

func uploadChunk(ctx context.Context, tracker *sessions.Tracker, user string, index, total int) (sessions.Status, error) {
	data := bytes.Repeat([]byte{byte(index)}, 16)
	return tracker.Begin(ctx, user, testHash, index, total, bytes.NewReader(data), int64(len(data)))
}

func TestIdempotentChunkDelivery(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	gateway, err := blobstore.NewLocal(zaptest.NewLogger(t), ctx.Dir("blobs"))
	require.NoError(t, err)
	tracker, _, cleanup := newTracker(t, ctx, gateway)
	defer cleanup()

	status, err := uploadChunk(ctx, tracker, "u1", 0, 2)
	require.NoError(t, err)
	require.Equal(t, sessions.StatusUploading, status)

	// redelivery of a completed index is a no-op that reports progress
	status, err = uploadChunk(ctx, tracker, "u1", 0, 2)
	require.NoError(t, err)
	require.Equal(t, sessions.StatusUploading, status)

	completed, total, err := tracker.Progress(ctx, "u1", testHash)
	require.NoError(t, err)
	require.Equal(t, 1, completed)
	require.Equal(t, 2, total)
}

func TestResumeOutOfOrder(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	gateway, err := blobstore.NewLocal(zaptest.NewLogger(t), ctx.Dir("blobs"))
	require.NoError(t, err)
	tracker, _, cleanup := newTracker(t, ctx, gateway)
	defer cleanup()

	const total = 10
	for index := 0; index < 5; index++ {
		_, err := uploadChunk(ctx, tracker, "u1", index, total)
		require.NoError(t, err)
	}

	completed, declared, err := tracker.Progress(ctx, "u1", testHash)
	require.NoError(t, err)
	require.Equal(t, 5, completed)
	require.Equal(t, total, declared)

	// a reconnecting client can list the stored indices and fill the gaps
	stored, err := tracker.Completed(ctx, "u1", testHash)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{0, 1, 2, 3, 4}, stored)

	// uploading the rest in reverse order still reaches merge-ready
	var status sessions.Status
	for index := total - 1; index >= 5; index-- {
		status, err = uploadChunk(ctx, tracker, "u1", index, total)
		require.NoError(t, err)
	}
	require.Equal(t, sessions.StatusMergeReady, status)
}

func TestRollbackOnWriteFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	local, err := blobstore.NewLocal(zaptest.NewLogger(t), ctx.Dir("blobs"))
	require.NoError(t, err)
	gateway := &flakyGateway{
		Gateway: local,
		failing: map[string]bool{sessions.ChunkPath("u1", testHash, 1): true},
	}
	tracker, admission, cleanup := newTracker(t, ctx, gateway)
	defer cleanup()

	_, err = uploadChunk(ctx, tracker, "u1", 1, 3)
	require.True(t, sessions.ErrChunkWrite.Has(err))

	// the failed index ends up in neither set
	uploaded, err := tracker.IsUploaded(ctx, "u1", testHash, 1)
	require.NoError(t, err)
	require.False(t, uploaded)

	completed, _, err := tracker.Progress(ctx, "u1", testHash)
	require.NoError(t, err)
	require.Equal(t, 0, completed)

	// and the concurrency slot was released
	for i := 0; i < 5; i++ {
		require.NoError(t, admission.TryAcquire(ctx, "u1"))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, admission.Release(ctx, "u1"))
	}

	// retrying the same index succeeds once the store recovers
	gateway.failing = nil
	status, err := uploadChunk(ctx, tracker, "u1", 1, 3)
	require.NoError(t, err)
	require.Equal(t, sessions.StatusUploading, status)
}

func TestExpiredSessions(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	gateway, err := blobstore.NewLocal(zaptest.NewLogger(t), ctx.Dir("blobs"))
	require.NoError(t, err)
	tracker, _, cleanup := newTracker(t, ctx, gateway)
	defer cleanup()

	_, err = uploadChunk(ctx, tracker, "u1", 0, 3)
	require.NoError(t, err)

	// nothing is expired relative to the past
	expired, err := tracker.Expired(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Empty(t, expired)

	// relative to the future the session shows up
	expired, err = tracker.Expired(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, []sessions.Session{{UserID: "u1", ContentHash: testHash}}, expired)

	require.NoError(t, tracker.Clear(ctx, "u1", testHash))

	expired, err = tracker.Expired(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, expired)

	completed, total, err := tracker.Progress(ctx, "u1", testHash)
	require.NoError(t, err)
	require.Equal(t, 0, completed)
	require.Equal(t, 0, total)
}
