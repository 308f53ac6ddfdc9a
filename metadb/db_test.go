package metadb_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/icefunicu/cloudpan/metadb"
)

func openDB(t *testing.T, ctx *testcontext.Context) *metadb.DB {
	db, err := metadb.Open(ctx, zaptest.NewLogger(t), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func TestFileLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)

	file := &metadb.File{
		ID:          "f1",
		OwnerID:     "u1",
		ContentHash: "0123456789abcdef0123456789abcdef",
		Size:        1024,
		StoragePath: "files/u1/0123456789abcdef0123456789abcdef",
		Status:      metadb.StatusReady,
		Name:        "report.pdf",
	}
	require.NoError(t, db.CreateFile(ctx, file))

	got, err := db.GetFile(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, file.OwnerID, got.OwnerID)
	require.Equal(t, file.Size, got.Size)
	require.Equal(t, metadb.StatusReady, got.Status)
	require.Equal(t, metadb.DeletionActive, got.DeletionState)

	_, err = db.GetFile(ctx, "missing")
	require.True(t, metadb.ErrNotFound.Has(err))
}

func TestGetReadyByHashIgnoresRecycled(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)

	const hash = "aaaa5678aaaa5678aaaa5678aaaa5678"
	require.NoError(t, db.CreateFile(ctx, &metadb.File{
		ID: "f1", OwnerID: "u1", ContentHash: hash, Size: 10,
		StoragePath: "files/u1/" + hash, Status: metadb.StatusReady,
	}))

	got, err := db.GetReadyByHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, "f1", got.ID)

	// a recycled source must not back an instant upload
	require.NoError(t, db.SetDeletionState(ctx, "f1", metadb.DeletionRecycled))
	_, err = db.GetReadyByHash(ctx, hash)
	require.True(t, metadb.ErrNotFound.Has(err))

	require.NoError(t, db.SetDeletionState(ctx, "f1", metadb.DeletionActive))
	got, err = db.GetReadyByHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, "f1", got.ID)

	// pending records never back one either
	_, err = db.GetReadyByHash(ctx, "bbbb5678bbbb5678bbbb5678bbbb5678")
	require.True(t, metadb.ErrNotFound.Has(err))
}

func TestCountReferences(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)

	const path = "files/u1/cccc5678cccc5678cccc5678cccc5678"
	for _, id := range []string{"f1", "f2"} {
		require.NoError(t, db.CreateFile(ctx, &metadb.File{
			ID: id, OwnerID: "u-" + id, ContentHash: "cccc5678cccc5678cccc5678cccc5678",
			Size: 10, StoragePath: path, Status: metadb.StatusReady,
		}))
	}

	count, err := db.CountReferences(ctx, path)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	require.NoError(t, db.SetDeletionState(ctx, "f1", metadb.DeletionPurged))
	count, err = db.CountReferences(ctx, path)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestUserSpace(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)

	require.NoError(t, db.EnsureUserSpace(ctx, "u1", 100))
	// second ensure keeps the existing row
	require.NoError(t, db.EnsureUserSpace(ctx, "u1", 9999))

	used, total, err := db.UserSpace(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 0, used)
	require.EqualValues(t, 100, total)

	require.NoError(t, db.AddUsedSpace(ctx, "u1", 60))
	require.NoError(t, db.AddUsedSpace(ctx, "u1", 40))

	// over the limit fails and leaves the counter unchanged
	err = db.AddUsedSpace(ctx, "u1", 1)
	require.True(t, metadb.ErrSpaceLimit.Has(err))

	used, _, err = db.UserSpace(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 100, used)

	// giving space back works even at the limit and never goes negative
	require.NoError(t, db.AddUsedSpace(ctx, "u1", -60))
	require.NoError(t, db.AddUsedSpace(ctx, "u1", -100))

	used, _, err = db.UserSpace(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 0, used)

	// unknown users are reported as missing
	err = db.AddUsedSpace(ctx, "nobody", 1)
	require.True(t, metadb.ErrNotFound.Has(err))
}

func TestEachReadyHash(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)

	hashes := []string{
		"11115678111156781111567811115678",
		"22225678222256782222567822225678",
	}
	for i, hash := range hashes {
		require.NoError(t, db.CreateFile(ctx, &metadb.File{
			ID: hash[:4], OwnerID: "u1", ContentHash: hash, Size: int64(i + 1),
			StoragePath: "files/u1/" + hash, Status: metadb.StatusReady,
		}))
	}
	// pending records are not announced
	require.NoError(t, db.CreateFile(ctx, &metadb.File{
		ID: "pending", OwnerID: "u1", ContentHash: "33335678333356783333567833335678",
		Size: 1, StoragePath: "files/u1/p", Status: metadb.StatusPending,
	}))

	var seen []string
	require.NoError(t, db.EachReadyHash(ctx, func(hash string) error {
		seen = append(seen, hash)
		return nil
	}))
	require.ElementsMatch(t, hashes, seen)
}
