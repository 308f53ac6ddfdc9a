package upload

import (
	"github.com/icefunicu/cloudpan/upload/limiter"
	"github.com/icefunicu/cloudpan/upload/merger"
	"github.com/icefunicu/cloudpan/upload/quota"
	"github.com/icefunicu/cloudpan/upload/sessions"
)

// The engine's failure taxonomy, re-exported for callers.
var (
	// ErrConcurrencyLimit: admission rejected, retry the same chunk after
	// backoff.
	ErrConcurrencyLimit = limiter.ErrLimitExceeded
	// ErrChunkWrite: transient I/O failure, retry the same chunk.
	ErrChunkWrite = sessions.ErrChunkWrite
	// ErrChunksMissing: finalize was called early, keep uploading.
	ErrChunksMissing = merger.ErrChunksMissing
	// ErrMergeFailed: assembly failed, retry finalize.
	ErrMergeFailed = merger.ErrMergeFailed
	// ErrHashMismatch: assembled content is corrupt, restart the session.
	ErrHashMismatch = merger.ErrHashMismatch
	// ErrQuotaExceeded: no space left, abort.
	ErrQuotaExceeded = quota.ErrQuotaExceeded
)

// Stable error codes surfaced to clients. They distinguish "retry the same
// chunk", "retry finalize" and "abort".
const (
	CodeConcurrencyLimit = "concurrency_limit_exceeded"
	CodeChunkWrite       = "chunk_write_failed"
	CodeChunksMissing    = "chunks_missing"
	CodeMergeFailed      = "merge_failed"
	CodeHashMismatch     = "hash_mismatch"
	CodeQuotaExceeded    = "quota_exceeded"
	CodeInternal         = "internal"
)

// Code maps an engine error to its stable client-visible code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case ErrConcurrencyLimit.Has(err):
		return CodeConcurrencyLimit
	case ErrChunkWrite.Has(err):
		return CodeChunkWrite
	case ErrChunksMissing.Has(err):
		return CodeChunksMissing
	case ErrHashMismatch.Has(err):
		return CodeHashMismatch
	case ErrMergeFailed.Has(err):
		return CodeMergeFailed
	case ErrQuotaExceeded.Has(err):
		return CodeQuotaExceeded
	default:
		return CodeInternal
	}
}
