// Package interfaces provides internal interface definitions for the
// progress engine. These are separate from the public package to avoid
// circular imports between pe and its internal collaborators.
package interfaces

import "context"

// MRHandle is an opaque local memory-registration handle, returned by a
// Transport's registration call and consumed by SubmitGet/SubmitPut/
// SubmitAtomic as the local-side buffer descriptor.
type MRHandle uint64

// Transport defines the RDMA queue-pair operations the progress engine
// drives but does not itself implement (spec.md §1 names the provider's
// rdma_submit_get/put/atomic and rdma_poll_cq as out of scope). A real
// transport backs these with hardware work-queue entries; the loopback
// transport backs them with in-memory copies for tests and the demo CLI.
type Transport interface {
	// SubmitGet issues an RDMA READ of length from (remoteAddr, remoteKey)
	// into the local buffer named by local. Returns an opaque op ID used to
	// correlate the eventual PollCQ completion.
	SubmitGet(ctx context.Context, local MRHandle, localOff uint64, remoteAddr, remoteKey uint64, length uint64) (opID uint64, err error)

	// SubmitPut issues an RDMA WRITE of length from the local buffer named
	// by local into (remoteAddr, remoteKey). cqData, when nonzero, requests
	// a remote completion carrying that immediate value.
	SubmitPut(ctx context.Context, local MRHandle, localOff uint64, remoteAddr, remoteKey uint64, length uint64, cqData uint64) (opID uint64, err error)

	// SubmitAtomic issues a single-element RMW against (remoteAddr,
	// remoteKey), writing any fetched result into the local buffer named by
	// local.
	SubmitAtomic(ctx context.Context, local MRHandle, remoteAddr, remoteKey uint64, op uint8, datatype uint8, operand, compare uint64) (opID uint64, err error)

	// SubmitSend delivers an out-of-band control message (KEY_REQUEST,
	// KEY_EXPORT, STATUS, WRITEDATA, ...) to the peer identified by connID.
	SubmitSend(ctx context.Context, connID uint64, payload []byte) (opID uint64, err error)

	// PollCQ drains up to len(out) completed ops without blocking. It
	// returns the number of entries written into out.
	PollCQ(out []CQEntry) (n int, err error)

	// RegisterMR registers buf for local RDMA access, returning a handle
	// usable as the local argument to SubmitGet/SubmitPut/SubmitAtomic.
	RegisterMR(buf []byte) (MRHandle, error)

	// DeregisterMR releases a handle obtained from RegisterMR.
	DeregisterMR(h MRHandle) error
}

// CQEntry is a single completion-queue record surfaced by PollCQ.
type CQEntry struct {
	OpID   uint64
	Status int32 // 0 on success, negative errno-style code otherwise
	Bytes  uint64
}

// KeyStore abstracts memory-key resolution for the key broker (spec.md
// §4.6): local lookup of a key this process itself exported, and caching of
// keys resolved on behalf of a remote peer.
type KeyStore interface {
	// Lookup returns the exported (VAddr, RKey, Len) triple for a locally
	// registered key, if one exists.
	Lookup(keyID uint64) (vaddr, rkey, length uint64, ok bool)

	// Cache records a key resolved via KEY_EXPORT/KEY_RESPONSE so future
	// accesses avoid round-tripping the broker.
	Cache(keyID uint64, vaddr, rkey, length uint64)

	// CachedLookup returns a previously cached remote key, if present.
	CachedLookup(keyID uint64) (vaddr, rkey, length uint64, ok bool)

	// Revoke drops a cached remote key on KEY_REVOKE.
	Revoke(keyID uint64)
}

// Logger is the minimal logging surface the progress engine depends on.
// internal/logging.Logger satisfies this.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer collects metrics from the progress loop. Implementations must be
// thread-safe: methods are called from the single progress goroutine as well
// as from ProgressTxCtx/ProgressRxCtx callers in MANUAL mode.
type Observer interface {
	ObserveGet(bytes uint64, latencyNs uint64, success bool)
	ObservePut(bytes uint64, latencyNs uint64, success bool)
	ObserveAtomic(latencyNs uint64, success bool)
	ObserveSend(bytes uint64, success bool)
	ObserveRecv(bytes uint64, success bool)
	ObserveKeyRequest(resolved bool, retries int)

	// ObserveListDepth reports the current length of one of the per-context
	// RX lists (posted, buffered, or work), keyed by name.
	ObserveListDepth(listName string, depth int)
}
