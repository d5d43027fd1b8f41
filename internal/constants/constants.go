// Package constants holds default tunables for the progress engine.
package constants

import "time"

// Default tunables (spec.md §6.6). All are overridable via pe.Options or
// the matching environment variable of the same name.
const (
	// DefaultMaxIOOps bounds the number of GET/PUT/atomic ops a single
	// state-machine tick may issue (EP_MAX_IO_OPS).
	DefaultMaxIOOps = 16

	// DefaultMaxIOBytes bounds the bytes moved by a single issued op
	// (EP_MAX_IO_BYTES).
	DefaultMaxIOBytes = 1 << 20 // 1MiB

	// DefaultMaxEagerSize is the largest message eagerly fetched into the
	// internal slab rather than left for pure rendezvous (MAX_EAGER_SZ).
	DefaultMaxEagerSize = 8 << 10 // 8KiB

	// DefaultMinMultiRecv is the low-watermark below which a MULTI_RECV
	// buffer is considered exhausted (MIN_MULTI_RECV).
	DefaultMinMultiRecv = 2 << 10 // 2KiB

	// DefaultWaitTime is the debounce window between successive sleeps of
	// the progress goroutine (PE_WAITTIME).
	DefaultWaitTime = 10 * time.Millisecond

	// SelfPipePollInterval is how long the self-pipe poll at the top of
	// each progress iteration blocks for at most, per spec.md §5.
	SelfPipePollInterval = 1 * time.Millisecond

	// RxEntryArenaChunk is the growth increment for the RX entry arena.
	RxEntryArenaChunk = 256

	// TxEntryArenaChunk is not used by internal/tx, which recycles entries
	// through a sync.Pool rather than an arena.
	TxEntryArenaChunk = 256

	// KeyRequestMaxRetries bounds resends of a KEY_REQUEST in
	// keybroker.Broker.Resolve before it fails with ErrNoKey (NO_KEY)
	// (expansion beyond the source, which waits forever; see SPEC_FULL.md
	// §4.5). The RX state machine's KEY_WAIT gate does not use it.
	KeyRequestMaxRetries = 5
)

// ProgressMode selects whether a PE owns a dedicated goroutine (AUTO) or is
// driven by explicit ProgressTxCtx/ProgressRxCtx calls (MANUAL).
type ProgressMode int

const (
	ProgressAuto ProgressMode = iota
	ProgressManual
)

func (m ProgressMode) String() string {
	if m == ProgressManual {
		return "MANUAL"
	}
	return "AUTO"
}
