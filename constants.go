package pe

import "github.com/zhpe-fabric/progress-engine/internal/constants"

// Re-exported tunable defaults, overridable via Options or the matching
// environment variable of the same name (see Options/LoadOptions).
const (
	DefaultMaxIOOps      = constants.DefaultMaxIOOps
	DefaultMaxIOBytes    = constants.DefaultMaxIOBytes
	DefaultMaxEagerSize  = constants.DefaultMaxEagerSize
	DefaultMinMultiRecv  = constants.DefaultMinMultiRecv
	DefaultWaitTime      = constants.DefaultWaitTime
	KeyRequestMaxRetries = constants.KeyRequestMaxRetries
)

// ProgressMode selects whether a PE owns a dedicated progress goroutine
// (ProgressAuto) or is driven by explicit Tick calls (ProgressManual).
type ProgressMode = constants.ProgressMode

const (
	ProgressAuto   = constants.ProgressAuto
	ProgressManual = constants.ProgressManual
)
