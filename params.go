package pe

import (
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/zhpe-fabric/progress-engine/internal/affinity"
)

// Options configures a PE at Init time. A zero Options yields the defaults
// named in constants.go; env vars of the same name fill in anything left
// unset when passed through LoadOptions.
type Options struct {
	Mode     ProgressMode
	WaitTime time.Duration

	Affinity string // cpuset grammar for the progress goroutine, e.g. "0-3:2"

	MaxIOOps     int
	MaxIOBytes   uint64
	MaxEagerSize uint64
	MinMultiRecv uint64
}

// DefaultOptions returns the tunable defaults.
func DefaultOptions() Options {
	return Options{
		Mode:         ProgressAuto,
		WaitTime:     DefaultWaitTime,
		MaxIOOps:     DefaultMaxIOOps,
		MaxIOBytes:   DefaultMaxIOBytes,
		MaxEagerSize: DefaultMaxEagerSize,
		MinMultiRecv: DefaultMinMultiRecv,
	}
}

// LoadOptions starts from DefaultOptions and overrides any field whose
// environment variable is set: PROGRESS_MODE, PE_AFFINITY, PE_WAITTIME,
// EP_MAX_IO_OPS, EP_MAX_IO_BYTES, MAX_EAGER_SZ, MIN_MULTI_RECV. Byte-size
// variables accept human-readable sizes ("8KiB", "1MiB") via
// c2h5oh/datasize.
func LoadOptions() Options {
	o := DefaultOptions()

	if v := os.Getenv("PROGRESS_MODE"); v == "MANUAL" {
		o.Mode = ProgressManual
	} else if v != "" {
		o.Mode = ProgressAuto
	}

	if v := os.Getenv("PE_AFFINITY"); v != "" {
		o.Affinity = v
	}

	if v := os.Getenv("PE_WAITTIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			o.WaitTime = d
		}
	}

	if v := os.Getenv("EP_MAX_IO_OPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			o.MaxIOOps = n
		}
	}

	if v := os.Getenv("EP_MAX_IO_BYTES"); v != "" {
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(v)); err == nil {
			o.MaxIOBytes = sz.Bytes()
		}
	}

	if v := os.Getenv("MAX_EAGER_SZ"); v != "" {
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(v)); err == nil {
			o.MaxEagerSize = sz.Bytes()
		}
	}

	if v := os.Getenv("MIN_MULTI_RECV"); v != "" {
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(v)); err == nil {
			o.MinMultiRecv = sz.Bytes()
		}
	}

	return o
}

// applyAffinity pins the calling goroutine's underlying OS thread to
// o.Affinity, if set. Intended to be called from the progress goroutine
// itself (affinity.Apply operates on the calling thread).
func (o Options) applyAffinity() error {
	if o.Affinity == "" {
		return nil
	}
	return affinity.Apply(o.Affinity)
}
