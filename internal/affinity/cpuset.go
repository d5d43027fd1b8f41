// Package affinity parses the cpuset grammar used to pin the progress
// goroutine to specific CPUs (spec.md §6.6) and applies it via
// golang.org/x/sys/unix.
package affinity

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ParseCPUSet parses a comma-separated list of terms of the form
// "a", "a-b", or "a-b:stride" into the set of CPU indices named.
//
//	"0,2,4"     -> {0,2,4}
//	"0-3"       -> {0,1,2,3}
//	"0-7:2"     -> {0,2,4,6}
func ParseCPUSet(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, term := range strings.Split(s, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		ids, err := parseTerm(term)
		if err != nil {
			return nil, fmt.Errorf("affinity: %q: %w", term, err)
		}
		out = append(out, ids...)
	}
	return out, nil
}

func parseTerm(term string) ([]int, error) {
	dash := strings.IndexByte(term, '-')
	if dash < 0 {
		n, err := strconv.Atoi(term)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("negative cpu index")
		}
		return []int{n}, nil
	}

	rangePart := term[:dash]
	rest := term[dash+1:]
	stride := 1
	if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		s, err := strconv.Atoi(rest[colon+1:])
		if err != nil {
			return nil, err
		}
		if s <= 0 {
			return nil, fmt.Errorf("non-positive stride")
		}
		stride = s
		rest = rest[:colon]
	}

	a, err := strconv.Atoi(rangePart)
	if err != nil {
		return nil, err
	}
	b, err := strconv.Atoi(rest)
	if err != nil {
		return nil, err
	}
	if a < 0 || b < 0 {
		return nil, fmt.Errorf("negative cpu index")
	}
	if b < a {
		return nil, fmt.Errorf("range end %d before start %d", b, a)
	}

	var out []int
	for i := a; i <= b; i += stride {
		out = append(out, i)
	}
	return out, nil
}

// ToCPUSet converts a list of CPU indices into a unix.CPUSet bitmask
// suitable for unix.SchedSetaffinity.
func ToCPUSet(ids []int) (unix.CPUSet, error) {
	var set unix.CPUSet
	maxCPU := len(unix.CPUSet{}) * 64
	for _, id := range ids {
		if id < 0 || id >= maxCPU {
			return set, fmt.Errorf("affinity: cpu index %d out of range", id)
		}
		set.Set(id)
	}
	return set, nil
}

// Apply pins the calling OS thread (pid 0 means "current thread" under
// unix.SchedSetaffinity) to the CPUs named by spec, a cpuset grammar string.
// Callers that need this to stick must have already locked the goroutine to
// its OS thread via runtime.LockOSThread.
func Apply(spec string) error {
	ids, err := ParseCPUSet(spec)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	set, err := ToCPUSet(ids)
	if err != nil {
		return err
	}
	return unix.SchedSetaffinity(0, &set)
}
