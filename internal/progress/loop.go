// Package progress drives the single goroutine that repeatedly ticks every
// wired collaborator: retry-queue drains, TX chunk issuance/CQ polling, ring
// reads, and RX completion drains (spec.md §5). Wakeups are delivered
// through a self-pipe so external Signal() callers never block on, or race
// with, the poller itself.
package progress

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zhpe-fabric/progress-engine/internal/constants"
	"github.com/zhpe-fabric/progress-engine/internal/interfaces"
)

// TickFunc performs one pass of all progress work. It is called from the
// single progress goroutine in AUTO mode, or directly by the application in
// MANUAL mode.
type TickFunc func(ctx context.Context) error

// Loop owns the self-pipe wakeup mechanism and, in AUTO mode, the goroutine
// that polls it.
type Loop struct {
	mode     constants.ProgressMode
	waitTime time.Duration
	tick     TickFunc
	logger   interfaces.Logger

	pipeR, pipeW int

	signalMu sync.Mutex
	wcnt     uint64
	rcnt     uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds a Loop. waitTime of zero falls back to constants.DefaultWaitTime.
func New(mode constants.ProgressMode, waitTime time.Duration, tick TickFunc, logger interfaces.Logger) (*Loop, error) {
	if waitTime <= 0 {
		waitTime = constants.DefaultWaitTime
	}
	fds, err := unix.Pipe2(unix.O_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Loop{
		mode:     mode,
		waitTime: waitTime,
		tick:     tick,
		logger:   logger,
		pipeR:    fds[0],
		pipeW:    fds[1],
		stopCh:   make(chan struct{}),
	}, nil
}

// Signal wakes the progress goroutine. It coalesces: if a wakeup is already
// pending (the poller hasn't yet drained the byte from a previous Signal),
// this call is a no-op rather than growing an unbounded backlog of wakeups.
func (l *Loop) Signal() {
	l.signalMu.Lock()
	defer l.signalMu.Unlock()
	if l.wcnt != l.rcnt {
		return
	}
	if _, err := unix.Write(l.pipeW, []byte{0}); err != nil && err != unix.EAGAIN {
		if l.logger != nil {
			l.logger.Debugf("progress: self-pipe write: %v", err)
		}
		return
	}
	l.wcnt++
}

// Start spawns the progress goroutine. Only meaningful in AUTO mode; in
// MANUAL mode the application calls Tick itself and Start is a no-op.
func (l *Loop) Start() {
	if l.mode != constants.ProgressAuto {
		return
	}
	l.wg.Add(1)
	go l.run()
}

// Stop signals the progress goroutine to exit and waits for it to do so.
// Safe to call multiple times and safe to call in MANUAL mode (no-op).
func (l *Loop) Stop() {
	l.once.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
}

// Close releases the self-pipe file descriptors. Call after Stop.
func (l *Loop) Close() error {
	err1 := unix.Close(l.pipeR)
	err2 := unix.Close(l.pipeW)
	if err1 != nil {
		return err1
	}
	return err2
}

// Tick runs one progress pass directly. Intended for MANUAL mode callers
// (the analogue of ProgressTxCtx/ProgressRxCtx in the original API).
func (l *Loop) Tick(ctx context.Context) error {
	return l.tick(ctx)
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		woke := l.pollSelfPipe(constants.SelfPipePollInterval)
		if err := l.tick(context.Background()); err != nil && l.logger != nil {
			l.logger.Debugf("progress: tick error: %v", err)
		}
		if !woke {
			// Idle: wait out waitTime on the self-pipe rather than sleeping,
			// so a Signal ends the wait early.
			l.pollSelfPipe(l.waitTime)
		}
	}
}

// pollSelfPipe blocks for up to timeout waiting for a wakeup byte, drains
// whatever is available, and resets the coalescing counter. It reports
// whether a wakeup was observed.
func (l *Loop) pollSelfPipe(timeout time.Duration) bool {
	fds := []unix.PollFd{{Fd: int32(l.pipeR), Events: unix.POLLIN}}
	timeoutMs := int(timeout / time.Millisecond)
	if timeoutMs < 1 {
		timeoutMs = 1
	}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil || n <= 0 {
		return false
	}
	if fds[0].Revents&unix.POLLIN == 0 {
		return false
	}

	buf := make([]byte, 64)
	for {
		nr, err := unix.Read(l.pipeR, buf)
		if nr <= 0 || err != nil {
			break
		}
		if nr < len(buf) {
			break
		}
	}

	l.signalMu.Lock()
	l.rcnt = l.wcnt
	l.signalMu.Unlock()
	return true
}
