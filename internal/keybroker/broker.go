// Package keybroker implements the KEY_REQUEST/KEY_EXPORT/KEY_IMPORT/
// KEY_RESPONSE/KEY_REVOKE exchange that resolves a remote memory-registration
// key before an RMA or atomic op can be issued against it (spec.md §4.6).
//
// The original C provider blocks the waiting op indefinitely until a key
// arrives. This expands that with a bounded resend/timeout policy built on
// backoff/v5, so a peer that never answers fails the waiting op with NO_KEY
// instead of wedging the progress loop forever (see SPEC_FULL.md §4.5).
package keybroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/zhpe-fabric/progress-engine/internal/constants"
	"github.com/zhpe-fabric/progress-engine/internal/interfaces"
	"github.com/zhpe-fabric/progress-engine/internal/wire"
)

// ErrNoKey is returned when a key could not be resolved within
// constants.KeyRequestMaxRetries attempts.
var ErrNoKey = errors.New("keybroker: key not resolved, NO_KEY")

// PerAttemptTimeout bounds how long Resolve waits for a single KEY_REQUEST
// round trip before resending.
const PerAttemptTimeout = 200 * time.Millisecond

type keyTriple struct {
	vaddr, rkey, length uint64
}

// Broker resolves remote memory keys on behalf of RMA/atomic issuance and
// answers KEY_REQUEST/KEY_REVOKE traffic on behalf of keys this process has
// itself exported.
type Broker struct {
	store     interfaces.KeyStore
	transport interfaces.Transport
	logger    interfaces.Logger
	observer  interfaces.Observer

	mu      sync.Mutex
	waiters map[uint64][]chan struct{}
}

// New returns a Broker backed by store for key lookups/caching and transport
// for KEY_* message delivery. logger and observer may be nil.
func New(store interfaces.KeyStore, transport interfaces.Transport, logger interfaces.Logger, observer interfaces.Observer) *Broker {
	return &Broker{
		store:     store,
		transport: transport,
		logger:    logger,
		observer:  observer,
		waiters:   make(map[uint64][]chan struct{}),
	}
}

// Resolve returns the (VAddr, RKey, Len) triple for keyID, consulting the
// local cache first and issuing KEY_REQUEST traffic over connID otherwise.
// It retries up to constants.KeyRequestMaxRetries times before giving up
// with ErrNoKey.
func (b *Broker) Resolve(ctx context.Context, connID, keyID uint64) (vaddr, rkey, length uint64, err error) {
	if v, r, l, ok := b.store.CachedLookup(keyID); ok {
		return v, r, l, nil
	}

	attempt := 0
	operation := func() (keyTriple, error) {
		attempt++
		ch := b.register(keyID)

		req := wire.KeyReqPayload{Keys: []wire.KeyRef{{KeyID: keyID}}}
		body := req.Marshal()
		hdr := wire.MsgHdr{Opcode: wire.OpKeyRequest, InlineLen: uint16(len(body))}
		buf := append(hdr.Marshal(), body...)
		if _, sendErr := b.transport.SubmitSend(ctx, connID, buf); sendErr != nil {
			return keyTriple{}, sendErr
		}

		select {
		case <-ch:
			if v, r, l, ok := b.store.CachedLookup(keyID); ok {
				b.observeResolved(attempt)
				return keyTriple{v, r, l}, nil
			}
			return keyTriple{}, fmt.Errorf("keybroker: woke for key %d with no cached value", keyID)
		case <-time.After(PerAttemptTimeout):
			if attempt >= constants.KeyRequestMaxRetries {
				b.observeFailed(attempt)
				return keyTriple{}, backoff.Permanent(ErrNoKey)
			}
			return keyTriple{}, fmt.Errorf("keybroker: timed out waiting for key %d", keyID)
		case <-ctx.Done():
			return keyTriple{}, backoff.Permanent(ctx.Err())
		}
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(constants.KeyRequestMaxRetries),
	)
	if err != nil {
		return 0, 0, 0, err
	}
	return res.vaddr, res.rkey, res.length, nil
}

// HandleKeyExport processes an incoming KEY_EXPORT or KEY_RESPONSE message,
// caching the resolved key and waking any Resolve call blocked on it.
func (b *Broker) HandleKeyExport(payload wire.KeyDataPayload) {
	b.store.Cache(payload.KeyID, payload.VAddr, payload.RKey, payload.Len)
	b.wake(payload.KeyID)
}

// HandleKeyRevoke drops a cached remote key on KEY_REVOKE.
func (b *Broker) HandleKeyRevoke(keyID uint64) {
	b.store.Revoke(keyID)
}

// StatusNoKey is the StatusPayload.Status value HandleKeyRequest sends back
// when it has no local record of a requested key.
const StatusNoKey int32 = -6

// HandleKeyRequest answers an incoming KEY_REQUEST with a KEY_EXPORT for
// each requested key this process holds locally, or a STATUS carrying
// StatusNoKey for a key it doesn't hold, so the requester's Resolve call
// fails fast instead of waiting out its full retry budget.
func (b *Broker) HandleKeyRequest(ctx context.Context, connID uint64, payload wire.KeyReqPayload) error {
	for _, k := range payload.Keys {
		v, r, l, ok := b.store.Lookup(k.KeyID)
		if !ok {
			status := wire.StatusPayload{Status: StatusNoKey}
			body := status.Marshal()
			hdr := wire.MsgHdr{Opcode: wire.OpStatus, InlineLen: uint16(len(body))}
			buf := append(hdr.Marshal(), body...)
			if _, err := b.transport.SubmitSend(ctx, connID, buf); err != nil {
				return err
			}
			continue
		}
		resp := wire.KeyDataPayload{KeyID: k.KeyID, VAddr: v, RKey: r, Len: l}
		body := resp.Marshal()
		hdr := wire.MsgHdr{Opcode: wire.OpKeyExport, InlineLen: uint16(len(body))}
		buf := append(hdr.Marshal(), body...)
		if _, err := b.transport.SubmitSend(ctx, connID, buf); err != nil {
			return err
		}
	}
	return nil
}

// CachedLookup reports a previously resolved (VAddr, RKey, Len) triple for
// keyID without issuing any wire traffic. It satisfies rx.KeyResolver.
func (b *Broker) CachedLookup(keyID uint64) (vaddr, rkey, length uint64, ok bool) {
	return b.store.CachedLookup(keyID)
}

// RequestKeyAsync sends a single KEY_REQUEST for keyID over connID and
// returns without waiting for a response. Unlike Resolve, it never blocks:
// it exists for callers (the RX state machine's KEY_WAIT gate) that must
// never block the progress thread, and instead re-check CachedLookup on a
// later tick via internal/retry.Queue.
func (b *Broker) RequestKeyAsync(ctx context.Context, connID, keyID uint64) error {
	req := wire.KeyReqPayload{Keys: []wire.KeyRef{{KeyID: keyID}}}
	body := req.Marshal()
	hdr := wire.MsgHdr{Opcode: wire.OpKeyRequest, InlineLen: uint16(len(body))}
	buf := append(hdr.Marshal(), body...)
	_, err := b.transport.SubmitSend(ctx, connID, buf)
	return err
}

func (b *Broker) register(keyID uint64) <-chan struct{} {
	ch := make(chan struct{})
	b.mu.Lock()
	b.waiters[keyID] = append(b.waiters[keyID], ch)
	b.mu.Unlock()
	return ch
}

func (b *Broker) wake(keyID uint64) {
	b.mu.Lock()
	chans := b.waiters[keyID]
	delete(b.waiters, keyID)
	b.mu.Unlock()
	for _, c := range chans {
		close(c)
	}
}

func (b *Broker) observeResolved(attempts int) {
	if b.observer != nil {
		b.observer.ObserveKeyRequest(true, attempts)
	}
}

func (b *Broker) observeFailed(attempts int) {
	if b.observer != nil {
		b.observer.ObserveKeyRequest(false, attempts)
	}
}
