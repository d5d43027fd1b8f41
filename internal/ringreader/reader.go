// Package ringreader consumes one connection's incoming descriptor ring,
// decoding each arrived MsgHdr and dispatching it to the right collaborator
// by opcode (spec.md §3, §4.6): SEND to the receive state machine, KEY_*
// traffic to the key broker, STATUS/WRITEDATA to caller-supplied callbacks,
// and ATOMIC_REQ to a target-side atomic handler for transports that
// emulate RDMA atomics over the message channel rather than in hardware.
package ringreader

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhpe-fabric/progress-engine/internal/interfaces"
	"github.com/zhpe-fabric/progress-engine/internal/keybroker"
	"github.com/zhpe-fabric/progress-engine/internal/ringbuf"
	"github.com/zhpe-fabric/progress-engine/internal/rx"
	"github.com/zhpe-fabric/progress-engine/internal/wire"
)

// ErrIllegalOpcode is returned by Poll when a ring entry carries an opcode
// dispatch doesn't recognize. Per spec.md §7, an illegal opcode is a fatal,
// per-connection condition: Poll stops draining the ring and returns this
// error rather than skipping the bad entry and continuing.
var ErrIllegalOpcode = errors.New("ringreader: illegal opcode")

// AtomicHandler executes a target-side ATOMIC_REQ against locally exported
// memory and returns the pre-operation value plus a status code.
type AtomicHandler interface {
	ApplyAtomic(req wire.AtomicReqPayload) (fetched uint64, status int32)
}

// StatusHandler processes a STATUS message reporting the outcome of a
// previously issued op back to its initiator.
type StatusHandler func(txEntryID uint16, payload wire.StatusPayload)

// WritedataHandler processes a WRITEDATA message: a completion a RDMA WRITE
// must surface on the target side.
type WritedataHandler func(payload wire.WritedataPayload)

// Reader consumes one connection's ring, dispatching each arrived message.
type Reader struct {
	ring      *ringbuf.Ring
	connID    uint64
	transport interfaces.Transport
	sm        *rx.StateMachine
	broker    *keybroker.Broker
	atomics   AtomicHandler
	onStatus  StatusHandler
	onWrite   WritedataHandler
	logger    interfaces.Logger
}

// Config bundles Reader's collaborators. Broker, Atomics, OnStatus, and
// OnWrite may be left nil if the connection never carries that traffic.
type Config struct {
	Ring      *ringbuf.Ring
	ConnID    uint64
	Transport interfaces.Transport
	SM        *rx.StateMachine
	Broker    *keybroker.Broker
	Atomics   AtomicHandler
	OnStatus  StatusHandler
	OnWrite   WritedataHandler
	Logger    interfaces.Logger
}

// New builds a Reader from cfg.
func New(cfg Config) *Reader {
	return &Reader{
		ring:      cfg.Ring,
		connID:    cfg.ConnID,
		transport: cfg.Transport,
		sm:        cfg.SM,
		broker:    cfg.Broker,
		atomics:   cfg.Atomics,
		onStatus:  cfg.OnStatus,
		onWrite:   cfg.OnWrite,
		logger:    cfg.Logger,
	}
}

// Poll drains every currently-available entry from the ring, dispatching
// each one. It returns the number of entries processed.
func (r *Reader) Poll(ctx context.Context) (int, error) {
	n := 0
	for {
		hdr, payload, ok, err := r.ring.Peek()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		if err := r.dispatch(ctx, hdr, payload); err != nil {
			if errors.Is(err, ErrIllegalOpcode) {
				return n, fmt.Errorf("conn %d: %w", r.connID, err)
			}
			if r.logger != nil {
				r.logger.Debugf("ringreader: conn %d opcode %s: %v", r.connID, hdr.Opcode, err)
			}
		}
		r.ring.Advance()
		n++
	}
}

func (r *Reader) dispatch(ctx context.Context, hdr wire.MsgHdr, payload []byte) error {
	switch hdr.Opcode {
	case wire.OpSend:
		return r.dispatchSend(hdr, payload)
	case wire.OpKeyRequest:
		return r.dispatchKeyRequest(ctx, payload)
	case wire.OpKeyExport, wire.OpKeyResponse:
		return r.dispatchKeyExport(payload)
	case wire.OpKeyRevoke:
		return r.dispatchKeyRevoke(payload)
	case wire.OpAtomicReq:
		return r.dispatchAtomic(ctx, hdr, payload)
	case wire.OpStatus:
		return r.dispatchStatus(hdr, payload)
	case wire.OpWriteData:
		return r.dispatchWritedata(payload)
	default:
		return fmt.Errorf("%w: %d", ErrIllegalOpcode, hdr.Opcode)
	}
}

func (r *Reader) dispatchSend(hdr wire.MsgHdr, payload []byte) error {
	if r.sm == nil {
		return fmt.Errorf("ringreader: no receive state machine wired for conn %d", r.connID)
	}
	msg := rx.IncomingSend{
		ConnID:      r.connID,
		Addr:        r.connID,
		Tagged:      hdr.Flags.Has(wire.FlagTagged),
		AnyComplete: hdr.Flags.Has(wire.FlagAnyComplete),
		CQData:      0,
	}
	if hdr.Flags.Has(wire.FlagInline) {
		body := payload[:hdr.InlineLen]
		rest := payload[hdr.InlineLen:]
		msg.Inline = true
		msg.InlineBody = body
		msg.Len = uint64(hdr.InlineLen)
		if msg.Tagged || hdr.Flags.Has(wire.FlagRemoteCQData) {
			trailer, err := wire.UnmarshalInlineTrailer(rest)
			if err == nil {
				msg.Tag = trailer.Tag
				msg.CQData = trailer.CQData
			}
		}
	} else {
		ind, err := wire.UnmarshalSendIndirectPayload(payload)
		if err != nil {
			return err
		}
		msg.Inline = false
		msg.RemoteAddr = ind.VAddr
		msg.RemoteKey = ind.RKey
		msg.Len = ind.Len
		msg.Tag = ind.Tag
		msg.CQData = ind.CQData
	}
	return r.sm.OnSendArrival(msg)
}

func (r *Reader) dispatchKeyRequest(ctx context.Context, payload []byte) error {
	if r.broker == nil {
		return fmt.Errorf("ringreader: no key broker wired for conn %d", r.connID)
	}
	req, err := wire.UnmarshalKeyReqPayload(payload)
	if err != nil {
		return err
	}
	return r.broker.HandleKeyRequest(ctx, r.connID, req)
}

func (r *Reader) dispatchKeyExport(payload []byte) error {
	if r.broker == nil {
		return fmt.Errorf("ringreader: no key broker wired for conn %d", r.connID)
	}
	kd, err := wire.UnmarshalKeyDataPayload(payload)
	if err != nil {
		return err
	}
	r.broker.HandleKeyExport(kd)
	return nil
}

func (r *Reader) dispatchKeyRevoke(payload []byte) error {
	if r.broker == nil {
		return fmt.Errorf("ringreader: no key broker wired for conn %d", r.connID)
	}
	kd, err := wire.UnmarshalKeyDataPayload(payload)
	if err != nil {
		return err
	}
	r.broker.HandleKeyRevoke(kd.KeyID)
	return nil
}

func (r *Reader) dispatchAtomic(ctx context.Context, hdr wire.MsgHdr, payload []byte) error {
	if r.atomics == nil {
		return fmt.Errorf("ringreader: no atomic handler wired for conn %d", r.connID)
	}
	req, err := wire.UnmarshalAtomicReqPayload(payload)
	if err != nil {
		return err
	}
	fetched, status := r.atomics.ApplyAtomic(req)
	if r.transport == nil {
		return nil
	}
	if !hdr.Flags.Has(wire.FlagDeliveryComplete) {
		// Caller didn't ask for a delivery ack; the fetched value still
		// flows back in-band over whatever channel applied the atomic.
		return nil
	}
	resp := wire.StatusPayload{Status: status, Rem: fetched}
	body := resp.Marshal()
	respHdr := wire.MsgHdr{Opcode: wire.OpStatus, InlineLen: uint16(len(body)), TxEntryID: hdr.TxEntryID}
	buf := append(respHdr.Marshal(), body...)
	_, err = r.transport.SubmitSend(ctx, r.connID, buf)
	return err
}

func (r *Reader) dispatchStatus(hdr wire.MsgHdr, payload []byte) error {
	sp, err := wire.UnmarshalStatusPayload(payload)
	if err != nil {
		return err
	}
	if r.onStatus != nil {
		r.onStatus(hdr.TxEntryID, sp)
	}
	return nil
}

func (r *Reader) dispatchWritedata(payload []byte) error {
	wd, err := wire.UnmarshalWritedataPayload(payload)
	if err != nil {
		return err
	}
	if r.onWrite != nil {
		r.onWrite(wd)
	}
	return nil
}
