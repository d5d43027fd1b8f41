// Package loopback provides an in-memory interfaces.Transport: GET/PUT copy
// bytes directly between registered buffers, atomics apply in place, and
// SubmitSend writes straight into the destination connection's ring. It
// exists for tests and the demo CLI, standing in for real RDMA hardware the
// same way the provider's own mock/software paths do (spec.md §1).
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/zhpe-fabric/progress-engine/internal/interfaces"
	"github.com/zhpe-fabric/progress-engine/internal/ringbuf"
	"github.com/zhpe-fabric/progress-engine/internal/tx"
	"github.com/zhpe-fabric/progress-engine/internal/wire"
)

// Hub is the shared simulated fabric: a flat memory-registration table and
// a connID -> destination ring table. Every Endpoint built from the same
// Hub can GET/PUT/atomic against any other Endpoint's registered memory and
// SubmitSend into any registered ring.
type Hub struct {
	mu sync.Mutex

	mrs    map[interfaces.MRHandle][]byte
	nextMR uint64

	rings        map[uint64]*ringbuf.Ring
	producerHead map[uint64]uint32

	cq     map[uint64][]interfaces.CQEntry // endpoint id -> pending completions
	nextOp uint64
}

// NewHub returns an empty simulated fabric.
func NewHub() *Hub {
	return &Hub{
		mrs:          make(map[interfaces.MRHandle][]byte),
		rings:        make(map[uint64]*ringbuf.Ring),
		producerHead: make(map[uint64]uint32),
		cq:           make(map[uint64][]interfaces.CQEntry),
	}
}

// RegisterRing associates connID with the ring a SubmitSend addressed to
// that connID should be written into.
func (h *Hub) RegisterRing(connID uint64, ring *ringbuf.Ring) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rings[connID] = ring
}

// Endpoint returns a Transport bound to endpointID, used only to route
// completions back to the right PollCQ caller.
func (h *Hub) Endpoint(endpointID uint64) *Endpoint {
	return &Endpoint{id: endpointID, hub: h}
}

func (h *Hub) registerMR(buf []byte) interfaces.MRHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextMR++
	id := interfaces.MRHandle(h.nextMR)
	h.mrs[id] = buf
	return id
}

func (h *Hub) deregisterMR(handle interfaces.MRHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.mrs, handle)
}

func (h *Hub) lookupMR(handle interfaces.MRHandle) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.mrs[handle]
	return buf, ok
}

func (h *Hub) complete(endpointID uint64, bytes uint64, status int32) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	opID := h.nextOp
	h.nextOp++
	h.cq[endpointID] = append(h.cq[endpointID], interfaces.CQEntry{OpID: opID, Status: status, Bytes: bytes})
	return opID
}

func (h *Hub) poll(endpointID uint64, out []interfaces.CQEntry) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	pending := h.cq[endpointID]
	n := copy(out, pending)
	h.cq[endpointID] = pending[n:]
	return n
}

func (h *Hub) deliver(connID uint64, payload []byte) error {
	h.mu.Lock()
	ring, ok := h.rings[connID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("loopback: no ring registered for connID %d", connID)
	}
	head := h.producerHead[connID]
	h.mu.Unlock()

	if len(payload) < wire.HdrSize {
		return fmt.Errorf("loopback: payload shorter than a header (%d bytes)", len(payload))
	}
	hdr, err := wire.UnmarshalHdr(payload)
	if err != nil {
		return err
	}
	body := payload[wire.HdrSize:]

	numSlots := ring.NumSlots()
	rev := ringbuf.RevolutionForHead(head, numSlots)
	if err := ring.WriteSlot(head&(numSlots-1), rev, hdr, body); err != nil {
		return err
	}

	h.mu.Lock()
	h.producerHead[connID] = (head + 1) % (2 * numSlots)
	h.mu.Unlock()
	return nil
}

// Endpoint is one participant's view of a Hub, implementing
// interfaces.Transport.
type Endpoint struct {
	id  uint64
	hub *Hub
}

func (e *Endpoint) RegisterMR(buf []byte) (interfaces.MRHandle, error) {
	return e.hub.registerMR(buf), nil
}

func (e *Endpoint) DeregisterMR(h interfaces.MRHandle) error {
	e.hub.deregisterMR(h)
	return nil
}

// SubmitGet copies length bytes from the remote buffer named by remoteKey
// (a loopback MRHandle) at offset remoteAddr into the local buffer named by
// local at offset localOff.
func (e *Endpoint) SubmitGet(ctx context.Context, local interfaces.MRHandle, localOff, remoteAddr, remoteKey, length uint64) (uint64, error) {
	return e.copyBetween(local, localOff, interfaces.MRHandle(remoteKey), remoteAddr, length, true)
}

// SubmitPut copies length bytes from local (at localOff) into the remote
// buffer named by remoteKey at offset remoteAddr. cqData is ignored by the
// loopback simulation: the completion carries only the op ID, status and
// byte count (a real transport would surface cqData to the target's CQ).
func (e *Endpoint) SubmitPut(ctx context.Context, local interfaces.MRHandle, localOff, remoteAddr, remoteKey, length, cqData uint64) (uint64, error) {
	return e.copyBetween(local, localOff, interfaces.MRHandle(remoteKey), remoteAddr, length, false)
}

func (e *Endpoint) copyBetween(local interfaces.MRHandle, localOff uint64, remote interfaces.MRHandle, remoteOff uint64, length uint64, fromRemote bool) (uint64, error) {
	localBuf, ok := e.hub.lookupMR(local)
	if !ok {
		return 0, fmt.Errorf("loopback: unknown local MR %d", local)
	}
	remoteBuf, ok := e.hub.lookupMR(remote)
	if !ok {
		return 0, fmt.Errorf("loopback: unknown remote MR %d", remote)
	}
	if localOff+length > uint64(len(localBuf)) || remoteOff+length > uint64(len(remoteBuf)) {
		return 0, fmt.Errorf("loopback: copy of %d bytes out of range", length)
	}
	if fromRemote {
		copy(localBuf[localOff:localOff+length], remoteBuf[remoteOff:remoteOff+length])
	} else {
		copy(remoteBuf[remoteOff:remoteOff+length], localBuf[localOff:localOff+length])
	}
	return e.hub.complete(e.id, length, 0), nil
}

// SubmitAtomic applies op in place against the remote buffer named by
// remoteKey at offset remoteAddr, writing the pre-operation value into the
// local buffer named by local.
func (e *Endpoint) SubmitAtomic(ctx context.Context, local interfaces.MRHandle, remoteAddr, remoteKey uint64, op, datatype uint8, operand, compare uint64) (uint64, error) {
	remoteBuf, ok := e.hub.lookupMR(interfaces.MRHandle(remoteKey))
	if !ok {
		return 0, fmt.Errorf("loopback: unknown remote MR %d", remoteKey)
	}
	fetched, err := tx.ApplyAtomic(wire.AtomicOp(op), wire.AtomicDatatype(datatype), remoteBuf, int(remoteAddr), operand, compare)
	if err != nil {
		return 0, err
	}
	if local != 0 {
		if localBuf, ok := e.hub.lookupMR(local); ok && len(localBuf) >= 8 {
			for i := 0; i < 8; i++ {
				localBuf[i] = byte(fetched >> (8 * (7 - i)))
			}
		}
	}
	return e.hub.complete(e.id, 8, 0), nil
}

// SubmitSend writes payload (a full, already-marshaled MsgHdr plus body)
// into connID's registered ring.
func (e *Endpoint) SubmitSend(ctx context.Context, connID uint64, payload []byte) (uint64, error) {
	if err := e.hub.deliver(connID, payload); err != nil {
		return 0, err
	}
	return e.hub.complete(e.id, uint64(len(payload)), 0), nil
}

// PollCQ drains this endpoint's pending completions.
func (e *Endpoint) PollCQ(out []interfaces.CQEntry) (int, error) {
	return e.hub.poll(e.id, out), nil
}
