package rx

import (
	"context"

	"github.com/zhpe-fabric/progress-engine/internal/bufpool"
	"github.com/zhpe-fabric/progress-engine/internal/constants"
	"github.com/zhpe-fabric/progress-engine/internal/retry"
	"github.com/zhpe-fabric/progress-engine/internal/wire"
)

// Status codes the state machine itself assigns. Status codes arriving on
// the wire (STATUS messages, GET completions) are passed through verbatim
// via Entry.UpdateStatus.
const (
	StatusTruncated int32 = -1
	StatusIOError   int32 = -2
)

// GetIssuer issues the chunked RDMA GET(s) that fetch a rendezvous message's
// bytes into e.Buf. The real implementation is pe.NewGetIssuer's adapter over
// internal/tx.Driver, which enforces the MAX_IO_OPS/MAX_IO_BYTES-per-tick budget (spec.md §4.4);
// StateMachine only needs to kick the first chunk off and later learn about
// completions via OnGetComplete.
type GetIssuer interface {
	IssueGet(connID uint64, e *Entry, remoteAddr, remoteKey, length uint64) error
}

// KeyResolver resolves a remote-buffer key into its (VAddr, RKey, Len)
// triple without ever blocking the caller, satisfying spec.md §4.3's rule
// that the progress thread never blocks inside a state machine.
// keybroker.Broker implements this.
type KeyResolver interface {
	CachedLookup(keyID uint64) (vaddr, rkey, length uint64, ok bool)
	RequestKeyAsync(ctx context.Context, connID, keyID uint64) error
}

// AckSender sends a STATUS message back to a peer acknowledging a completion
// whose originating SEND carried ANY_COMPLETE (spec.md §4.3, §6.5).
type AckSender interface {
	SendStatusAck(ctx context.Context, connID uint64, status int32) error
}

// Config carries the tunables and collaborators a StateMachine needs beyond
// its Context/Matcher/GetIssuer. Zero-value MaxEagerSize/MinMultiRecv fall
// back to the package defaults; KeyResolver/RetryQ/AckSender may be nil, in
// which case the behavior they'd otherwise drive (KEY_WAIT gating, ack
// sending) is simply skipped.
type Config struct {
	MaxEagerSize uint64
	MinMultiRecv uint64
	KeyResolver  KeyResolver
	RetryQ       *retry.Queue
	AckSender    AckSender
}

// CompletionFunc is called once per entry as it drains off rx_work_list, in
// posting order, with no RX lock held.
type CompletionFunc func(e *Entry)

// IncomingSend is the matcher/state-machine's view of a freshly arrived SEND,
// already decoded from wire bytes by the ring reader.
type IncomingSend struct {
	ConnID      uint64
	Addr        uint64 // source address dimension for matching; AddrAny if unknown
	Tagged      bool
	Tag         uint64
	CQData      uint64
	AnyComplete bool // sender requested a STATUS ack once this entry completes

	Inline     bool
	InlineBody []byte // valid when Inline

	RemoteAddr uint64 // valid when !Inline
	RemoteKey  uint64
	Len        uint64
}

// PeekResult is the outcome of PeekRecv (spec.md §4.2, §6.2's peek_recv).
type PeekResult struct {
	Found bool
	Len   uint64
	Tag   uint64
	Addr  uint64

	// Entry is set only on a successful FI_CLAIM peek: the matched buffered
	// entry, already unlinked from rx_buffered_list and awaiting ClaimRecv.
	Entry *Entry
}

// StateMachine drives one receive context's entries from posting through
// matching, data movement, and ordered completion (spec.md §4.2-§4.3).
type StateMachine struct {
	ctx        *Context
	matcher    *Matcher
	getIssuer  GetIssuer
	onComplete CompletionFunc
	cfg        Config
}

// NewStateMachine builds a StateMachine over ctx. getIssuer may be nil if
// the caller never expects rendezvous traffic (e.g. a unit test fixture);
// onComplete may be nil to discard completions.
func NewStateMachine(ctx *Context, matcher *Matcher, getIssuer GetIssuer, onComplete CompletionFunc, cfg Config) *StateMachine {
	if cfg.MaxEagerSize == 0 {
		cfg.MaxEagerSize = constants.DefaultMaxEagerSize
	}
	if cfg.MinMultiRecv == 0 {
		cfg.MinMultiRecv = constants.DefaultMinMultiRecv
	}
	return &StateMachine{ctx: ctx, matcher: matcher, getIssuer: getIssuer, onComplete: onComplete, cfg: cfg}
}

// PostRecv posts a single-shot receive buffer for addr, either matching it
// immediately against an already-buffered unexpected message or parking it
// on rx_posted_list.
func (sm *StateMachine) PostRecv(addr uint64, buf []byte, tagged bool, tag, ignoreMask uint64) (*Entry, error) {
	sm.ctx.Lock()
	if be := sm.matcher.MatchBuffered(sm.ctx, addr, tagged, tag, ignoreMask); be != nil {
		sm.ctx.Buffered.Remove(be)
		sm.ctx.Unlock()
		return be, sm.driveClaimedEntry(be, buf)
	}
	e := sm.ctx.NewEntry()
	e.Addr = addr
	e.Buf = buf
	e.Tagged = tagged
	e.Tag = tag
	e.IgnoreMask = ignoreMask
	e.State = StateIdle
	sm.ctx.Posted.PushBack(e)
	sm.ctx.Unlock()
	return e, nil
}

// PostMultiRecv posts a MULTI_RECV buffer for addr: it stays on
// rx_posted_list across repeated matches, each consuming a slice of buf,
// until fewer than MinMultiRecv bytes remain (spec.md §4.2, §8 S3).
func (sm *StateMachine) PostMultiRecv(addr uint64, buf []byte, tagged bool, tag, ignoreMask uint64) (*Entry, error) {
	sm.ctx.Lock()
	defer sm.ctx.Unlock()
	e := sm.ctx.NewEntry()
	e.Addr = addr
	e.Buf = buf
	e.Tagged = tagged
	e.Tag = tag
	e.IgnoreMask = ignoreMask
	e.State = StateIdle
	e.MultiRecv = true
	e.MultiRecvMin = sm.cfg.MinMultiRecv
	sm.ctx.Posted.PushBack(e)
	return e, nil
}

// PeekRecv implements spec.md §6.2's peek_recv: FI_PEEK reports whether a
// matching unexpected message is buffered without consuming it; FI_CLAIM
// additionally unlinks it for a follow-up ClaimRecv; FI_DISCARD drops it
// (freeing it immediately, or marking it StateDiscard if its eager prefetch
// is still in flight).
func (sm *StateMachine) PeekRecv(addr uint64, tagged bool, tag, ignoreMask uint64, claim, discard bool) PeekResult {
	sm.ctx.Lock()
	be := sm.matcher.MatchBuffered(sm.ctx, addr, tagged, tag, ignoreMask)
	if be == nil {
		sm.ctx.Unlock()
		return PeekResult{}
	}
	res := PeekResult{Found: true, Len: be.Want, Tag: be.Tag, Addr: be.Addr}
	var ack bool
	var ackConnID uint64
	switch {
	case discard:
		sm.ctx.Buffered.Remove(be)
		ack, ackConnID = sm.discardLocked(be)
		sm.ctx.Unlock()
	case claim:
		sm.ctx.Buffered.Remove(be)
		res.Entry = be
		sm.ctx.Unlock()
	default:
		sm.ctx.Unlock()
	}
	if ack && sm.cfg.AckSender != nil {
		_ = sm.cfg.AckSender.SendStatusAck(context.Background(), ackConnID, 0)
	}
	return res
}

// ClaimRecv completes a previously FI_CLAIM-peeked entry into buf,
// implementing spec.md §6.2's claim_recv.
func (sm *StateMachine) ClaimRecv(claimed *Entry, buf []byte) error {
	return sm.driveClaimedEntry(claimed, buf)
}

// discardLocked drops an already-unlinked buffered entry. Caller holds
// ctx's lock and must send the STATUS ack (if any) only after unlocking,
// never while still holding it. An entry whose eager prefetch is still in
// flight can't be freed yet (OnGetComplete is about to write into its
// slab), so it moves to rx_work_list as StateDiscard instead and reports no
// ack here (OnGetComplete sends it once the fetch lands); everything else
// is freed immediately, with the caller acking the sender if it asked for
// one. Grounded in the original zhpe provider's discard_recv, which takes
// the same two paths.
func (sm *StateMachine) discardLocked(be *Entry) (ack bool, connID uint64) {
	if be.State == StateEager {
		be.State = StateDiscard
		sm.ctx.Work.PushBack(be)
		return false, 0
	}
	ack, connID = be.AnyComplete, be.ConnID
	sm.ctx.FreeEntry(be)
	return ack, connID
}

// OnSendArrival processes one incoming SEND: matching it against a posted
// entry (single-shot or MULTI_RECV), or buffering it as unexpected if no
// post is waiting. Matching and list bookkeeping happen under the context
// lock; any GET issuance happens with no lock held, per spec.md's "never
// hold a lock across I/O" rule.
func (sm *StateMachine) OnSendArrival(msg IncomingSend) error {
	sm.ctx.Lock()
	if mr := sm.matcher.MatchMultiRecv(sm.ctx, msg.Addr, msg.Tagged, msg.Tag); mr != nil {
		sm.ctx.Unlock()
		return sm.deliverMultiRecv(mr, msg)
	}
	if e := sm.matcher.Match(sm.ctx, msg.Addr, msg.Tagged, msg.Tag); e != nil {
		sm.ctx.Posted.Remove(e)
		sm.ctx.Unlock()
		return sm.deliver(e, msg)
	}

	ue := sm.ctx.NewEntry()
	ue.ConnID = msg.ConnID
	ue.Addr = msg.Addr
	ue.Tagged = msg.Tagged
	ue.Tag = msg.Tag
	ue.CQData = msg.CQData
	ue.Want = msg.Len
	ue.AnyComplete = msg.AnyComplete
	switch {
	case msg.Inline:
		ue.PendingBody = append([]byte(nil), msg.InlineBody...)
		ue.State = StateInline
	case msg.Len <= sm.cfg.MaxEagerSize:
		ue.Buf = bufpool.Get(int(msg.Len))
		ue.eagerAlloc = true
		ue.RemoteAddr = msg.RemoteAddr
		ue.RemoteKey = msg.RemoteKey
		ue.State = StateEager
	default:
		ue.RemoteAddr = msg.RemoteAddr
		ue.RemoteKey = msg.RemoteKey
		ue.State = StateRnd
	}
	sm.ctx.Buffered.PushBack(ue)
	sm.ctx.Unlock()

	if ue.State == StateEager {
		// Proactively fetch the message into an internal slab before any
		// matching recv has been posted, so the sender's buffer isn't held
		// open waiting (spec.md §4.3's EAGER path).
		return sm.dispatchGet(ue)
	}
	return nil
}

// deliver handles a SEND that matched an already-posted single-shot entry.
// Since the destination buffer is known synchronously, a non-inline message
// goes straight to RND_DIRECT: one GET straight into the caller's buffer,
// no intermediate slab copy.
func (sm *StateMachine) deliver(e *Entry, msg IncomingSend) error {
	e.ConnID = msg.ConnID
	e.CQData = msg.CQData
	e.Want = msg.Len
	e.AnyComplete = msg.AnyComplete

	if msg.Inline {
		n := copy(e.Buf, msg.InlineBody)
		e.Got = uint64(n)
		if uint64(n) < msg.Len {
			e.UpdateStatus(StatusTruncated)
		}
		e.State = StateComplete
		sm.ctx.Lock()
		sm.ctx.Work.PushBack(e)
		sm.ctx.Unlock()
		return nil
	}

	e.RemoteAddr = msg.RemoteAddr
	e.RemoteKey = msg.RemoteKey
	e.State = StateRndDirect
	sm.ctx.Lock()
	sm.ctx.Work.PushBack(e)
	sm.ctx.Unlock()
	return sm.dispatchGet(e)
}

// deliverMultiRecv handles a SEND that matched a posted MULTI_RECV entry: it
// carves a slice starting at container.MultiRecvOffset for this message's
// own per-message entry (the "slot"), and only removes and frees the
// container once its remaining capacity drops below MinMultiRecv, tagging
// the last slot with FLAG_MULTI_RECV (spec.md §4.2, §8 S3). This fetches
// straight into the carved slice rather than the original's
// buffer-first-then-copy path: a deliberate simplification, since the
// destination is already known synchronously, same as the ordinary
// posted-match RND_DIRECT path above.
func (sm *StateMachine) deliverMultiRecv(container *Entry, msg IncomingSend) error {
	sm.ctx.Lock()
	avail := uint64(len(container.Buf)) - container.MultiRecvOffset
	slotLen := msg.Len
	if slotLen > avail {
		slotLen = avail
	}
	slotBuf := container.Buf[container.MultiRecvOffset : container.MultiRecvOffset+slotLen]
	container.MultiRecvOffset += slotLen
	exhausted := uint64(len(container.Buf))-container.MultiRecvOffset < container.MultiRecvMin

	slot := sm.ctx.NewEntry()
	slot.ConnID = msg.ConnID
	slot.Addr = container.Addr
	slot.Tagged = msg.Tagged
	slot.Tag = msg.Tag
	slot.CQData = msg.CQData
	slot.Buf = slotBuf
	slot.Want = msg.Len
	slot.Flags = wire.FlagRecv
	slot.AnyComplete = msg.AnyComplete
	if exhausted {
		slot.Flags |= wire.FlagMultiRecv
		sm.ctx.Posted.Remove(container)
		sm.ctx.FreeEntry(container)
	}
	sm.ctx.Unlock()

	if msg.Inline {
		n := copy(slot.Buf, msg.InlineBody)
		slot.Got = uint64(n)
		if uint64(n) < msg.Len {
			slot.UpdateStatus(StatusTruncated)
		}
		slot.State = StateComplete
		sm.ctx.Lock()
		sm.ctx.Work.PushBack(slot)
		sm.ctx.Unlock()
		return nil
	}

	slot.RemoteAddr = msg.RemoteAddr
	slot.RemoteKey = msg.RemoteKey
	slot.State = StateRndDirect
	sm.ctx.Lock()
	sm.ctx.Work.PushBack(slot)
	sm.ctx.Unlock()
	return sm.dispatchGet(slot)
}

// driveClaimedEntry attaches a just-determined destination buffer to an
// already-unlinked buffered entry (from PostRecv's late-match path, or from
// ClaimRecv after an FI_CLAIM peek) and drives it the rest of the way,
// branching on whatever state the entry was buffered in.
func (sm *StateMachine) driveClaimedEntry(be *Entry, buf []byte) error {
	switch be.State {
	case StateInline:
		n := copy(buf, be.PendingBody)
		be.Got = uint64(n)
		if uint64(n) < be.Want {
			be.UpdateStatus(StatusTruncated)
		}
		be.PendingBody = nil
		be.Buf = buf
		be.State = StateComplete
		sm.ctx.Lock()
		sm.ctx.Work.PushBack(be)
		sm.ctx.Unlock()
		return nil

	case StateEager:
		// The internal slab fetch is still in flight: stash the caller's
		// buffer and let OnGetComplete finish the copy once it lands.
		sm.ctx.Lock()
		be.ClaimBuf = buf
		be.State = StateEagerClaimed
		sm.ctx.Work.PushBack(be)
		sm.ctx.Unlock()
		return nil

	case StateEagerDone:
		n := copy(buf, be.Buf[:be.Got])
		if uint64(n) < be.Want {
			be.UpdateStatus(StatusTruncated)
		}
		sm.ctx.Lock()
		be.releaseBuf()
		be.Buf = buf
		be.Got = uint64(n)
		be.State = StateComplete
		sm.ctx.Work.PushBack(be)
		sm.ctx.Unlock()
		return nil

	case StateRnd:
		be.Buf = buf
		be.State = StateRndDirect
		sm.ctx.Lock()
		sm.ctx.Work.PushBack(be)
		sm.ctx.Unlock()
		return sm.dispatchGet(be)

	case StateDiscard:
		// Raced with a discard while the prefetch was in flight.
		sm.ctx.Lock()
		sm.ctx.FreeEntry(be)
		sm.ctx.Unlock()
		return nil

	default:
		sm.ctx.Lock()
		be.Buf = buf
		be.UpdateStatus(StatusIOError)
		be.State = StateComplete
		sm.ctx.Work.PushBack(be)
		sm.ctx.Unlock()
		return nil
	}
}

// dispatchGet issues e's rendezvous GET, first applying the key-availability
// gate (spec.md §4.3): when the SEND exported its source buffer by key
// (RemoteAddr == 0, RemoteKey holding the key ID) rather than embedding a
// literal address, the key must be resolved through KeyResolver before the
// GET can be built. A cache hit resolves inline; a miss marks the entry
// KeyWait, fires one KEY_REQUEST, and pushes a KindRxGetContinuation onto
// RetryQ so a later tick re-drives the GET once KEY_RESPONSE lands — never
// blocking this call.
func (sm *StateMachine) dispatchGet(e *Entry) error {
	if e.RemoteAddr == 0 && e.RemoteKey != 0 && sm.cfg.KeyResolver != nil {
		if v, r, l, ok := sm.cfg.KeyResolver.CachedLookup(e.RemoteKey); ok {
			sm.ctx.Lock()
			e.RemoteAddr, e.RemoteKey = v, r
			if l > 0 && l < e.Want {
				e.Want = l
			}
			sm.ctx.Unlock()
		} else {
			sm.ctx.Lock()
			e.KeyWait = true
			sm.ctx.Unlock()

			keyID, connID := e.RemoteKey, e.ConnID
			_ = sm.cfg.KeyResolver.RequestKeyAsync(context.Background(), connID, keyID)
			if sm.cfg.RetryQ != nil {
				sm.cfg.RetryQ.Push(&retry.Entry{
					Kind: retry.KindRxGetContinuation,
					Continuation: func() (bool, error) {
						v, r, _, ok := sm.cfg.KeyResolver.CachedLookup(keyID)
						if !ok {
							return false, nil
						}
						sm.ctx.Lock()
						e.KeyWait = false
						e.RemoteAddr, e.RemoteKey = v, r
						sm.ctx.Unlock()
						return true, sm.issueGet(e)
					},
				})
			}
			return nil
		}
	}
	return sm.issueGet(e)
}

func (sm *StateMachine) issueGet(e *Entry) error {
	length := e.Want
	if length > uint64(len(e.Buf)) {
		length = uint64(len(e.Buf))
		e.UpdateStatus(StatusTruncated)
	}
	if sm.getIssuer == nil {
		sm.ctx.Lock()
		e.UpdateStatus(StatusIOError)
		e.State = StateComplete
		sm.ctx.Unlock()
		return nil
	}
	if err := sm.getIssuer.IssueGet(e.ConnID, e, e.RemoteAddr, e.RemoteKey, length); err != nil {
		sm.ctx.Lock()
		e.UpdateStatus(StatusIOError)
		e.State = StateComplete
		sm.ctx.Unlock()
		return err
	}
	return nil
}

// OnGetComplete records bytes delivered by one chunk of a rendezvous GET. A
// negative status is sticky (Entry.UpdateStatus) and immediately completes
// the entry; otherwise the entry completes once Got reaches Want. Completion
// branches on the state the entry was fetching under: EAGER_CLAIMED copies
// the slab into the caller's buffer; a DISCARD race retags the entry
// StateDrop, acking the sender first if requested, so DrainCompletions frees
// it without reporting it (grounded in the
// original zhpe provider's EAGER/EAGER_CLAIMED GET-completion handling).
func (sm *StateMachine) OnGetComplete(e *Entry, bytes uint64, status int32) {
	sm.ctx.Lock()
	e.Got += bytes
	e.UpdateStatus(status)
	if e.Status >= 0 && e.Got < e.Want {
		sm.ctx.Unlock()
		return
	}

	var sendAck bool
	var ackConnID uint64

	switch e.State {
	case StateDiscard:
		sendAck = e.AnyComplete
		ackConnID = e.ConnID
		e.State = StateDrop
	case StateEager:
		e.State = StateEagerDone
	case StateEagerClaimed:
		n := copy(e.ClaimBuf, e.Buf[:e.Got])
		if uint64(n) < e.Want {
			e.UpdateStatus(StatusTruncated)
		}
		e.releaseBuf()
		e.Buf = e.ClaimBuf
		e.ClaimBuf = nil
		e.Got = uint64(n)
		e.State = StateComplete
	default:
		e.State = StateComplete
	}
	sm.ctx.Unlock()

	if sendAck && sm.cfg.AckSender != nil {
		_ = sm.cfg.AckSender.SendStatusAck(context.Background(), ackConnID, 0)
	}
}

func isTerminal(s State) bool {
	return s == StateComplete || s == StateDrop
}

// DrainCompletions walks rx_work_list from the head while entries are
// terminal, splices them into a local slice, releases the lock, reports
// each StateComplete entry to onComplete (acking its sender if it asked for
// one via ANY_COMPLETE) in order with no lock held, then re-acquires the
// lock to free everything back to the arena. StateDrop entries (including a
// discarded entry, once OnGetComplete has seen its fetch land) are freed
// without a report or an ack here; a StateDiscard entry still waiting on its
// fetch is not terminal and holds the drain behind it. Grounded in the original zhpe
// provider's pe_rx_complete, which only ever reports and acks its
// "dcomplete" sub-list, freeing "ddrop" silently (spec.md §4.3's
// ordered-completion-drain algorithm).
func (sm *StateMachine) DrainCompletions() {
	sm.ctx.Lock()
	var done []*Entry
	for {
		h := sm.ctx.Work.Head()
		if h == nil || !isTerminal(h.State) {
			break
		}
		sm.ctx.Work.PopFront()
		done = append(done, h)
	}
	sm.ctx.Unlock()

	if len(done) == 0 {
		return
	}

	for _, e := range done {
		if e.State != StateComplete {
			continue
		}
		if sm.onComplete != nil {
			sm.onComplete(e)
		}
		if e.AnyComplete && sm.cfg.AckSender != nil {
			_ = sm.cfg.AckSender.SendStatusAck(context.Background(), e.ConnID, e.Status)
		}
	}

	sm.ctx.Lock()
	for _, e := range done {
		sm.ctx.FreeEntry(e)
	}
	sm.ctx.Unlock()
}
