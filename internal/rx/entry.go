// Package rx implements the receive-side message state machine: matching
// incoming SENDs against posted receive entries, driving rendezvous GETs to
// completion, and reporting completions to the application in the order
// entries were posted (spec.md §4, §8).
package rx

import (
	"sync"

	"github.com/zhpe-fabric/progress-engine/internal/bufpool"
	"github.com/zhpe-fabric/progress-engine/internal/constants"
	"github.com/zhpe-fabric/progress-engine/internal/wire"
)

// State is the lifecycle of one receive entry. KEY_WAIT is deliberately not
// a State: it is an orthogonal flag (Entry.KeyWait) that can be set while an
// entry sits in StateRnd or StateRndDirect, not a place in this enum.
type State int

const (
	StateIdle State = iota
	StateInline
	StateEager
	StateRnd
	StateRndDirect
	StateRndBuf
	StateEagerClaimed
	StateEagerDone
	StateComplete
	StateDrop
	StateDiscard
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInline:
		return "INLINE"
	case StateEager:
		return "EAGER"
	case StateRnd:
		return "RND"
	case StateRndDirect:
		return "RND_DIRECT"
	case StateRndBuf:
		return "RND_BUF"
	case StateEagerClaimed:
		return "EAGER_CLAIMED"
	case StateEagerDone:
		return "EAGER_DONE"
	case StateComplete:
		return "COMPLETE"
	case StateDrop:
		return "DROP"
	case StateDiscard:
		return "DISCARD"
	default:
		return "UNKNOWN"
	}
}

// AddrAny is the wildcard source address: an Entry posted with Addr ==
// AddrAny matches an arrival from any peer, and an arrival carrying AddrAny
// (no address constraint known) matches any posted Addr (spec.md §4.2:
// "addresses match (or either is wildcard)").
const AddrAny = ^uint64(0)

// Entry is one receive entry: either application-posted (sitting in Posted
// until matched) or broker-created to hold an unexpected message (sitting in
// Buffered until a matching post arrives). At any instant it belongs to
// exactly one of a Context's three lists.
type Entry struct {
	ID      uint64
	State   State
	KeyWait bool // gated on keybroker key resolution; orthogonal to State

	ConnID     uint64
	Addr       uint64 // source/peer address dimension for matching (spec.md §4.2)
	Tag        uint64
	IgnoreMask uint64
	Tagged     bool

	// Buf is the GET/copy destination: the application's receive buffer for
	// INLINE/RND_DIRECT/RND_BUF entries, or an internal eager slab
	// (eagerAlloc true) while an EAGER/EAGER_DONE entry sits unclaimed.
	Buf        []byte
	eagerAlloc bool // Buf came from bufpool.Get and must be returned via bufpool.Put

	// ClaimBuf is the application buffer stashed by a PostRecv/ClaimRecv
	// that matched a still-in-flight EAGER entry (EAGER -> EAGER_CLAIMED);
	// OnGetComplete copies Buf into it once the fetch finishes.
	ClaimBuf []byte

	Got         uint64 // bytes delivered so far
	Want        uint64 // total bytes the peer is sending
	Status      int32  // 0 until an error occurs; sticky once negative
	CQData      uint64
	Flags       wire.EntryFlags
	AnyComplete bool // sender set ANY_COMPLETE; ack with STATUS on completion

	// MultiRecv marks a posted entry as a MULTI_RECV buffer: it stays on
	// Posted across repeated matches (consuming MultiRecvOffset..len(Buf))
	// instead of being removed on first match, until fewer than
	// MultiRecvMin bytes remain (spec.md §4.2, §8 S3).
	MultiRecv       bool
	MultiRecvOffset uint64
	MultiRecvMin    uint64

	// RemoteAddr/RemoteKey and PendingBody are populated only while an entry
	// sits in Buffered, holding an unexpected message until a matching recv
	// is posted: PendingBody for an inline SEND's bytes, RemoteAddr/RemoteKey
	// for a rendezvous SEND's exported source buffer.
	RemoteAddr  uint64
	RemoteKey   uint64
	PendingBody []byte

	next *Entry
}

// UpdateStatus applies spec.md's monotonicity rule: once an entry's status
// has gone negative it can never be overwritten by a later, possibly
// less-informative error.
func (e *Entry) UpdateStatus(status int32) {
	if e.Status < 0 {
		return
	}
	if status < 0 {
		e.Status = status
	}
}

// releaseBuf returns an eager slab to bufpool, if Buf came from one.
func (e *Entry) releaseBuf() {
	if e.eagerAlloc {
		bufpool.Put(e.Buf)
		e.eagerAlloc = false
	}
}

// list is an intrusive singly-linked FIFO. Entries are removed from the
// middle rarely enough (unexpected-message cancellation) that an O(n)
// Remove is acceptable; PushBack/PopFront are O(1).
type list struct {
	head, tail *Entry
	n          int
}

func (l *list) Len() int { return l.n }

func (l *list) Head() *Entry { return l.head }

func (l *list) PushBack(e *Entry) {
	e.next = nil
	if l.tail == nil {
		l.head, l.tail = e, e
	} else {
		l.tail.next = e
		l.tail = e
	}
	l.n++
}

func (l *list) PopFront() *Entry {
	e := l.head
	if e == nil {
		return nil
	}
	l.head = e.next
	if l.head == nil {
		l.tail = nil
	}
	e.next = nil
	l.n--
	return e
}

// Remove splices e out of the list, wherever it sits. It reports whether e
// was found.
func (l *list) Remove(e *Entry) bool {
	var prev *Entry
	for cur := l.head; cur != nil; cur = cur.next {
		if cur == e {
			if prev == nil {
				l.head = cur.next
			} else {
				prev.next = cur.next
			}
			if cur == l.tail {
				l.tail = prev
			}
			cur.next = nil
			l.n--
			return true
		}
		prev = cur
	}
	return false
}

// Context holds the three RX lists for one receive context (spec.md §4.2):
// rx_posted_list (application-posted, unmatched), rx_buffered_list
// (unexpected messages buffered pending a matching post), and rx_work_list
// (matched entries in flight, drained in posting order for completion).
type Context struct {
	mu sync.Mutex

	Posted   list
	Buffered list
	Work     list

	arena  []Entry
	free   []*Entry
	nextID uint64
}

// NewContext returns an empty receive context.
func NewContext() *Context {
	return &Context{}
}

// Lock/Unlock expose the context's mutex so callers (RxMatcher,
// RxStateMachine, the progress loop) can group several list operations into
// one critical section, per spec.md's fine-grained-locking model.
func (c *Context) Lock()   { c.mu.Lock() }
func (c *Context) Unlock() { c.mu.Unlock() }

// NewEntry returns a zeroed entry from the arena, growing it in
// constants.RxEntryArenaChunk increments when exhausted. Caller must hold
// the context lock.
func (c *Context) NewEntry() *Entry {
	if len(c.free) == 0 {
		c.growArena()
	}
	e := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	*e = Entry{ID: c.nextID}
	c.nextID++
	return e
}

// FreeEntry returns e to the arena, releasing any eager slab it still owns.
// Caller must hold the context lock and must have already unlinked e from
// every list.
func (c *Context) FreeEntry(e *Entry) {
	e.releaseBuf()
	c.free = append(c.free, e)
}

func (c *Context) growArena() {
	start := len(c.arena)
	c.arena = append(c.arena, make([]Entry, constants.RxEntryArenaChunk)...)
	for i := start; i < len(c.arena); i++ {
		c.free = append(c.free, &c.arena[i])
	}
}
