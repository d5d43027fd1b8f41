package rx

// Matcher finds the posted receive entry, if any, a freshly arrived message
// should be delivered into (spec.md §4.2). A message matches a posted entry
// when the addresses match (or either is AddrAny) and, for tagged traffic,
// when the tag matches modulo the posted entry's ignore mask; untagged
// messages match the first untagged posted entry for that address, FIFO.
type Matcher struct{}

// NewMatcher returns a Matcher. It is stateless; all state lives in Context.
func NewMatcher() *Matcher { return &Matcher{} }

// Match walks ctx.Posted looking for an entry that accepts a message from
// addr tagged (or not) with tag. Caller must hold ctx's lock. It does not
// unlink the match; call ctx.Posted.Remove once the caller has decided to
// consume it.
func (m *Matcher) Match(ctx *Context, addr uint64, tagged bool, tag uint64) *Entry {
	for e := ctx.Posted.Head(); e != nil; e = e.peek() {
		if e.MultiRecv {
			// A MULTI_RECV entry is consulted by deliverMultiRecv directly;
			// it never satisfies an ordinary single-shot match.
			continue
		}
		if m.accepts(e, addr, tagged, tag) {
			return e
		}
	}
	return nil
}

// MatchMultiRecv returns the first posted MULTI_RECV entry that accepts a
// message from addr tagged (or not) with tag, if any. Caller must hold
// ctx's lock.
func (m *Matcher) MatchMultiRecv(ctx *Context, addr uint64, tagged bool, tag uint64) *Entry {
	for e := ctx.Posted.Head(); e != nil; e = e.peek() {
		if !e.MultiRecv {
			continue
		}
		if m.accepts(e, addr, tagged, tag) {
			return e
		}
	}
	return nil
}

// peek exposes the next pointer for Match's walk without making next public
// on Entry; list iteration elsewhere goes through list methods only.
func (e *Entry) peek() *Entry { return e.next }

func (m *Matcher) accepts(e *Entry, addr uint64, tagged bool, tag uint64) bool {
	if e.Tagged != tagged {
		return false
	}
	if e.Addr != AddrAny && addr != AddrAny && e.Addr != addr {
		return false
	}
	if !tagged {
		return true
	}
	return (tag &^ e.IgnoreMask) == (e.Tag &^ e.IgnoreMask)
}

// MatchBuffered looks for an already-buffered unexpected message matching a
// newly posted entry (the mirror image of Match: a SEND arrived before its
// receive was posted). Caller must hold ctx's lock.
func (m *Matcher) MatchBuffered(ctx *Context, addr uint64, tagged bool, tag, ignoreMask uint64) *Entry {
	for e := ctx.Buffered.Head(); e != nil; e = e.peek() {
		if e.Tagged != tagged {
			continue
		}
		if e.Addr != AddrAny && addr != AddrAny && e.Addr != addr {
			continue
		}
		if !tagged {
			return e
		}
		if (tag &^ ignoreMask) == (e.Tag &^ ignoreMask) {
			return e
		}
	}
	return nil
}
