package pe

import (
	"context"
	"sync"

	"github.com/zhpe-fabric/progress-engine/internal/interfaces"
)

// MockTransport is an in-memory interfaces.Transport for unit tests: every
// Submit* call completes on the very next PollCQ rather than ever blocking,
// and call counts are tracked for verification. Set Backpressured to make
// every Submit* call return ErrCodeBackpressure instead, exercising the
// retry path.
type MockTransport struct {
	mu sync.Mutex

	nextOpID uint64
	pending  []interfaces.CQEntry
	mrs      map[interfaces.MRHandle][]byte
	nextMR   interfaces.MRHandle

	Backpressured bool

	getCalls, putCalls, atomicCalls, sendCalls, pollCalls int
}

// NewMockTransport returns an empty MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{mrs: make(map[interfaces.MRHandle][]byte)}
}

func (m *MockTransport) submit(status int32, bytes uint64) (uint64, error) {
	if m.Backpressured {
		return 0, NewError("MockTransport.Submit", ErrCodeBackpressure, "transport backpressured")
	}
	id := m.nextOpID
	m.nextOpID++
	m.pending = append(m.pending, interfaces.CQEntry{OpID: id, Status: status, Bytes: bytes})
	return id, nil
}

func (m *MockTransport) SubmitGet(ctx context.Context, local interfaces.MRHandle, localOff, remoteAddr, remoteKey, length uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	return m.submit(0, length)
}

func (m *MockTransport) SubmitPut(ctx context.Context, local interfaces.MRHandle, localOff, remoteAddr, remoteKey, length, cqData uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	return m.submit(0, length)
}

func (m *MockTransport) SubmitAtomic(ctx context.Context, local interfaces.MRHandle, remoteAddr, remoteKey uint64, op, datatype uint8, operand, compare uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.atomicCalls++
	return m.submit(0, 8)
}

func (m *MockTransport) SubmitSend(ctx context.Context, connID uint64, payload []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	return m.submit(0, uint64(len(payload)))
}

// PollCQ drains every completion queued by a Submit* call since the last
// PollCQ, in submission order.
func (m *MockTransport) PollCQ(out []interfaces.CQEntry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollCalls++
	n := copy(out, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

func (m *MockTransport) RegisterMR(buf []byte) (interfaces.MRHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMR++
	h := m.nextMR
	m.mrs[h] = buf
	return h, nil
}

func (m *MockTransport) DeregisterMR(h interfaces.MRHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mrs, h)
	return nil
}

// CallCounts returns how many times each Submit*/PollCQ method was called.
func (m *MockTransport) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"get":    m.getCalls,
		"put":    m.putCalls,
		"atomic": m.atomicCalls,
		"send":   m.sendCalls,
		"poll":   m.pollCalls,
	}
}

// Reset clears call counters and any queued completions.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls, m.putCalls, m.atomicCalls, m.sendCalls, m.pollCalls = 0, 0, 0, 0, 0
	m.pending = nil
}

// MockKeyStore is an in-memory interfaces.KeyStore for unit tests.
type MockKeyStore struct {
	mu     sync.RWMutex
	local  map[uint64][3]uint64
	cached map[uint64][3]uint64
}

// NewMockKeyStore returns an empty MockKeyStore.
func NewMockKeyStore() *MockKeyStore {
	return &MockKeyStore{local: make(map[uint64][3]uint64), cached: make(map[uint64][3]uint64)}
}

// Export registers a locally-owned key, as if exported via KEY_EXPORT.
func (m *MockKeyStore) Export(keyID, vaddr, rkey, length uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local[keyID] = [3]uint64{vaddr, rkey, length}
}

func (m *MockKeyStore) Lookup(keyID uint64) (vaddr, rkey, length uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.local[keyID]
	return t[0], t[1], t[2], ok
}

func (m *MockKeyStore) Cache(keyID, vaddr, rkey, length uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached[keyID] = [3]uint64{vaddr, rkey, length}
}

func (m *MockKeyStore) CachedLookup(keyID uint64) (vaddr, rkey, length uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.cached[keyID]
	return t[0], t[1], t[2], ok
}

func (m *MockKeyStore) Revoke(keyID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cached, keyID)
}

// MockLogger discards every message but counts how many were logged, for
// tests that only care that something was (or wasn't) logged.
type MockLogger struct {
	mu          sync.Mutex
	printfCalls int
	debugfCalls int
}

func (m *MockLogger) Printf(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.printfCalls++
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugfCalls++
}

// Calls reports how many times Printf/Debugf were called.
func (m *MockLogger) Calls() (printf, debugf int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.printfCalls, m.debugfCalls
}

// Compile-time interface checks
var (
	_ interfaces.Transport = (*MockTransport)(nil)
	_ interfaces.KeyStore  = (*MockKeyStore)(nil)
	_ interfaces.Logger    = (*MockLogger)(nil)
)
