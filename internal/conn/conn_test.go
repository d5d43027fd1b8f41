package conn

import (
	"testing"

	"github.com/zhpe-fabric/progress-engine/internal/ringbuf"
)

func TestMapAddGetRemove(t *testing.T) {
	m := NewMap()
	ring, err := ringbuf.New(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	c := m.Add("10.0.0.1:1234", ring)
	if c.State() != StateConnecting {
		t.Fatalf("expected new connection to start CONNECTING, got %v", c.State())
	}

	got, ok := m.Get(c.ID)
	if !ok || got != c {
		t.Fatal("expected Get to return the same connection")
	}

	c.SetState(StateConnected)
	if c.State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %v", c.State())
	}

	if err := m.Remove(c.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get(c.ID); ok {
		t.Fatal("expected connection to be gone after Remove")
	}
}

func TestMapRemoveUnknownErrors(t *testing.T) {
	m := NewMap()
	if err := m.Remove(999); err == nil {
		t.Fatal("expected error removing an unregistered connection")
	}
}

func TestMapEachVisitsAll(t *testing.T) {
	m := NewMap()
	ring, _ := ringbuf.New(4, 64)
	m.Add("a", ring)
	m.Add("b", ring)
	m.Add("c", ring)

	seen := 0
	m.Each(func(c *Connection) { seen++ })
	if seen != 3 {
		t.Fatalf("expected 3 connections visited, got %d", seen)
	}
	if m.Len() != 3 {
		t.Fatalf("expected Len()==3, got %d", m.Len())
	}
}
