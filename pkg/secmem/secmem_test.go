package secmem

import (
	"bytes"
	"testing"
)

func TestWipeZeroes(t *testing.T) {
	buf := []byte("master password")
	Wipe(buf)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %x", i, b)
		}
	}
}

func TestSetCopiesInput(t *testing.T) {
	s := NewStore()
	secret := []byte("hunter2!")
	s.Set("db", secret)

	// Wiping the caller's slice must not reach the stored value.
	Wipe(secret)

	got, ok := s.Get("db")
	if !ok {
		t.Fatal("expected value for key")
	}
	if !bytes.Equal(got, []byte("hunter2!")) {
		t.Errorf("stored value aliased caller memory: %q", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Set("db", []byte("hunter2!"))

	first, _ := s.Get("db")
	Wipe(first)

	second, _ := s.Get("db")
	if !bytes.Equal(second, []byte("hunter2!")) {
		t.Errorf("Get handed out the backing slice: %q", second)
	}
}

func TestSetOverwritesPrevious(t *testing.T) {
	s := NewStore()
	s.Set("db", []byte("old secret"))
	s.Set("db", []byte("new secret"))

	got, ok := s.Get("db")
	if !ok || !bytes.Equal(got, []byte("new secret")) {
		t.Errorf("Get = %q, %v; want new value", got, ok)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestDelete(t *testing.T) {
	s := NewStore()
	s.Set("db", []byte("hunter2!"))

	s.Delete("db")
	if _, ok := s.Get("db"); ok {
		t.Error("value should be gone after Delete")
	}

	// Deleting an absent key is a no-op.
	s.Delete("db")
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestClear(t *testing.T) {
	s := NewStore()
	s.Set("a", []byte("one"))
	s.Set("b", []byte("two"))
	s.Set("c", []byte("three"))

	s.Clear()
	if s.Len() != 0 {
		t.Errorf("Len = %d after Clear, want 0", s.Len())
	}
	if _, ok := s.Get("a"); ok {
		t.Error("Clear must remove every value")
	}
}
