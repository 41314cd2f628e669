package ring

import "testing"

func TestWriteReadRoundTrip(t *testing.T) {
	r := New(2)
	if !r.Write([]int16{1, 2, 3}) {
		t.Fatal("expected write to succeed")
	}
	got, ok := r.Read()
	if !ok {
		t.Fatal("expected read to succeed")
	}
	if len(got) != 3 || got[0] != 1 {
		t.Fatalf("got %v", got)
	}
}

func TestDiscardOnOverflow(t *testing.T) {
	r := New(1)
	if !r.Write([]int16{1}) {
		t.Fatal("first write should succeed")
	}
	if r.Write([]int16{2}) {
		t.Fatal("second write should be discarded")
	}
	if r.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", r.Dropped())
	}
}

func TestReadEmpty(t *testing.T) {
	r := New(1)
	if _, ok := r.Read(); ok {
		t.Fatal("expected read on empty ring to fail")
	}
}

func TestClear(t *testing.T) {
	r := New(4)
	r.Write([]int16{1})
	r.Write([]int16{2})
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("len = %d after clear, want 0", r.Len())
	}
	if r.Dropped() != 0 {
		t.Fatalf("dropped = %d after clear, want 0 (clear is not overflow)", r.Dropped())
	}
}
