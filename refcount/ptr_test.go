package refcount

import "testing"

type countedThing struct {
	RefCounted
}

func TestPtrLifecycle(t *testing.T) {
	thing := &countedThing{}
	ptr := NewPtr(thing)
	if !ptr.IsSet() || ptr.Get() != thing {
		t.Fatal("expected a set handle to the thing")
	}
	if thing.RefCount() != 1 {
		t.Fatalf("expected count 1, got %d", thing.RefCount())
	}
	clone := ptr.Clone()
	if thing.RefCount() != 2 {
		t.Fatalf("expected count 2 after clone, got %d", thing.RefCount())
	}
	clone.Close()
	if thing.RefCount() != 1 {
		t.Fatalf("expected count 1 after closing the clone, got %d", thing.RefCount())
	}
	ptr.Close()
	if thing.RefCount() != 0 {
		t.Fatalf("expected count 0, got %d", thing.RefCount())
	}
	ptr.Close() // idempotent
	if thing.RefCount() != 0 {
		t.Fatalf("expected double close to be a no-op, got %d", thing.RefCount())
	}
}

func TestPtrRelease(t *testing.T) {
	thing := &countedThing{}
	ptr := NewPtr(thing)
	released := ptr.Release()
	if released != thing {
		t.Fatal("expected Release to return the pointee")
	}
	if ptr.IsSet() {
		t.Fatal("expected the handle to be empty after Release")
	}
	if thing.RefCount() != 1 {
		t.Fatalf("expected Release to leave the count untouched, got %d", thing.RefCount())
	}
	thing.Unref()
}

func TestPtrAdopt(t *testing.T) {
	thing := &countedThing{}
	thing.Ref()
	ptr := AdoptPtr(thing)
	if thing.RefCount() != 1 {
		t.Fatalf("expected adoption not to increment, got %d", thing.RefCount())
	}
	ptr.Close()
	if thing.RefCount() != 0 {
		t.Fatalf("expected count 0, got %d", thing.RefCount())
	}
}

func TestPtrSwap(t *testing.T) {
	first := &countedThing{}
	second := &countedThing{}
	a := NewPtr(first)
	b := NewPtr(second)
	a.Swap(&b)
	if a.Get() != second || b.Get() != first {
		t.Fatal("expected the handles to exchange pointees")
	}
	a.Close()
	b.Close()
}

func TestPtrZeroValue(t *testing.T) {
	var ptr Ptr[*countedThing]
	if ptr.IsSet() {
		t.Fatal("expected the zero handle to be empty")
	}
	ptr.Close() // no-op
	clone := ptr.Clone()
	if clone.IsSet() {
		t.Fatal("expected the clone of an empty handle to be empty")
	}
}
