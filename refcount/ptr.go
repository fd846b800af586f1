package refcount

// Ptr is a smart handle over a Counted value. Constructing or cloning a Ptr
// increments the count; Close decrements it exactly once. A Ptr does not
// allocate any control block of its own, it merely forwards to the intrusive
// count of the pointee.
//
// The zero Ptr is empty: Get returns the zero T and Close is a no-op.
type Ptr[T Counted] struct {
	value T
	set   bool
}

// NewPtr returns a handle to value, incrementing its reference count.
func NewPtr[T Counted](value T) Ptr[T] {
	value.Ref()
	return Ptr[T]{value: value, set: true}
}

// AdoptPtr returns a handle that takes ownership of a reference the caller
// already holds, without incrementing the count.
func AdoptPtr[T Counted](value T) Ptr[T] {
	return Ptr[T]{value: value, set: true}
}

// Get returns the pointee, or the zero T if the handle is empty.
func (p *Ptr[T]) Get() T { return p.value }

// IsSet reports whether the handle refers to a value.
func (p *Ptr[T]) IsSet() bool { return p.set }

// Clone returns a new handle to the same pointee, incrementing the count.
// Cloning an empty handle returns an empty handle.
func (p *Ptr[T]) Clone() Ptr[T] {
	if !p.set {
		return Ptr[T]{}
	}
	return NewPtr(p.value)
}

// Release relinquishes ownership of the reference without decrementing the
// count, returning the pointee. The handle becomes empty.
func (p *Ptr[T]) Release() T {
	value := p.value
	var zero T
	p.value = zero
	p.set = false
	return value
}

// Close decrements the pointee's count and empties the handle. It is a no-op
// on an empty handle, so calling it multiple times is safe.
func (p *Ptr[T]) Close() {
	if p.set {
		value := p.Release()
		value.Unref()
	}
}

// Swap exchanges the contents of the two handles.
func (p *Ptr[T]) Swap(other *Ptr[T]) {
	p.value, other.value = other.value, p.value
	p.set, other.set = other.set, p.set
}
