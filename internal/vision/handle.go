package vision

import (
	"fmt"
	"sync"
)

// Handle is a process-wide, lazily-initialized, reference-counted holder for
// an expensive capability (an encoder connection, a shared API client). The
// capability is built on the first Acquire and torn down when the last holder
// Releases it; a later Acquire builds it again.
type Handle[T any] struct {
	mu       sync.Mutex
	build    func() (T, error)
	teardown func(T) error
	val      T
	refs     int
}

// NewHandle creates a Handle with the given constructor and optional
// teardown (nil means no teardown is needed).
func NewHandle[T any](build func() (T, error), teardown func(T) error) *Handle[T] {
	return &Handle[T]{build: build, teardown: teardown}
}

// Acquire returns the shared capability, constructing it on first use.
// Every successful Acquire must be paired with a Release.
func (h *Handle[T]) Acquire() (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refs == 0 {
		val, err := h.build()
		if err != nil {
			var zero T
			return zero, fmt.Errorf("initializing capability: %w", err)
		}
		h.val = val
	}
	h.refs++
	return h.val, nil
}

// Release drops one reference. When the count reaches zero the capability is
// torn down. Releasing an unacquired handle is an error.
func (h *Handle[T]) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refs == 0 {
		return fmt.Errorf("release without matching acquire")
	}
	h.refs--
	if h.refs > 0 {
		return nil
	}

	var zero T
	val := h.val
	h.val = zero
	if h.teardown == nil {
		return nil
	}
	return h.teardown(val)
}

// Refs returns the current reference count. Intended for tests and status output.
func (h *Handle[T]) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}
