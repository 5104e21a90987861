package vision

import (
	"errors"
	"sync"
	"testing"
)

func TestHandleLazyBuildAndTeardown(t *testing.T) {
	builds, teardowns := 0, 0
	h := NewHandle(
		func() (int, error) { builds++; return 42, nil },
		func(int) error { teardowns++; return nil },
	)

	if builds != 0 {
		t.Fatal("build ran before first Acquire")
	}

	v, err := h.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if v != 42 {
		t.Errorf("Acquire = %d, want 42", v)
	}
	if builds != 1 {
		t.Errorf("builds = %d, want 1", builds)
	}

	// A second holder shares the instance.
	if _, err := h.Acquire(); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if builds != 1 {
		t.Errorf("builds after second Acquire = %d, want 1", builds)
	}
	if h.Refs() != 2 {
		t.Errorf("Refs = %d, want 2", h.Refs())
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if teardowns != 0 {
		t.Error("teardown ran while a holder remains")
	}
	if err := h.Release(); err != nil {
		t.Fatalf("final Release: %v", err)
	}
	if teardowns != 1 {
		t.Errorf("teardowns = %d, want 1", teardowns)
	}

	// Acquiring again rebuilds.
	if _, err := h.Acquire(); err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if builds != 2 {
		t.Errorf("builds after re-Acquire = %d, want 2", builds)
	}
}

func TestHandleBuildError(t *testing.T) {
	boom := errors.New("boom")
	h := NewHandle(func() (int, error) { return 0, boom }, nil)

	if _, err := h.Acquire(); !errors.Is(err, boom) {
		t.Fatalf("Acquire error = %v, want wrapped boom", err)
	}
	if h.Refs() != 0 {
		t.Errorf("Refs after failed Acquire = %d, want 0", h.Refs())
	}
}

func TestHandleReleaseWithoutAcquire(t *testing.T) {
	h := NewHandle(func() (int, error) { return 1, nil }, nil)
	if err := h.Release(); err == nil {
		t.Fatal("expected error releasing an unacquired handle")
	}
}

func TestHandleConcurrentAcquire(t *testing.T) {
	builds := 0
	h := NewHandle(func() (int, error) { builds++; return 7, nil }, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Acquire(); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if builds != 1 {
		t.Errorf("builds = %d, want 1", builds)
	}
	if h.Refs() != 16 {
		t.Errorf("Refs = %d, want 16", h.Refs())
	}
}
