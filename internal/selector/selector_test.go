package selector

import (
	"errors"
	"testing"
	"time"
)

type stubSelector struct {
	closed bool
}

func (s *stubSelector) WaitRead(fd int, timeout time.Duration) error  { return nil }
func (s *stubSelector) WaitWrite(fd int, timeout time.Duration) error { return nil }
func (s *stubSelector) Close() error                                  { s.closed = true; return nil }

func newFakeFactory(created *int) Factory {
	return func() (Selector, error) {
		*created++
		return &stubSelector{}, nil
	}
}

func TestPoolReusesPutSelectors(t *testing.T) {
	created := 0
	p := NewPool(2, newFakeFactory(&created))

	sel, err := p.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	p.Put(sel)

	sel2, err := p.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sel2 != sel {
		t.Errorf("Get after Put returned a different selector; reuse expected")
	}
	if created != 1 {
		t.Errorf("factory called %d times, want 1", created)
	}
}

func TestPoolClosesIdleSelectorsOnClose(t *testing.T) {
	created := 0
	p := NewPool(2, newFakeFactory(&created))

	sel, err := p.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	p.Put(sel)

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !sel.(*stubSelector).closed {
		t.Errorf("idle selector was not closed by Pool.Close")
	}

	if _, err := p.Get(); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Get after Close err = %v, want %v", err, ErrPoolClosed)
	}
}

func TestPoolCapBoundsConcurrentSelectors(t *testing.T) {
	created := 0
	p := NewPool(1, newFakeFactory(&created))

	sel, err := p.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sel2, err := p.Get()
		if err != nil {
			t.Errorf("Get failed: %v", err)
			close(done)
			return
		}
		p.Put(sel2)
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("second Get returned before the first selector was released")
	case <-time.After(20 * time.Millisecond):
	}

	p.Put(sel)
	<-done
}
