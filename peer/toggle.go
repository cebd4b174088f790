package peer

import "sync"

// toggle is a level-triggered, settable/clearable event signal: goroutines
// wait on the channel returned by C, which is closed while the toggle is
// set and replaced with a fresh open channel when cleared. Used for the
// "am-not-choking" signal, which unlike a one-shot done channel must be
// able to flip back off when the peer re-chokes us.
type toggle struct {
	mu sync.Mutex
	ch chan struct{}
}

func newToggle() *toggle {
	return &toggle{ch: make(chan struct{})}
}

// Set marks the signal active, waking any current and future waiters until
// Clear is called.
func (t *toggle) Set() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.ch:
	default:
		close(t.ch)
	}
}

// Clear marks the signal inactive.
func (t *toggle) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.ch:
		t.ch = make(chan struct{})
	default:
	}
}

// C returns the current wait channel. Callers should re-fetch C immediately
// before each wait rather than caching it across a wait loop.
func (t *toggle) C() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch
}
