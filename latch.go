package querybus

import "sync"

// latchState is the lifecycle position of a Latch.
type latchState int

const (
	latchUnstarted latchState = iota
	latchActive
	latchShuttingDown
	latchClosed
)

// Latch tracks in-flight dispatch activities so shutdown can wait for them
// to drain. New activities are admitted only while Active; once shutdown
// begins, registration fails fast and the latch closes when the last
// activity ends.
type Latch struct {
	mu       sync.Mutex
	state    latchState
	inFlight int
	done     chan struct{}
}

// NewLatch returns a latch in the Unstarted state.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Initialize moves the latch to Active. Calling it on a latch that already
// left Unstarted has no effect.
func (l *Latch) Initialize() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == latchUnstarted {
		l.state = latchActive
	}
}

// Activity represents one in-flight dispatch admitted by the latch.
type Activity struct {
	latch *Latch
	once  sync.Once
}

// End marks the activity complete. Idempotent.
func (a *Activity) End() {
	a.once.Do(a.latch.release)
}

// RegisterActivity admits a new dispatch. It fails with ErrShuttingDown
// unless the latch is Active; the admission check and the in-flight
// increment are atomic, so an activity admitted before shutdown is always
// waited for.
func (l *Latch) RegisterActivity() (*Activity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != latchActive {
		return nil, ErrShuttingDown
	}
	l.inFlight++
	return &Activity{latch: l}, nil
}

// IfShuttingDown returns ErrShuttingDown when the latch has left Active,
// nil otherwise.
func (l *Latch) IfShuttingDown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == latchShuttingDown || l.state == latchClosed {
		return ErrShuttingDown
	}
	return nil
}

// InitiateShutdown stops admitting new activities and returns a channel
// that closes once every in-flight activity has ended. Safe to call more
// than once; all calls observe the same channel.
func (l *Latch) InitiateShutdown() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case latchUnstarted:
		l.state = latchClosed
		close(l.done)
	case latchActive:
		if l.inFlight == 0 {
			l.state = latchClosed
			close(l.done)
		} else {
			l.state = latchShuttingDown
		}
	}
	return l.done
}

func (l *Latch) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight--
	if l.state == latchShuttingDown && l.inFlight == 0 {
		l.state = latchClosed
		close(l.done)
	}
}
