package emitter

import (
	"sync"
	"sync/atomic"

	"github.com/mnegacz/querybus/query"
)

// Registration is one active subscription query's endpoint in the emitter.
// The producer side delivers through the owning Emitter; the consumer side
// reads Updates and calls Close when done.
type Registration struct {
	emitter *Emitter
	msg     *query.SubscriptionMessage
	updates chan *query.Update

	closed atomic.Bool
	sendMu sync.Mutex
}

// Message returns the subscription query this registration serves.
func (r *Registration) Message() *query.SubscriptionMessage { return r.msg }

// Updates returns the update channel. It is closed when the subscription
// completes or Close is called. A terminal producer error arrives as the
// final update before close.
func (r *Registration) Updates() <-chan *query.Update { return r.updates }

// Close cancels the subscription and removes its registration. Idempotent
// and safe to call concurrently with emission.
func (r *Registration) Close() {
	r.close(nil)
}

// offer attempts a non-blocking delivery. It reports false when the update
// was dropped because the buffer is full or the registration is closed. The
// channel's last slot stays reserved for a terminal error update.
func (r *Registration) offer(update *query.Update) bool {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.closed.Load() {
		return false
	}
	if len(r.updates) >= cap(r.updates)-1 {
		return false
	}
	r.updates <- update
	return true
}

// close ends the registration, delivering err as a terminal update when
// non-nil. The closed flag gates the channel close so producer completion
// and consumer Close cannot race.
func (r *Registration) close(err error) {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.emitter.unregister(r.msg.ID())

	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if err != nil {
		// The reserved slot guarantees this send cannot block or drop.
		r.updates <- query.NewErrorUpdate(err)
	}
	close(r.updates)
}
