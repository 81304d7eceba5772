package querybus

import (
	"reflect"
	"sort"
	"sync"

	"github.com/mnegacz/querybus/query"
)

// subscription is a single handler registration.
type subscription struct {
	responseType query.ResponseType
	handler      query.Handler
	// fn is the handler's code pointer, used to detect re-registration of
	// the same function for the same name and response type.
	fn uintptr
}

// registry is the in-memory subscription store. Lookups preserve
// registration order so dispatch can honor first-registered-wins semantics.
type registry struct {
	mu      sync.RWMutex
	entries map[string][]*subscription
}

func newRegistry() *registry {
	return &registry{entries: make(map[string][]*subscription)}
}

// subscribe registers a handler under the given query name. Registering the
// same function for the same name and response type again is a no-op: the
// earlier entry stays, and the returned cancel is bound to it, so every
// handle issued for the pair removes that one entry.
func (r *registry) subscribe(name string, responseType query.ResponseType, handler query.Handler) CancelFunc {
	sub := &subscription{
		responseType: responseType,
		handler:      handler,
		fn:           reflect.ValueOf(handler).Pointer(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.entries[name]
	for _, existing := range subs {
		if existing.fn == sub.fn && existing.responseType == sub.responseType {
			return func() { r.unsubscribe(name, existing) }
		}
	}
	r.entries[name] = append(subs, sub)
	return func() { r.unsubscribe(name, sub) }
}

func (r *registry) unsubscribe(name string, sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.entries[name]
	for i, existing := range subs {
		if existing == sub {
			r.entries[name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(r.entries[name]) == 0 {
		delete(r.entries, name)
	}
}

// lookup returns the handlers registered under name whose advertised
// response type satisfies the requested one, in registration order.
func (r *registry) lookup(name string, requested query.ResponseType) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*subscription
	for _, sub := range r.entries[name] {
		if requested.Matches(sub.responseType) {
			out = append(out, sub)
		}
	}
	return out
}

// lookupStreaming returns matching handlers ranked for streaming dispatch:
// handlers advertising a Stream first, then Collection, then Instance.
// Within a rank, registration order is preserved.
func (r *registry) lookupStreaming(name string, requested query.ResponseType) []*subscription {
	subs := r.lookup(name, requested)
	sort.SliceStable(subs, func(i, j int) bool {
		return streamRank(subs[i].responseType) < streamRank(subs[j].responseType)
	})
	return subs
}

func streamRank(rt query.ResponseType) int {
	switch rt.Cardinality() {
	case query.Stream:
		return 0
	case query.Collection:
		return 1
	default:
		return 2
	}
}
