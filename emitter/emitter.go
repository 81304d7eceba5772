// Package emitter delivers live updates to active subscription queries.
// Producers emit against a filter over the registered subscription
// messages; each matching registration receives the update on its own
// bounded channel.
package emitter

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/mnegacz/querybus/query"
)

// ErrDuplicate indicates a registration already exists for the subscription
// message's identifier.
var ErrDuplicate = errors.New("emitter: subscription already registered")

// Filter selects the subscription queries an emission applies to.
type Filter func(msg *query.SubscriptionMessage) bool

// Option configures an Emitter.
type Option func(*Emitter)

// WithLogger sets the logger used for delivery diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) { e.logger = logger }
}

// Emitter is the registry of active subscription queries and the fan-out
// point for their updates. Safe for concurrent use.
type Emitter struct {
	mu     sync.RWMutex
	regs   map[string]*Registration
	logger *slog.Logger
}

// New creates an Emitter.
func New(opts ...Option) *Emitter {
	e := &Emitter{
		regs:   make(map[string]*Registration),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterUpdateHandler registers a subscription query for updates buffered
// to bufferSize. The registration check and insertion are atomic; a second
// registration under the same identifier fails with ErrDuplicate.
func (e *Emitter) RegisterUpdateHandler(msg *query.SubscriptionMessage, bufferSize int) (*Registration, error) {
	if bufferSize < 1 {
		bufferSize = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.regs[msg.ID()]; ok {
		return nil, ErrDuplicate
	}
	reg := &Registration{
		emitter: e,
		msg:     msg,
		// One extra slot stays reserved for a terminal error update.
		updates: make(chan *query.Update, bufferSize+1),
	}
	e.regs[msg.ID()] = reg
	return reg, nil
}

// IsRegistered reports whether a registration exists for the identifier.
func (e *Emitter) IsRegistered(subscriptionID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.regs[subscriptionID]
	return ok
}

// ActiveSubscriptions returns the subscription messages currently
// registered.
func (e *Emitter) ActiveSubscriptions() []*query.SubscriptionMessage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*query.SubscriptionMessage, 0, len(e.regs))
	for _, reg := range e.regs {
		out = append(out, reg.msg)
	}
	return out
}

// Emit delivers an update to every registration matching the filter.
// Delivery never blocks; an update that does not fit a registration's
// buffer is dropped and logged.
func (e *Emitter) Emit(filter Filter, update *query.Update) {
	for _, reg := range e.matching(filter) {
		if !reg.offer(update) {
			e.logger.Warn("subscription update dropped, buffer full",
				"subscription_id", reg.msg.ID(),
				"query", reg.msg.Name())
		}
	}
}

// Complete ends every matching subscription normally, closing their update
// channels.
func (e *Emitter) Complete(filter Filter) {
	for _, reg := range e.matching(filter) {
		reg.close(nil)
	}
}

// CompleteExceptionally ends every matching subscription with a terminal
// error update followed by channel close.
func (e *Emitter) CompleteExceptionally(filter Filter, err error) {
	for _, reg := range e.matching(filter) {
		reg.close(err)
	}
}

func (e *Emitter) matching(filter Filter) []*Registration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Registration
	for _, reg := range e.regs {
		if filter == nil || filter(reg.msg) {
			out = append(out, reg)
		}
	}
	return out
}

func (e *Emitter) unregister(subscriptionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.regs, subscriptionID)
}
