package querybus

import (
	"context"
	"sync"

	"github.com/mnegacz/querybus/emitter"
	"github.com/mnegacz/querybus/query"
)

// subscriptionResult is the local SubscriptionResponse implementation. The
// initial result is dispatched lazily and memoized; updates come straight
// from the emitter registration.
type subscriptionResult struct {
	bus *LocalBus
	msg *query.SubscriptionMessage
	reg *emitter.Registration

	once       sync.Once
	initial    *query.Response
	initialErr error
}

func newSubscriptionResult(bus *LocalBus, msg *query.SubscriptionMessage, reg *emitter.Registration) *subscriptionResult {
	return &subscriptionResult{bus: bus, msg: msg, reg: reg}
}

// Initial implements SubscriptionResponse. The first call dispatches the
// subscription's query portion point-to-point; the outcome is memoized for
// later calls. A dispatch failure does not tear down the update stream.
func (s *subscriptionResult) Initial(ctx context.Context) (*query.Response, error) {
	s.once.Do(func() {
		s.initial, s.initialErr = s.bus.Query(ctx, s.msg.Message)
		if s.initialErr != nil {
			s.bus.logger.Warn("subscription query initial result failed",
				"query", s.msg.Name(),
				"subscription_id", s.msg.ID(),
				"error", s.initialErr)
		}
	})
	return s.initial, s.initialErr
}

// Updates implements SubscriptionResponse.
func (s *subscriptionResult) Updates() <-chan *query.Update { return s.reg.Updates() }

// Close implements SubscriptionResponse.
func (s *subscriptionResult) Close() { s.reg.Close() }
