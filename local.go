package querybus

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/mnegacz/querybus/emitter"
	"github.com/mnegacz/querybus/query"
)

// LocalBus dispatches queries to handlers registered in this process.
// It implements Bus.
type LocalBus struct {
	registry     *registry
	emitter      *emitter.Emitter
	monitor      Monitor
	errorHandler ErrorHandler
	logger       *slog.Logger

	mu                   sync.RWMutex
	dispatchInterceptors []*dispatchEntry
	handlerInterceptors  []*handlerEntry
}

type dispatchEntry struct{ fn DispatchInterceptor }

type handlerEntry struct{ fn HandlerInterceptor }

// LocalOption configures a LocalBus.
type LocalOption func(*LocalBus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) LocalOption {
	return func(b *LocalBus) { b.logger = logger }
}

// WithMonitor sets the message monitor.
func WithMonitor(monitor Monitor) LocalOption {
	return func(b *LocalBus) { b.monitor = monitor }
}

// WithErrorHandler sets the handler invoked for tolerated per-handler
// failures in scatter-gather dispatch.
func WithErrorHandler(handler ErrorHandler) LocalOption {
	return func(b *LocalBus) { b.errorHandler = handler }
}

// WithUpdateEmitter sets the emitter serving subscription query updates.
func WithUpdateEmitter(em *emitter.Emitter) LocalOption {
	return func(b *LocalBus) { b.emitter = em }
}

// WithTransactionManager wraps every handler invocation in a transaction
// from the given manager.
func WithTransactionManager(tm TransactionManager) LocalOption {
	return func(b *LocalBus) {
		b.handlerInterceptors = append(b.handlerInterceptors, &handlerEntry{fn: TransactionInterceptor(tm)})
	}
}

// NewLocalBus creates a bus dispatching to in-process handlers. Handler
// panics are recovered and surfaced as ExecutionError results.
func NewLocalBus(opts ...LocalOption) *LocalBus {
	b := &LocalBus{
		registry: newRegistry(),
		monitor:  NopMonitor{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.errorHandler == nil {
		b.errorHandler = LoggingErrorHandler(b.logger)
	}
	if b.emitter == nil {
		b.emitter = emitter.New(emitter.WithLogger(b.logger))
	}
	b.handlerInterceptors = append([]*handlerEntry{{fn: RecoverInterceptor(b.logger)}}, b.handlerInterceptors...)
	return b
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(name string, responseType query.ResponseType, handler query.Handler) CancelFunc {
	b.logger.Debug("query handler subscribed", "query", name, "response_type", responseType.String())
	return b.registry.subscribe(name, responseType, handler)
}

// RegisterDispatchInterceptor implements Bus.
func (b *LocalBus) RegisterDispatchInterceptor(interceptor DispatchInterceptor) CancelFunc {
	entry := &dispatchEntry{fn: interceptor}
	b.mu.Lock()
	b.dispatchInterceptors = append(b.dispatchInterceptors, entry)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.dispatchInterceptors {
			if e == entry {
				b.dispatchInterceptors = append(b.dispatchInterceptors[:i:i], b.dispatchInterceptors[i+1:]...)
				return
			}
		}
	}
}

// RegisterHandlerInterceptor implements Bus.
func (b *LocalBus) RegisterHandlerInterceptor(interceptor HandlerInterceptor) CancelFunc {
	entry := &handlerEntry{fn: interceptor}
	b.mu.Lock()
	b.handlerInterceptors = append(b.handlerInterceptors, entry)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.handlerInterceptors {
			if e == entry {
				b.handlerInterceptors = append(b.handlerInterceptors[:i:i], b.handlerInterceptors[i+1:]...)
				return
			}
		}
	}
}

// UpdateEmitter implements Bus.
func (b *LocalBus) UpdateEmitter() *emitter.Emitter { return b.emitter }

// Query implements Bus. Handlers are tried in registration order; a handler
// declining with ErrNoHandler passes the query to the next candidate, while
// any other handler failure ends the dispatch with an exceptional response.
func (b *LocalBus) Query(ctx context.Context, msg *query.Message) (*query.Response, error) {
	if msg.ResponseType().Cardinality() == query.Stream {
		return nil, fmt.Errorf("%w: direct query cannot deliver %s", ErrUnsupportedResponseType, msg.ResponseType())
	}

	cb := b.monitor.OnIngested(msg)
	msg, err := b.applyDispatchInterceptors(ctx, msg)
	if err != nil {
		cb.Failure(err)
		return nil, err
	}

	subs := b.registry.lookup(msg.Name(), msg.ResponseType())
	if len(subs) == 0 {
		err := fmt.Errorf("%w: %q expecting %s", ErrNoHandler, msg.Name(), msg.ResponseType())
		cb.Failure(err)
		return nil, err
	}

	for _, sub := range subs {
		result, err := b.invoke(ctx, sub, msg)
		if errors.Is(err, ErrNoHandler) {
			continue
		}
		if err != nil {
			cb.Failure(err)
			return query.NewErrorResponse(msg.ID(), err, msg.Metadata()), nil
		}
		converted, err := msg.ResponseType().Convert(result)
		if err != nil {
			cb.Failure(err)
			return query.NewErrorResponse(msg.ID(), err, msg.Metadata()), nil
		}
		cb.Success()
		return query.NewResponse(msg.ID(), converted, msg.Metadata()), nil
	}

	err = fmt.Errorf("%w: %q", ErrNoSuitableHandler, msg.Name())
	cb.Failure(err)
	return nil, err
}

// ScatterGather implements Bus. Every matching handler is invoked; the
// shared deadline bounds only how long each result is awaited, never whether
// a handler runs. Responses are yielded in registration order. Failing or
// declining handlers are skipped after reporting to the error handler.
func (b *LocalBus) ScatterGather(ctx context.Context, msg *query.Message, timeout time.Duration) iter.Seq[*query.Response] {
	if msg.ResponseType().Cardinality() == query.Stream {
		panic("querybus: scatter-gather cannot deliver a stream response type")
	}

	return func(yield func(*query.Response) bool) {
		cb := b.monitor.OnIngested(msg)
		intercepted, err := b.applyDispatchInterceptors(ctx, msg)
		if err != nil {
			cb.Failure(err)
			b.errorHandler(ctx, err, msg)
			return
		}
		msg := intercepted

		subs := b.registry.lookup(msg.Name(), msg.ResponseType())
		if len(subs) == 0 {
			cb.Ignored()
			return
		}

		deadline := time.Now().Add(timeout)
		hctx, cancel := context.WithDeadline(ctx, deadline)
		defer cancel()

		results := make([]chan handlerOutcome, len(subs))
		for i, sub := range subs {
			ch := make(chan handlerOutcome, 1)
			results[i] = ch
			go func() {
				result, err := b.invoke(hctx, sub, msg)
				ch <- handlerOutcome{result: result, err: err}
			}()
		}

		yielded := 0
		var lastErr error
		for _, ch := range results {
			out, ok := awaitOutcome(ch, deadline)
			if !ok {
				lastErr = context.DeadlineExceeded
				b.errorHandler(ctx, context.DeadlineExceeded, msg)
				continue
			}
			if errors.Is(out.err, ErrNoHandler) {
				continue
			}
			if out.err != nil {
				lastErr = out.err
				b.errorHandler(ctx, out.err, msg)
				continue
			}
			converted, err := msg.ResponseType().Convert(out.result)
			if err != nil {
				lastErr = err
				b.errorHandler(ctx, err, msg)
				continue
			}
			yielded++
			if !yield(query.NewResponse(msg.ID(), converted, msg.Metadata())) {
				break
			}
		}

		switch {
		case yielded > 0:
			cb.Success()
		case lastErr != nil:
			cb.Failure(lastErr)
		default:
			cb.Ignored()
		}
	}
}

// StreamingQuery implements Bus. Candidates are ranked by their advertised
// cardinality, streams first, and tried in order until one accepts. The
// winner's results are flattened and yielded lazily; its failure terminates
// the sequence with a non-nil error.
func (b *LocalBus) StreamingQuery(ctx context.Context, msg *query.Message) iter.Seq2[*query.Response, error] {
	return func(yield func(*query.Response, error) bool) {
		cb := b.monitor.OnIngested(msg)
		msg, err := b.applyDispatchInterceptors(ctx, msg)
		if err != nil {
			cb.Failure(err)
			yield(nil, err)
			return
		}

		subs := b.registry.lookupStreaming(msg.Name(), msg.ResponseType())
		if len(subs) == 0 {
			err := fmt.Errorf("%w: %q expecting %s", ErrNoHandler, msg.Name(), msg.ResponseType())
			cb.Failure(err)
			yield(nil, err)
			return
		}

		for _, sub := range subs {
			result, err := b.invoke(ctx, sub, msg)
			if errors.Is(err, ErrNoHandler) {
				continue
			}
			if err != nil {
				cb.Failure(err)
				yield(nil, err)
				return
			}
			if b.yieldStream(msg, result, cb, yield) {
				cb.Success()
			}
			return
		}

		err = fmt.Errorf("%w: %q", ErrNoSuitableHandler, msg.Name())
		cb.Failure(err)
		yield(nil, err)
	}
}

// yieldStream flattens a winning handler's result into per-element
// responses. It reports whether the stream completed without error.
func (b *LocalBus) yieldStream(msg *query.Message, result any, cb MonitorCallback, yield func(*query.Response, error) bool) bool {
	emit := func(v any) bool {
		return yield(query.NewResponse(msg.ID(), v, msg.Metadata()), nil)
	}

	switch seq := result.(type) {
	case nil:
		return true
	case iter.Seq2[any, error]:
		for v, err := range seq {
			if err != nil {
				cb.Failure(err)
				yield(nil, err)
				return false
			}
			if !emit(v) {
				return true
			}
		}
		return true
	case iter.Seq[any]:
		for v := range seq {
			if !emit(v) {
				return true
			}
		}
		return true
	}

	rv := reflect.ValueOf(result)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if !emit(rv.Index(i).Interface()) {
				return true
			}
		}
		return true
	}
	emit(result)
	return true
}

// SubscriptionQuery implements Bus. The initial result is not dispatched
// here; it is evaluated on the first call to the handle's Initial method.
func (b *LocalBus) SubscriptionQuery(ctx context.Context, msg *query.SubscriptionMessage, bufferSize int) (SubscriptionResponse, error) {
	if msg.ResponseType().Cardinality() == query.Stream || msg.UpdateType().Cardinality() == query.Stream {
		return nil, fmt.Errorf("%w: subscription query cannot deliver a stream", ErrUnsupportedResponseType)
	}

	intercepted, err := b.applyDispatchInterceptors(ctx, msg.Message)
	if err != nil {
		return nil, err
	}
	msg = msg.WithMessage(intercepted)

	reg, err := b.emitter.RegisterUpdateHandler(msg, bufferSize)
	if err != nil {
		if errors.Is(err, emitter.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, msg.ID())
		}
		return nil, err
	}
	return newSubscriptionResult(b, msg, reg), nil
}

func (b *LocalBus) applyDispatchInterceptors(ctx context.Context, msg *query.Message) (*query.Message, error) {
	b.mu.RLock()
	entries := make([]*dispatchEntry, len(b.dispatchInterceptors))
	copy(entries, b.dispatchInterceptors)
	b.mu.RUnlock()

	var err error
	for _, entry := range entries {
		msg, err = entry.fn(ctx, msg)
		if err != nil {
			return nil, &DispatchError{Msg: "dispatch interceptor rejected query", Err: err}
		}
	}
	return msg, nil
}

// invoke runs a handler through the registered handler interceptors.
func (b *LocalBus) invoke(ctx context.Context, sub *subscription, msg *query.Message) (any, error) {
	b.mu.RLock()
	interceptors := make([]HandlerInterceptor, 0, len(b.handlerInterceptors))
	for _, entry := range b.handlerInterceptors {
		interceptors = append(interceptors, entry.fn)
	}
	b.mu.RUnlock()

	next := chainHandlerInterceptors(interceptors, msg, func(ctx context.Context) (any, error) {
		return sub.handler(ctx, msg)
	})
	return next(ctx)
}

type handlerOutcome struct {
	result any
	err    error
}

// awaitOutcome takes a handler's outcome, waiting no longer than the shared
// scatter-gather deadline. A result that already arrived is taken even after
// the deadline has passed.
func awaitOutcome(ch <-chan handlerOutcome, deadline time.Time) (handlerOutcome, bool) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		select {
		case out := <-ch:
			return out, true
		default:
			return handlerOutcome{}, false
		}
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case out := <-ch:
		return out, true
	case <-timer.C:
		return handlerOutcome{}, false
	}
}
