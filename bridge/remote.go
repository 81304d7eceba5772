package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/mnegacz/querybus"
	"github.com/mnegacz/querybus/emitter"
	"github.com/mnegacz/querybus/query"
	"github.com/mnegacz/querybus/taskqueue"
	"github.com/mnegacz/querybus/wire"
)

// RemoteBus is a Bus that dispatches over a Connection to a remote routing
// tier while serving inbound queries from a local bus. Every dispatch is
// admitted through an activity latch so shutdown can drain in-flight work
// before the link goes down.
type RemoteBus struct {
	local      querybus.Bus
	provider   ConnectionProvider
	serializer Serializer
	resolve    TargetContextResolver
	priority   PriorityCalculator
	latch      *querybus.Latch
	queue      *taskqueue.Queue
	adapter    *localAdapter
	cfg        querybus.Config
	logger     *slog.Logger

	connMu sync.Mutex
	conns  map[string]Connection

	mu                   sync.RWMutex
	dispatchInterceptors []*dispatchEntry

	subMu sync.Mutex
	subs  map[string]struct{}
}

type dispatchEntry struct{ fn querybus.DispatchInterceptor }

// RemoteOption configures a RemoteBus.
type RemoteOption func(*RemoteBus)

// WithConfig overrides the default configuration.
func WithConfig(cfg querybus.Config) RemoteOption {
	return func(b *RemoteBus) { b.cfg = cfg }
}

// WithSerializer overrides the default JSON serializer.
func WithSerializer(s Serializer) RemoteOption {
	return func(b *RemoteBus) { b.serializer = s }
}

// WithLogger sets the bridge logger.
func WithLogger(logger *slog.Logger) RemoteOption {
	return func(b *RemoteBus) { b.logger = logger }
}

// WithTargetContextResolver overrides routing context resolution.
func WithTargetContextResolver(resolve TargetContextResolver) RemoteOption {
	return func(b *RemoteBus) { b.resolve = resolve }
}

// WithPriorityCalculator overrides query priority assignment.
func WithPriorityCalculator(priority PriorityCalculator) RemoteOption {
	return func(b *RemoteBus) { b.priority = priority }
}

// NewRemoteBus creates a bridge in front of the given local bus. Call Start
// before dispatching.
func NewRemoteBus(local querybus.Bus, provider ConnectionProvider, opts ...RemoteOption) *RemoteBus {
	b := &RemoteBus{
		local:    local,
		provider: provider,
		cfg:      querybus.DefaultConfig(),
		latch:    querybus.NewLatch(),
		logger:   slog.Default(),
		conns:    make(map[string]Connection),
		subs:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.serializer == nil {
		b.serializer = NewCodecSerializer(wire.JSONCodec{})
	}
	if b.resolve == nil {
		b.resolve = FixedContext(b.cfg.Context)
	}
	if b.priority == nil {
		b.priority = DefaultPriority
	}
	b.queue = taskqueue.New(
		taskqueue.WithWorkers(b.cfg.QueryWorkers),
		taskqueue.WithCapacity(b.cfg.QueueCapacity),
		taskqueue.WithOverflowPolicy(taskqueue.Reject),
		taskqueue.WithLogger(b.logger),
	)
	b.adapter = newLocalAdapter(local, b.serializer, b.queue, b.cfg.UpdateBufferSize, b.logger)
	return b
}

// Start admits dispatching and launches the execution queue workers.
func (b *RemoteBus) Start() {
	b.latch.Initialize()
	b.queue.Start()
}

// ShutdownDispatching stops admitting new dispatches and returns a channel
// that closes once every in-flight dispatch has completed.
func (b *RemoteBus) ShutdownDispatching() <-chan struct{} {
	return b.latch.InitiateShutdown()
}

// Disconnect refuses new inbound queries, cancels in-flight serving tasks
// and tells the routing tier to stop forwarding work here.
func (b *RemoteBus) Disconnect() {
	b.adapter.startDisconnect()
	b.connMu.Lock()
	conns := make([]Connection, 0, len(b.conns))
	for _, conn := range b.conns {
		conns = append(conns, conn)
	}
	b.connMu.Unlock()
	for _, conn := range conns {
		conn.PrepareDisconnect()
	}
}

// Shutdown drains outbound dispatching, disconnects from the routing tier
// and stops the execution queue. It returns the context error when the
// drain does not finish in time.
func (b *RemoteBus) Shutdown(ctx context.Context) error {
	select {
	case <-b.ShutdownDispatching():
	case <-ctx.Done():
		b.Disconnect()
		return ctx.Err()
	}
	b.Disconnect()
	return b.queue.Stop(ctx)
}

// Subscribe implements Bus. The handler is registered locally and
// advertised to the routing tier so remote callers can reach it.
func (b *RemoteBus) Subscribe(name string, responseType query.ResponseType, handler query.Handler) querybus.CancelFunc {
	cancelLocal := b.local.Subscribe(name, responseType, handler)

	conn, err := b.connection(b.cfg.Context)
	if err != nil {
		b.logger.Error("failed to advertise query handler", "query", name, "error", err)
		return cancelLocal
	}
	unregister, err := conn.RegisterHandler(wire.QueryDefinition{
		QueryName:    name,
		ResponseType: descriptorFor(responseType),
	}, b.adapter)
	if err != nil {
		b.logger.Error("failed to advertise query handler", "query", name, "error", err)
		return cancelLocal
	}
	return func() {
		unregister()
		cancelLocal()
	}
}

// RegisterDispatchInterceptor implements Bus. The interceptor applies to
// outbound dispatches only; inbound queries run through the local bus's
// interceptors.
func (b *RemoteBus) RegisterDispatchInterceptor(interceptor querybus.DispatchInterceptor) querybus.CancelFunc {
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

// RegisterHandlerInterceptor implements Bus by delegating to the local bus,
// which executes every handler.
func (b *RemoteBus) RegisterHandlerInterceptor(interceptor querybus.HandlerInterceptor) querybus.CancelFunc {
	return b.local.RegisterHandlerInterceptor(interceptor)
}

// UpdateEmitter implements Bus.
func (b *RemoteBus) UpdateEmitter() *emitter.Emitter { return b.local.UpdateEmitter() }

// Query implements Bus. The response is awaited on the execution queue at
// the query's priority; the calling goroutine blocks until it resolves or
// ctx ends.
func (b *RemoteBus) Query(ctx context.Context, msg *query.Message) (*query.Response, error) {
	if msg.ResponseType().Cardinality() == query.Stream {
		return nil, fmt.Errorf("%w: direct query cannot deliver %s", querybus.ErrUnsupportedResponseType, msg.ResponseType())
	}
	activity, err := b.latch.RegisterActivity()
	if err != nil {
		return nil, err
	}

	msg, err = b.applyDispatchInterceptors(ctx, msg)
	if err != nil {
		activity.End()
		return nil, err
	}
	prio := b.priority(msg)
	req, err := b.serializer.SerializeRequest(msg, wire.DirectResults, b.cfg.DefaultTimeout.Milliseconds(), prio, false)
	if err != nil {
		activity.End()
		return nil, &querybus.DispatchError{Msg: "serialize query", Err: err}
	}
	rs, err := b.open(ctx, msg, req)
	if err != nil {
		activity.End()
		return nil, err
	}

	type outcome struct {
		resp *query.Response
		err  error
	}
	resCh := make(chan outcome, 1)
	submitErr := b.queue.Submit(prio, func(tctx context.Context) {
		defer activity.End()
		defer rs.Close()
		wresp, err := rs.Next(tctx)
		if err != nil {
			resCh <- outcome{err: &querybus.ExecutionError{Msg: "awaiting query response", Err: err}}
			return
		}
		resp, err := b.serializer.DeserializeResponse(wresp, msg.ResponseType())
		if err != nil {
			resCh <- outcome{err: err}
			return
		}
		resp, err = responseOrError(resp)
		if err == nil {
			resp = firstInstance(resp, msg.ResponseType())
		}
		resCh <- outcome{resp: resp, err: err}
	})
	if submitErr != nil {
		rs.Close()
		activity.End()
		return nil, &querybus.DispatchError{Msg: "query execution queue rejected dispatch", Err: submitErr}
	}

	select {
	case out := <-resCh:
		return out.resp, out.err
	case <-ctx.Done():
		rs.Close()
		return nil, ctx.Err()
	}
}

// ScatterGather implements Bus. Remote responses are pulled within what
// remains of the shared deadline; exceptional responses are logged and
// omitted.
func (b *RemoteBus) ScatterGather(ctx context.Context, msg *query.Message, timeout time.Duration) iter.Seq[*query.Response] {
	if msg.ResponseType().Cardinality() == query.Stream {
		panic("querybus: scatter-gather cannot deliver a stream response type")
	}

	return func(yield func(*query.Response) bool) {
		activity, err := b.latch.RegisterActivity()
		if err != nil {
			b.logger.Warn("scatter-gather rejected", "query", msg.Name(), "error", err)
			return
		}
		defer activity.End()

		intercepted, err := b.applyDispatchInterceptors(ctx, msg)
		if err != nil {
			b.logger.Warn("scatter-gather dispatch failed", "query", msg.Name(), "error", err)
			return
		}
		msg := intercepted
		prio := b.priority(msg)
		req, err := b.serializer.SerializeRequest(msg, wire.ScatterGatherResults, timeout.Milliseconds(), prio, false)
		if err != nil {
			b.logger.Warn("scatter-gather dispatch failed", "query", msg.Name(), "error", err)
			return
		}
		rs, err := b.open(ctx, msg, req)
		if err != nil {
			b.logger.Warn("scatter-gather dispatch failed", "query", msg.Name(), "error", err)
			return
		}
		defer rs.Close()

		deadline := time.Now().Add(timeout)
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return
			}
			wresp, ok := rs.NextIfAvailable(remaining)
			if !ok {
				return
			}
			resp, err := b.serializer.DeserializeResponse(wresp, msg.ResponseType())
			if err != nil {
				b.logger.Warn("dropping undecodable scatter-gather response", "query", msg.Name(), "error", err)
				continue
			}
			if resp.IsExceptional() {
				b.logger.Warn("remote scatter-gather handler failed", "query", msg.Name(), "error", resp.Err())
				continue
			}
			for _, r := range fanOutInstance(resp, msg.ResponseType()) {
				if !yield(r) {
					return
				}
			}
		}
	}
}

// StreamingQuery implements Bus.
func (b *RemoteBus) StreamingQuery(ctx context.Context, msg *query.Message) iter.Seq2[*query.Response, error] {
	return func(yield func(*query.Response, error) bool) {
		activity, err := b.latch.RegisterActivity()
		if err != nil {
			yield(nil, err)
			return
		}
		defer activity.End()

		msg, err := b.applyDispatchInterceptors(ctx, msg)
		if err != nil {
			yield(nil, err)
			return
		}
		prio := b.priority(msg)
		req, err := b.serializer.SerializeRequest(msg, wire.DirectResults, 0, prio, true)
		if err != nil {
			yield(nil, &querybus.DispatchError{Msg: "serialize streaming query", Err: err})
			return
		}
		rs, err := b.open(ctx, msg, req)
		if err != nil {
			yield(nil, err)
			return
		}
		defer rs.Close()

		for {
			wresp, err := rs.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, &querybus.ExecutionError{Msg: "awaiting streaming query response", Err: err})
				return
			}
			resp, err := b.serializer.DeserializeResponse(wresp, msg.ResponseType())
			if err != nil {
				yield(nil, err)
				return
			}
			if resp.IsExceptional() {
				yield(nil, resp.Err())
				return
			}
			if !yield(resp, nil) {
				return
			}
		}
	}
}

// SubscriptionQuery implements Bus. Updates flow under credit-based flow
// control granted from InitialPermits and PermitRefill.
func (b *RemoteBus) SubscriptionQuery(ctx context.Context, msg *query.SubscriptionMessage, bufferSize int) (querybus.SubscriptionResponse, error) {
	if msg.ResponseType().Cardinality() == query.Stream || msg.UpdateType().Cardinality() == query.Stream {
		return nil, fmt.Errorf("%w: subscription query cannot deliver a stream", querybus.ErrUnsupportedResponseType)
	}
	if !b.trackSubscription(msg.ID()) {
		return nil, fmt.Errorf("%w: %s", querybus.ErrDuplicateSubscription, msg.ID())
	}
	activity, err := b.latch.RegisterActivity()
	if err != nil {
		b.untrackSubscription(msg.ID())
		return nil, err
	}

	intercepted, err := b.applyDispatchInterceptors(ctx, msg.Message)
	if err != nil {
		activity.End()
		b.untrackSubscription(msg.ID())
		return nil, err
	}
	msg = msg.WithMessage(intercepted)

	wsub, err := b.serializer.SerializeSubscription(msg, b.priority(msg.Message))
	if err != nil {
		activity.End()
		b.untrackSubscription(msg.ID())
		return nil, &querybus.DispatchError{Msg: "serialize subscription query", Err: err}
	}
	conn, err := b.connection(b.resolve(msg.Message))
	if err != nil {
		activity.End()
		b.untrackSubscription(msg.ID())
		return nil, &querybus.DispatchError{Msg: "resolve connection", Err: err}
	}
	stream, err := conn.SubscriptionQuery(ctx, wsub, b.cfg.InitialPermits, b.cfg.PermitRefill)
	if err != nil {
		activity.End()
		b.untrackSubscription(msg.ID())
		return nil, &querybus.DispatchError{Msg: "open subscription query", Err: err}
	}
	if bufferSize < 1 {
		bufferSize = b.cfg.UpdateBufferSize
	}
	return newRemoteSubscriptionResult(b, msg, stream, activity, bufferSize), nil
}

func (b *RemoteBus) open(ctx context.Context, msg *query.Message, req *wire.Request) (ResultStream, error) {
	conn, err := b.connection(b.resolve(msg))
	if err != nil {
		return nil, &querybus.DispatchError{Msg: "resolve connection", Err: err}
	}
	rs, err := conn.Query(ctx, req)
	if err != nil {
		return nil, &querybus.DispatchError{Msg: "dispatch query", Err: err}
	}
	return rs, nil
}

func (b *RemoteBus) connection(contextKey string) (Connection, error) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if conn, ok := b.conns[contextKey]; ok {
		return conn, nil
	}
	conn, err := b.provider.Connection(contextKey)
	if err != nil {
		return nil, err
	}
	b.conns[contextKey] = conn
	return conn, nil
}

func (b *RemoteBus) applyDispatchInterceptors(ctx context.Context, msg *query.Message) (*query.Message, error) {
	b.mu.RLock()
	entries := make([]*dispatchEntry, len(b.dispatchInterceptors))
	copy(entries, b.dispatchInterceptors)
	b.mu.RUnlock()

	var err error
	for _, entry := range entries {
		msg, err = entry.fn(ctx, msg)
		if err != nil {
			return nil, &querybus.DispatchError{Msg: "dispatch interceptor rejected query", Err: err}
		}
	}
	return msg, nil
}

func (b *RemoteBus) trackSubscription(id string) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.subs[id]; ok {
		return false
	}
	b.subs[id] = struct{}{}
	return true
}

func (b *RemoteBus) untrackSubscription(id string) {
	b.subMu.Lock()
	delete(b.subs, id)
	b.subMu.Unlock()
}

// responseOrError splits a deserialized response into the local dispatch
// contract: routing-level failures surface as errors, handler-side failures
// stay inside the response.
func responseOrError(resp *query.Response) (*query.Response, error) {
	if !resp.IsExceptional() {
		return resp, nil
	}
	err := resp.Err()
	var dispatchErr *querybus.DispatchError
	switch {
	case errors.Is(err, querybus.ErrNoHandler),
		errors.Is(err, querybus.ErrNoSuitableHandler),
		errors.Is(err, querybus.ErrShuttingDown),
		errors.As(err, &dispatchErr):
		return nil, err
	default:
		return resp, nil
	}
}

// fanOutInstance re-wraps a collection payload as independent responses
// sharing the original identifier and metadata when the caller expects a
// single instance. An empty collection fans out to nothing; any other
// response passes through as-is.
func fanOutInstance(resp *query.Response, expected query.ResponseType) []*query.Response {
	if expected.Cardinality() != query.Instance || resp.IsExceptional() {
		return []*query.Response{resp}
	}
	rv := reflect.ValueOf(resp.Payload())
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return []*query.Response{resp}
	}
	out := make([]*query.Response, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out = append(out, resp.WithPayload(rv.Index(i).Interface()))
	}
	return out
}

// firstInstance collapses a deserialized response to the single value a
// direct query expects: the first element of a collection payload, or a nil
// payload when the collection is empty.
func firstInstance(resp *query.Response, expected query.ResponseType) *query.Response {
	fanned := fanOutInstance(resp, expected)
	if len(fanned) == 0 {
		return resp.WithPayload(nil)
	}
	return fanned[0]
}

// remoteSubscriptionResult bridges a SubscriptionStream into the bus's
// SubscriptionResponse contract.
type remoteSubscriptionResult struct {
	bus      *RemoteBus
	msg      *query.SubscriptionMessage
	stream   SubscriptionStream
	activity *querybus.Activity
	updates  chan *query.Update
	done     chan struct{}

	initOnce   sync.Once
	initial    *query.Response
	initialErr error

	closeOnce sync.Once
}

func newRemoteSubscriptionResult(bus *RemoteBus, msg *query.SubscriptionMessage, stream SubscriptionStream, activity *querybus.Activity, bufferSize int) *remoteSubscriptionResult {
	r := &remoteSubscriptionResult{
		bus:      bus,
		msg:      msg,
		stream:   stream,
		activity: activity,
		updates:  make(chan *query.Update, bufferSize),
		done:     make(chan struct{}),
	}
	go r.forward()
	return r
}

func (r *remoteSubscriptionResult) forward() {
	defer close(r.updates)
	defer r.activity.End()
	for wu := range r.stream.Updates() {
		update, err := r.bus.serializer.DeserializeUpdate(wu)
		if err != nil {
			r.bus.logger.Warn("dropping undecodable subscription update",
				"subscription_id", r.msg.ID(), "error", err)
			continue
		}
		select {
		case r.updates <- update:
		case <-r.done:
			return
		}
		if update.Err() != nil {
			return
		}
	}
}

// Initial implements SubscriptionResponse.
func (r *remoteSubscriptionResult) Initial(ctx context.Context) (*query.Response, error) {
	r.initOnce.Do(func() {
		wresp, err := r.stream.Initial(ctx)
		if err != nil {
			r.initialErr = &querybus.ExecutionError{Msg: "awaiting initial subscription result", Err: err}
			return
		}
		resp, err := r.bus.serializer.DeserializeResponse(wresp, r.msg.ResponseType())
		if err != nil {
			r.initialErr = err
			return
		}
		r.initial, r.initialErr = responseOrError(resp)
		if r.initialErr == nil {
			r.initial = firstInstance(r.initial, r.msg.ResponseType())
		}
	})
	return r.initial, r.initialErr
}

// Updates implements SubscriptionResponse.
func (r *remoteSubscriptionResult) Updates() <-chan *query.Update { return r.updates }

// Close implements SubscriptionResponse.
func (r *remoteSubscriptionResult) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.stream.Close()
		r.bus.untrackSubscription(r.msg.ID())
		r.activity.End()
	})
}
