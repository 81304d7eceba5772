package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnegacz/querybus"
	"github.com/mnegacz/querybus/query"
	"github.com/mnegacz/querybus/taskqueue"
	"github.com/mnegacz/querybus/wire"
)

var errTaskCancelled = errors.New("bridge: query task cancelled")

// localAdapter serves inbound wire queries from the local bus. Every query
// becomes a processingTask tracked in the in-flight registry until it
// completes or is cancelled.
type localAdapter struct {
	bus        querybus.Bus
	serializer Serializer
	queue      *taskqueue.Queue
	bufferSize int
	logger     *slog.Logger

	disconnecting atomic.Bool

	mu       sync.Mutex
	inFlight map[string]*processingTask
}

func newLocalAdapter(bus querybus.Bus, serializer Serializer, queue *taskqueue.Queue, bufferSize int, logger *slog.Logger) *localAdapter {
	return &localAdapter{
		bus:        bus,
		serializer: serializer,
		queue:      queue,
		bufferSize: bufferSize,
		logger:     logger,
		inFlight:   make(map[string]*processingTask),
	}
}

// Handle implements HandlerAdapter: the caller takes everything, so the
// task starts with unlimited credit.
func (a *localAdapter) Handle(req *wire.Request, reply ReplyChannel) {
	fc := a.Stream(req, reply)
	fc.Request(int64(1) << 62)
}

// Stream implements HandlerAdapter. The task does not execute until the
// first permit arrives.
func (a *localAdapter) Stream(req *wire.Request, reply ReplyChannel) FlowControl {
	if a.disconnecting.Load() {
		if err := reply.CompleteWithError(wire.CodeShuttingDown, querybus.ErrShuttingDown.Error()); err != nil {
			a.logger.Warn("failed to refuse query during disconnect", "query", req.QueryName, "error", err)
		}
		return nopFlowControl{}
	}

	task := &processingTask{
		adapter:  a,
		req:      req,
		reply:    reply,
		creditCh: make(chan struct{}, 1),
		cancelCh: make(chan struct{}),
	}
	a.mu.Lock()
	a.inFlight[req.ID] = task
	a.mu.Unlock()
	return task
}

// SubscriptionQuery implements HandlerAdapter. Updates are forwarded until
// the producer completes, the subscription fails, or cancel is called.
func (a *localAdapter) SubscriptionQuery(sub *wire.SubscriptionQuery, updates UpdateChannel) (func(), error) {
	if a.disconnecting.Load() {
		return nil, querybus.ErrShuttingDown
	}
	msg, err := a.serializer.DeserializeSubscription(sub)
	if err != nil {
		return nil, err
	}
	resp, err := a.bus.SubscriptionQuery(context.Background(), msg, a.bufferSize)
	if err != nil {
		return nil, err
	}

	go func() {
		for update := range resp.Updates() {
			if update.Err() != nil {
				if err := updates.CompleteWithError(CodeForError(update.Err()), update.Err().Error()); err != nil {
					a.logger.Warn("failed to deliver terminal subscription error",
						"subscription_id", msg.ID(), "error", err)
				}
				return
			}
			wu, err := a.serializer.SerializeUpdate(msg.ID(), update)
			if err != nil {
				a.logger.Warn("failed to serialize subscription update",
					"subscription_id", msg.ID(), "error", err)
				continue
			}
			if err := updates.SendUpdate(wu); err != nil {
				a.logger.Warn("failed to deliver subscription update",
					"subscription_id", msg.ID(), "error", err)
				resp.Close()
				return
			}
		}
		if err := updates.Complete(); err != nil {
			a.logger.Warn("failed to complete subscription", "subscription_id", msg.ID(), "error", err)
		}
	}()

	return resp.Close, nil
}

func (a *localAdapter) remove(queryID string) {
	a.mu.Lock()
	delete(a.inFlight, queryID)
	a.mu.Unlock()
}

// startDisconnect refuses new inbound queries and cancels the ones in
// flight.
func (a *localAdapter) startDisconnect() {
	a.disconnecting.Store(true)
	a.mu.Lock()
	tasks := make([]*processingTask, 0, len(a.inFlight))
	for _, task := range a.inFlight {
		tasks = append(tasks, task)
	}
	a.mu.Unlock()
	for _, task := range tasks {
		task.Cancel()
	}
}

type nopFlowControl struct{}

func (nopFlowControl) Request(int64) {}
func (nopFlowControl) Cancel()       {}

// processingTask executes one inbound query against the local bus. It
// implements FlowControl: results are sent only while credit is available,
// and credit arrives from the remote consumer.
type processingTask struct {
	adapter *localAdapter
	req     *wire.Request
	reply   ReplyChannel

	credits    atomic.Int64
	creditCh   chan struct{}
	started    atomic.Bool
	cancelled  atomic.Bool
	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// Request implements FlowControl. The first permit schedules the task on
// the execution queue at the request's priority.
func (t *processingTask) Request(n int64) {
	if n <= 0 {
		return
	}
	t.credits.Add(n)
	select {
	case t.creditCh <- struct{}{}:
	default:
	}
	if t.started.CompareAndSwap(false, true) {
		if err := t.adapter.queue.Submit(t.req.Priority, t.run); err != nil {
			t.adapter.remove(t.req.ID)
			code := wire.CodeExecution
			if errors.Is(err, taskqueue.ErrStopped) {
				code = wire.CodeShuttingDown
			}
			if cerr := t.reply.CompleteWithError(code, err.Error()); cerr != nil {
				t.adapter.logger.Warn("failed to refuse query, queue unavailable",
					"query", t.req.QueryName, "error", cerr)
			}
		}
	}
}

// Cancel implements FlowControl.
func (t *processingTask) Cancel() {
	t.cancelOnce.Do(func() {
		t.cancelled.Store(true)
		close(t.cancelCh)
		t.adapter.remove(t.req.ID)
	})
}

func (t *processingTask) run(ctx context.Context) {
	defer t.adapter.remove(t.req.ID)
	if t.cancelled.Load() {
		return
	}

	msg, err := t.adapter.serializer.DeserializeRequest(t.req)
	if err != nil {
		t.fail(wire.CodeBadRequest, err)
		return
	}

	switch {
	case t.req.Streaming:
		t.runStreaming(ctx, msg)
	case t.req.NumberOfResults == wire.ScatterGatherResults:
		t.runScatterGather(ctx, msg)
	default:
		t.runDirect(ctx, msg)
	}
}

func (t *processingTask) runDirect(ctx context.Context, msg *query.Message) {
	if t.req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t.req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	resp, err := t.adapter.bus.Query(ctx, msg)
	if err != nil {
		t.fail(CodeForError(err), err)
		return
	}
	wresp, err := t.adapter.serializer.SerializeResponse(resp)
	if err != nil {
		t.fail(wire.CodeExecution, err)
		return
	}
	if err := t.send(ctx, wresp); err != nil {
		return
	}
	t.complete()
}

func (t *processingTask) runScatterGather(ctx context.Context, msg *query.Message) {
	timeout := time.Duration(t.req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Minute
	}
	for resp := range t.adapter.bus.ScatterGather(ctx, msg, timeout) {
		wresp, err := t.adapter.serializer.SerializeResponse(resp)
		if err != nil {
			t.adapter.logger.Warn("failed to serialize scatter-gather response",
				"query", msg.Name(), "error", err)
			continue
		}
		if err := t.send(ctx, wresp); err != nil {
			return
		}
	}
	t.complete()
}

func (t *processingTask) runStreaming(ctx context.Context, msg *query.Message) {
	for resp, err := range t.adapter.bus.StreamingQuery(ctx, msg) {
		if err != nil {
			t.fail(CodeForError(err), err)
			return
		}
		wresp, serr := t.adapter.serializer.SerializeResponse(resp)
		if serr != nil {
			t.fail(wire.CodeExecution, serr)
			return
		}
		if err := t.send(ctx, wresp); err != nil {
			return
		}
	}
	t.complete()
}

// send waits for credit, then delivers one response.
func (t *processingTask) send(ctx context.Context, resp *wire.Response) error {
	if err := t.waitCredit(ctx); err != nil {
		return err
	}
	if err := t.reply.Send(resp); err != nil {
		t.adapter.logger.Warn("failed to deliver query response",
			"query", t.req.QueryName, "query_id", t.req.ID, "error", err)
		return err
	}
	return nil
}

// waitCredit consumes one permit, blocking until one is granted, the task
// is cancelled, or the context ends.
func (t *processingTask) waitCredit(ctx context.Context) error {
	for {
		if c := t.credits.Load(); c > 0 {
			if t.credits.CompareAndSwap(c, c-1) {
				return nil
			}
			continue
		}
		select {
		case <-t.creditCh:
		case <-t.cancelCh:
			return errTaskCancelled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *processingTask) fail(code int, err error) {
	if t.cancelled.Load() {
		return
	}
	if cerr := t.reply.CompleteWithError(code, err.Error()); cerr != nil {
		t.adapter.logger.Warn("failed to deliver query error",
			"query", t.req.QueryName, "query_id", t.req.ID, "error", cerr)
	}
}

func (t *processingTask) complete() {
	if t.cancelled.Load() {
		return
	}
	if err := t.reply.Complete(); err != nil {
		t.adapter.logger.Warn("failed to complete query response stream",
			"query", t.req.QueryName, "query_id", t.req.ID, "error", err)
	}
}
