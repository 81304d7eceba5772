package bridge

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"testing"
	"time"

	"github.com/mnegacz/querybus"
	"github.com/mnegacz/querybus/query"
	"github.com/mnegacz/querybus/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRemoteBus(t *testing.T) (*RemoteBus, *querybus.LocalBus, *loopbackConn) {
	t.Helper()
	local := querybus.NewLocalBus(querybus.WithLogger(testLogger()))
	conn := newLoopbackConn()
	rb := NewRemoteBus(local, loopbackProvider{conn: conn}, WithLogger(testLogger()))
	rb.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rb.Shutdown(ctx)
	})
	return rb, local, conn
}

// ---------------------------------------------------------------------------
// Direct query
// ---------------------------------------------------------------------------

func TestRemoteBus_QueryRoundTrip(t *testing.T) {
	rb, _, _ := newTestRemoteBus(t)
	rb.Subscribe("greet", query.InstanceOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		return "hello", nil
	})

	resp, err := rb.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if resp.Payload() != "hello" {
		t.Fatalf("expected hello, got %v", resp.Payload())
	}
}

func TestRemoteBus_QueryNoHandler(t *testing.T) {
	rb, _, _ := newTestRemoteBus(t)
	_, err := rb.Query(context.Background(), query.NewMessage("missing", nil, query.InstanceOf[string]()))
	if !errors.Is(err, querybus.ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
}

func TestRemoteBus_QueryHandlerFailureStaysInResponse(t *testing.T) {
	rb, _, _ := newTestRemoteBus(t)
	rb.Subscribe("greet", query.InstanceOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		return nil, errors.New("boom")
	})

	resp, err := rb.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	var execErr *querybus.ExecutionError
	if !resp.IsExceptional() || !errors.As(resp.Err(), &execErr) {
		t.Fatalf("expected execution error in response, got %+v", resp)
	}
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func TestRemoteBus_DispatchAfterShutdownFailsFast(t *testing.T) {
	rb, _, _ := newTestRemoteBus(t)
	rb.ShutdownDispatching()

	if _, err := rb.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]())); !errors.Is(err, querybus.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	if _, err := rb.SubscriptionQuery(context.Background(),
		query.NewSubscriptionMessage("greet", nil, query.InstanceOf[string](), query.InstanceOf[string]()), 8); !errors.Is(err, querybus.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown for subscription query, got %v", err)
	}
}

func TestRemoteBus_ShutdownWaitsForInFlightQuery(t *testing.T) {
	rb, _, _ := newTestRemoteBus(t)
	entered := make(chan struct{})
	gate := make(chan struct{})
	rb.Subscribe("slow", query.InstanceOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		close(entered)
		<-gate
		return "done", nil
	})

	type result struct {
		resp *query.Response
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := rb.Query(context.Background(), query.NewMessage("slow", nil, query.InstanceOf[string]()))
		resCh <- result{resp: resp, err: err}
	}()

	<-entered
	done := rb.ShutdownDispatching()
	select {
	case <-done:
		t.Fatal("shutdown completed while a query was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	res := <-resCh
	if res.err != nil {
		t.Fatalf("in-flight query failed: %v", res.err)
	}
	if res.resp.Payload() != "done" {
		t.Fatalf("expected done, got %v", res.resp.Payload())
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete after the query resolved")
	}
}

func TestRemoteBus_DisconnectTellsRoutingTier(t *testing.T) {
	rb, _, conn := newTestRemoteBus(t)
	rb.Subscribe("greet", query.InstanceOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		return "hello", nil
	})
	rb.Disconnect()
	if !conn.prepareCalled() {
		t.Fatal("expected PrepareDisconnect on the connection")
	}
}

// ---------------------------------------------------------------------------
// Scatter-gather and streaming
// ---------------------------------------------------------------------------

func TestRemoteBus_ScatterGatherOmitsSlowHandler(t *testing.T) {
	rb, _, _ := newTestRemoteBus(t)
	rb.Subscribe("greet", query.InstanceOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		return "Y", nil
	})
	rb.Subscribe("greet", query.InstanceOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		select {
		case <-time.After(2 * time.Second):
			return "slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	var got []string
	for resp := range rb.ScatterGather(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()), 150*time.Millisecond) {
		got = append(got, resp.Payload().(string))
	}
	if len(got) != 1 || got[0] != "Y" {
		t.Fatalf("expected only the fast handler's response, got %v", got)
	}
}

// collectionAdapter replies to every query with one response carrying a
// JSON array payload, the way a peer serving a collection handler would.
type collectionAdapter struct{ payload []byte }

func (a collectionAdapter) Handle(req *wire.Request, reply ReplyChannel) {
	_ = reply.Send(&wire.Response{ID: req.ID, Payload: a.payload})
	_ = reply.Complete()
}

func (a collectionAdapter) Stream(req *wire.Request, reply ReplyChannel) FlowControl {
	a.Handle(req, reply)
	return nopFlow{}
}

func (a collectionAdapter) SubscriptionQuery(*wire.SubscriptionQuery, UpdateChannel) (func(), error) {
	return func() {}, nil
}

type nopFlow struct{}

func (nopFlow) Request(int64) {}
func (nopFlow) Cancel()       {}

func TestRemoteBus_ScatterGatherFansOutCollectionUnderInstance(t *testing.T) {
	rb, _, conn := newTestRemoteBus(t)
	if _, err := conn.RegisterHandler(wire.QueryDefinition{QueryName: "batch"}, collectionAdapter{payload: []byte(`["a","b"]`)}); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	var got []string
	var ids []string
	for resp := range rb.ScatterGather(context.Background(), query.NewMessage("batch", nil, query.InstanceOf[string]()), time.Second) {
		got = append(got, resp.Payload().(string))
		ids = append(ids, resp.ID())
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected each element as its own response, got %v", got)
	}
	if ids[0] != ids[1] {
		t.Fatalf("expected fanned-out responses to share an identifier, got %v", ids)
	}
}

func TestRemoteBus_StreamingQuery(t *testing.T) {
	rb, _, _ := newTestRemoteBus(t)
	rb.Subscribe("numbers", query.StreamOf[int](), func(ctx context.Context, msg *query.Message) (any, error) {
		return iter.Seq[any](func(yield func(any) bool) {
			for i := 1; i <= 3; i++ {
				if !yield(i) {
					return
				}
			}
		}), nil
	})

	var got []any
	for resp, err := range rb.StreamingQuery(context.Background(), query.NewMessage("numbers", nil, query.StreamOf[int]())) {
		if err != nil {
			t.Fatalf("streaming query failed: %v", err)
		}
		got = append(got, resp.Payload())
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 streamed elements, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Subscription query
// ---------------------------------------------------------------------------

func TestRemoteBus_SubscriptionQueryRoundTrip(t *testing.T) {
	rb, local, _ := newTestRemoteBus(t)
	rb.Subscribe("counter", query.InstanceOf[int](), func(ctx context.Context, msg *query.Message) (any, error) {
		return 41, nil
	})

	msg := query.NewSubscriptionMessage("counter", nil, query.InstanceOf[int](), query.InstanceOf[int]())
	sub, err := rb.SubscriptionQuery(context.Background(), msg, 8)
	if err != nil {
		t.Fatalf("SubscriptionQuery failed: %v", err)
	}
	defer sub.Close()

	initial, err := sub.Initial(context.Background())
	if err != nil {
		t.Fatalf("Initial failed: %v", err)
	}
	if initial.Payload() != float64(41) && initial.Payload() != 41 {
		t.Fatalf("unexpected initial payload: %v", initial.Payload())
	}

	local.UpdateEmitter().Emit(func(m *query.SubscriptionMessage) bool {
		return m.Name() == "counter"
	}, query.NewUpdate(42))

	select {
	case update := <-sub.Updates():
		if update.Err() != nil {
			t.Fatalf("unexpected terminal error: %v", update.Err())
		}
		if update.Payload() != float64(42) && update.Payload() != 42 {
			t.Fatalf("unexpected update payload: %v", update.Payload())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestRemoteBus_DuplicateSubscriptionRejected(t *testing.T) {
	rb, _, _ := newTestRemoteBus(t)
	rb.Subscribe("counter", query.InstanceOf[int](), func(ctx context.Context, msg *query.Message) (any, error) {
		return 1, nil
	})

	msg := query.NewSubscriptionMessage("counter", nil, query.InstanceOf[int](), query.InstanceOf[int]())
	sub, err := rb.SubscriptionQuery(context.Background(), msg, 8)
	if err != nil {
		t.Fatalf("first SubscriptionQuery failed: %v", err)
	}
	defer sub.Close()

	if _, err := rb.SubscriptionQuery(context.Background(), msg, 8); !errors.Is(err, querybus.ErrDuplicateSubscription) {
		t.Fatalf("expected ErrDuplicateSubscription, got %v", err)
	}
}
