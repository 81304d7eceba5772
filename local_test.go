package querybus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"testing"
	"time"

	"github.com/mnegacz/querybus/query"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBus() *LocalBus {
	return NewLocalBus(WithLogger(testLogger()))
}

func stringHandler(result string) query.Handler {
	return func(ctx context.Context, msg *query.Message) (any, error) {
		return result, nil
	}
}

func decliningHandler() query.Handler {
	return func(ctx context.Context, msg *query.Message) (any, error) {
		return nil, fmt.Errorf("%w: not applicable", ErrNoHandler)
	}
}

// ---------------------------------------------------------------------------
// Direct query
// ---------------------------------------------------------------------------

func TestQuery_FirstMatchingHandlerWins(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("greet", query.InstanceOf[string](), stringHandler("hello"))
	bus.Subscribe("greet", query.InstanceOf[string](), stringHandler("ignored"))

	resp, err := bus.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if resp.Payload() != "hello" {
		t.Fatalf("expected first handler's result, got %v", resp.Payload())
	}
}

func TestQuery_NoHandler(t *testing.T) {
	bus := newTestBus()
	_, err := bus.Query(context.Background(), query.NewMessage("missing", nil, query.InstanceOf[string]()))
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
}

func TestQuery_DecliningHandlerPassesToNext(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("greet", query.InstanceOf[string](), decliningHandler())
	bus.Subscribe("greet", query.InstanceOf[string](), stringHandler("fallback"))

	resp, err := bus.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if resp.Payload() != "fallback" {
		t.Fatalf("expected fallback handler's result, got %v", resp.Payload())
	}
}

func TestQuery_AllHandlersDecline(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("greet", query.InstanceOf[string](), decliningHandler())
	bus.Subscribe("greet", query.InstanceOf[string](), decliningHandler())

	_, err := bus.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()))
	if !errors.Is(err, ErrNoSuitableHandler) {
		t.Fatalf("expected ErrNoSuitableHandler, got %v", err)
	}
}

func TestQuery_RuntimeFailureShortCircuits(t *testing.T) {
	bus := newTestBus()
	boom := errors.New("boom")
	invoked := false
	bus.Subscribe("greet", query.InstanceOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		return nil, boom
	})
	bus.Subscribe("greet", query.InstanceOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		invoked = true
		return "late", nil
	})

	resp, err := bus.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if !resp.IsExceptional() || !errors.Is(resp.Err(), boom) {
		t.Fatalf("expected exceptional response carrying the handler error, got %+v", resp)
	}
	if invoked {
		t.Fatal("later handler must not run after a runtime failure")
	}
}

func TestQuery_StreamResponseTypeRejected(t *testing.T) {
	bus := newTestBus()
	_, err := bus.Query(context.Background(), query.NewMessage("greet", nil, query.StreamOf[string]()))
	if !errors.Is(err, ErrUnsupportedResponseType) {
		t.Fatalf("expected ErrUnsupportedResponseType, got %v", err)
	}
}

func TestQuery_HandlerPanicBecomesExecutionError(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("greet", query.InstanceOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		panic("unexpected")
	})

	resp, err := bus.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	var execErr *ExecutionError
	if !resp.IsExceptional() || !errors.As(resp.Err(), &execErr) {
		t.Fatalf("expected ExecutionError response, got %+v", resp)
	}
}

func TestQuery_InstanceFromCollectionHandler(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("greet", query.CollectionOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		return []string{"a", "b"}, nil
	})

	resp, err := bus.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if resp.Payload() != "a" {
		t.Fatalf("expected first element, got %v", resp.Payload())
	}
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestSubscribe_DuplicateRegistrationIsNoOp(t *testing.T) {
	bus := newTestBus()
	handler := stringHandler("once")
	bus.Subscribe("greet", query.InstanceOf[string](), handler)
	bus.Subscribe("greet", query.InstanceOf[string](), handler)

	var count int
	for range bus.ScatterGather(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()), time.Second) {
		count++
	}
	if count != 1 {
		t.Fatalf("expected a single registration to respond, got %d responses", count)
	}
}

func TestSubscribe_FirstCancelSurvivesDuplicateRegistration(t *testing.T) {
	bus := newTestBus()
	handler := stringHandler("once")
	cancel := bus.Subscribe("greet", query.InstanceOf[string](), handler)
	bus.Subscribe("greet", query.InstanceOf[string](), handler)

	cancel()

	_, err := bus.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()))
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected the first handle to cancel the registration, got %v", err)
	}
}

func TestSubscribe_CancelRemovesHandler(t *testing.T) {
	bus := newTestBus()
	cancel := bus.Subscribe("greet", query.InstanceOf[string](), stringHandler("hello"))
	cancel()

	_, err := bus.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()))
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler after cancel, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Scatter-gather
// ---------------------------------------------------------------------------

func TestScatterGather_CollectsAllResponses(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("greet", query.InstanceOf[string](), stringHandler("a"))
	bus.Subscribe("greet", query.InstanceOf[string](), stringHandler("b"))

	var got []string
	for resp := range bus.ScatterGather(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()), time.Second) {
		got = append(got, resp.Payload().(string))
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected responses in registration order [a b], got %v", got)
	}
}

func TestScatterGather_OmitsHandlerExceedingDeadline(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("greet", query.InstanceOf[string](), stringHandler("Y"))
	bus.Subscribe("greet", query.InstanceOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		select {
		case <-time.After(2 * time.Second):
			return "slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	var got []string
	for resp := range bus.ScatterGather(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()), 50*time.Millisecond) {
		got = append(got, resp.Payload().(string))
	}
	if len(got) != 1 || got[0] != "Y" {
		t.Fatalf("expected only the fast handler's response, got %v", got)
	}
}

func TestScatterGather_SlowHandlerDoesNotStarveLaterHandlers(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("greet", query.InstanceOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		select {
		case <-time.After(2 * time.Second):
			return "slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	bus.Subscribe("greet", query.InstanceOf[string](), stringHandler("Y"))

	var got []string
	for resp := range bus.ScatterGather(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()), 50*time.Millisecond) {
		got = append(got, resp.Payload().(string))
	}
	if len(got) != 1 || got[0] != "Y" {
		t.Fatalf("expected the fast handler's response despite a slow handler registered first, got %v", got)
	}
}

func TestScatterGather_EmptyRegistryYieldsNothing(t *testing.T) {
	bus := newTestBus()
	for range bus.ScatterGather(context.Background(), query.NewMessage("missing", nil, query.InstanceOf[string]()), time.Second) {
		t.Fatal("expected no responses from an empty registry")
	}
}

func TestScatterGather_SkipsFailingHandler(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("greet", query.InstanceOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		return nil, errors.New("boom")
	})
	bus.Subscribe("greet", query.InstanceOf[string](), stringHandler("ok"))

	var got []string
	for resp := range bus.ScatterGather(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()), time.Second) {
		got = append(got, resp.Payload().(string))
	}
	if len(got) != 1 || got[0] != "ok" {
		t.Fatalf("expected the failing handler to be omitted, got %v", got)
	}
}

func TestScatterGather_StreamResponseTypePanics(t *testing.T) {
	bus := newTestBus()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for stream response type")
		}
	}()
	bus.ScatterGather(context.Background(), query.NewMessage("greet", nil, query.StreamOf[string]()), time.Second)
}

// ---------------------------------------------------------------------------
// Streaming query
// ---------------------------------------------------------------------------

func TestStreamingQuery_StreamHandlerOutranksOthers(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("numbers", query.InstanceOf[int](), func(ctx context.Context, msg *query.Message) (any, error) {
		return 0, nil
	})
	bus.Subscribe("numbers", query.StreamOf[int](), func(ctx context.Context, msg *query.Message) (any, error) {
		return iter.Seq[any](func(yield func(any) bool) {
			for i := 1; i <= 3; i++ {
				if !yield(i) {
					return
				}
			}
		}), nil
	})

	var got []int
	for resp, err := range bus.StreamingQuery(context.Background(), query.NewMessage("numbers", nil, query.StreamOf[int]())) {
		if err != nil {
			t.Fatalf("streaming query failed: %v", err)
		}
		got = append(got, resp.Payload().(int))
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("expected stream handler's elements [1 2 3], got %v", got)
	}
}

func TestStreamingQuery_FlattensCollectionHandler(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("letters", query.CollectionOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		return []string{"a", "b"}, nil
	})

	var got []string
	for resp, err := range bus.StreamingQuery(context.Background(), query.NewMessage("letters", nil, query.StreamOf[string]())) {
		if err != nil {
			t.Fatalf("streaming query failed: %v", err)
		}
		got = append(got, resp.Payload().(string))
	}
	if len(got) != 2 {
		t.Fatalf("expected the collection flattened to 2 elements, got %v", got)
	}
}

func TestStreamingQuery_NoHandler(t *testing.T) {
	bus := newTestBus()
	for _, err := range bus.StreamingQuery(context.Background(), query.NewMessage("missing", nil, query.StreamOf[string]())) {
		if !errors.Is(err, ErrNoHandler) {
			t.Fatalf("expected ErrNoHandler, got %v", err)
		}
		return
	}
	t.Fatal("expected a terminal error from the sequence")
}

func TestStreamingQuery_HandlerErrorTerminatesSequence(t *testing.T) {
	bus := newTestBus()
	boom := errors.New("boom")
	bus.Subscribe("numbers", query.StreamOf[int](), func(ctx context.Context, msg *query.Message) (any, error) {
		return iter.Seq2[any, error](func(yield func(any, error) bool) {
			if !yield(1, nil) {
				return
			}
			yield(nil, boom)
		}), nil
	})

	var got []int
	var terminal error
	for resp, err := range bus.StreamingQuery(context.Background(), query.NewMessage("numbers", nil, query.StreamOf[int]())) {
		if err != nil {
			terminal = err
			break
		}
		got = append(got, resp.Payload().(int))
	}
	if len(got) != 1 || !errors.Is(terminal, boom) {
		t.Fatalf("expected one element then the handler error, got %v / %v", got, terminal)
	}
}

// ---------------------------------------------------------------------------
// Subscription query
// ---------------------------------------------------------------------------

func TestSubscriptionQuery_InitialAndUpdates(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("counter", query.InstanceOf[int](), func(ctx context.Context, msg *query.Message) (any, error) {
		return 41, nil
	})

	msg := query.NewSubscriptionMessage("counter", nil, query.InstanceOf[int](), query.InstanceOf[int]())
	sub, err := bus.SubscriptionQuery(context.Background(), msg, 8)
	if err != nil {
		t.Fatalf("SubscriptionQuery failed: %v", err)
	}
	defer sub.Close()

	initial, err := sub.Initial(context.Background())
	if err != nil {
		t.Fatalf("Initial failed: %v", err)
	}
	if initial.Payload() != 41 {
		t.Fatalf("expected initial 41, got %v", initial.Payload())
	}

	bus.UpdateEmitter().Emit(func(m *query.SubscriptionMessage) bool {
		return m.Name() == "counter"
	}, query.NewUpdate(42))

	select {
	case update := <-sub.Updates():
		if update.Payload() != 42 {
			t.Fatalf("expected update 42, got %v", update.Payload())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestSubscriptionQuery_DuplicateRejected(t *testing.T) {
	bus := newTestBus()
	msg := query.NewSubscriptionMessage("counter", nil, query.InstanceOf[int](), query.InstanceOf[int]())

	sub, err := bus.SubscriptionQuery(context.Background(), msg, 8)
	if err != nil {
		t.Fatalf("first SubscriptionQuery failed: %v", err)
	}
	defer sub.Close()

	if _, err := bus.SubscriptionQuery(context.Background(), msg, 8); !errors.Is(err, ErrDuplicateSubscription) {
		t.Fatalf("expected ErrDuplicateSubscription, got %v", err)
	}
}

func TestSubscriptionQuery_ReusableAfterClose(t *testing.T) {
	bus := newTestBus()
	msg := query.NewSubscriptionMessage("counter", nil, query.InstanceOf[int](), query.InstanceOf[int]())

	sub, err := bus.SubscriptionQuery(context.Background(), msg, 8)
	if err != nil {
		t.Fatalf("SubscriptionQuery failed: %v", err)
	}
	sub.Close()
	sub.Close() // idempotent

	sub2, err := bus.SubscriptionQuery(context.Background(), msg, 8)
	if err != nil {
		t.Fatalf("SubscriptionQuery after close failed: %v", err)
	}
	sub2.Close()
}

func TestSubscriptionQuery_StreamTypesRejected(t *testing.T) {
	bus := newTestBus()
	msg := query.NewSubscriptionMessage("counter", nil, query.InstanceOf[int](), query.StreamOf[int]())
	if _, err := bus.SubscriptionQuery(context.Background(), msg, 8); !errors.Is(err, ErrUnsupportedResponseType) {
		t.Fatalf("expected ErrUnsupportedResponseType, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Interceptors
// ---------------------------------------------------------------------------

func TestDispatchInterceptor_EnrichesMessage(t *testing.T) {
	bus := newTestBus()
	cancel := bus.RegisterDispatchInterceptor(func(ctx context.Context, msg *query.Message) (*query.Message, error) {
		return msg.WithMetadata(query.Metadata{"tenant": "acme"}), nil
	})
	defer cancel()

	bus.Subscribe("greet", query.InstanceOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		return msg.Metadata()["tenant"], nil
	})

	resp, err := bus.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if resp.Payload() != "acme" {
		t.Fatalf("expected interceptor metadata to reach the handler, got %v", resp.Payload())
	}
}

func TestDispatchInterceptor_RejectionAbortsDispatch(t *testing.T) {
	bus := newTestBus()
	denied := errors.New("denied")
	cancel := bus.RegisterDispatchInterceptor(func(ctx context.Context, msg *query.Message) (*query.Message, error) {
		return nil, denied
	})
	defer cancel()
	bus.Subscribe("greet", query.InstanceOf[string](), stringHandler("hello"))

	_, err := bus.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()))
	if !errors.Is(err, denied) {
		t.Fatalf("expected the interceptor error, got %v", err)
	}
}

func TestHandlerInterceptor_WrapsInvocation(t *testing.T) {
	bus := newTestBus()
	var order []string
	cancel := bus.RegisterHandlerInterceptor(func(ctx context.Context, msg *query.Message, next HandlerFunc) (any, error) {
		order = append(order, "before")
		result, err := next(ctx)
		order = append(order, "after")
		return result, err
	})
	defer cancel()

	bus.Subscribe("greet", query.InstanceOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		order = append(order, "handler")
		return "hello", nil
	})

	if _, err := bus.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]())); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(order) != 3 || order[0] != "before" || order[1] != "handler" || order[2] != "after" {
		t.Fatalf("unexpected interception order: %v", order)
	}
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

type recordingTx struct {
	committed  bool
	rolledBack bool
}

func (tx *recordingTx) Commit(context.Context) error   { tx.committed = true; return nil }
func (tx *recordingTx) Rollback(context.Context) error { tx.rolledBack = true; return nil }

type recordingTxManager struct {
	last *recordingTx
}

func (m *recordingTxManager) Begin(context.Context) (Transaction, error) {
	m.last = &recordingTx{}
	return m.last, nil
}

func TestTransactionInterceptor_CommitsOnSuccess(t *testing.T) {
	tm := &recordingTxManager{}
	bus := NewLocalBus(WithLogger(testLogger()), WithTransactionManager(tm))
	bus.Subscribe("greet", query.InstanceOf[string](), stringHandler("hello"))

	if _, err := bus.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]())); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if tm.last == nil || !tm.last.committed || tm.last.rolledBack {
		t.Fatalf("expected commit without rollback, got %+v", tm.last)
	}
}

func TestTransactionInterceptor_RollsBackOnFailure(t *testing.T) {
	tm := &recordingTxManager{}
	bus := NewLocalBus(WithLogger(testLogger()), WithTransactionManager(tm))
	bus.Subscribe("greet", query.InstanceOf[string](), func(ctx context.Context, msg *query.Message) (any, error) {
		return nil, errors.New("boom")
	})

	resp, err := bus.Query(context.Background(), query.NewMessage("greet", nil, query.InstanceOf[string]()))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if !resp.IsExceptional() {
		t.Fatal("expected exceptional response")
	}
	if tm.last == nil || tm.last.committed || !tm.last.rolledBack {
		t.Fatalf("expected rollback without commit, got %+v", tm.last)
	}
}
