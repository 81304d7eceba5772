package bridge

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mnegacz/querybus/wire"
)

// loopbackConn is an in-memory Connection: dispatched queries are served by
// the adapters registered on the same connection, without a transport.
type loopbackConn struct {
	mu       sync.Mutex
	handlers map[string]HandlerAdapter
	prepared bool
}

func newLoopbackConn() *loopbackConn {
	return &loopbackConn{handlers: make(map[string]HandlerAdapter)}
}

func (c *loopbackConn) Query(ctx context.Context, req *wire.Request) (ResultStream, error) {
	ms := newMemoryStream()
	c.mu.Lock()
	adapter := c.handlers[req.QueryName]
	c.mu.Unlock()
	if adapter == nil {
		_ = ms.CompleteWithError(wire.CodeNoHandler, "no handler for "+req.QueryName)
		return ms, nil
	}
	fc := adapter.Stream(req, ms)
	ms.setCancel(fc.Cancel)
	fc.Request(int64(1) << 62)
	return ms, nil
}

func (c *loopbackConn) SubscriptionQuery(ctx context.Context, sub *wire.SubscriptionQuery, initialPermits, refill int) (SubscriptionStream, error) {
	c.mu.Lock()
	adapter := c.handlers[sub.Request.QueryName]
	c.mu.Unlock()
	if adapter == nil {
		return nil, io.ErrUnexpectedEOF
	}
	ss := newMemorySubStream(c, sub.Request)
	cancel, err := adapter.SubscriptionQuery(sub, ss)
	if err != nil {
		return nil, err
	}
	ss.setCancel(cancel)
	return ss, nil
}

func (c *loopbackConn) RegisterHandler(def wire.QueryDefinition, adapter HandlerAdapter) (func(), error) {
	c.mu.Lock()
	c.handlers[def.QueryName] = adapter
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, def.QueryName)
		c.mu.Unlock()
	}, nil
}

func (c *loopbackConn) PrepareDisconnect() {
	c.mu.Lock()
	c.prepared = true
	c.mu.Unlock()
}

func (c *loopbackConn) prepareCalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prepared
}

type loopbackProvider struct {
	conn *loopbackConn
}

func (p loopbackProvider) Connection(string) (Connection, error) { return p.conn, nil }

// memoryStream is both the producer's ReplyChannel and the consumer's
// ResultStream for one loopback query.
type memoryStream struct {
	ch   chan *wire.Response
	done chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
	cancel func()

	closeOnce sync.Once
}

func newMemoryStream() *memoryStream {
	return &memoryStream{ch: make(chan *wire.Response, 64), done: make(chan struct{})}
}

func (s *memoryStream) setCancel(cancel func()) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

func (s *memoryStream) Send(resp *wire.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	s.ch <- resp
	return nil
}

func (s *memoryStream) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *memoryStream) CompleteWithError(code int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.err = ErrorForCode(code, message)
		close(s.ch)
	}
	return nil
}

func (s *memoryStream) Next(ctx context.Context) (*wire.Response, error) {
	select {
	case resp, ok := <-s.ch:
		if !ok {
			return nil, s.terminalErr()
		}
		return resp, nil
	case <-s.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memoryStream) NextIfAvailable(timeout time.Duration) (*wire.Response, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-s.ch:
		return resp, ok
	case <-s.done:
		return nil, false
	case <-timer.C:
		return nil, false
	}
}

func (s *memoryStream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

func (s *memoryStream) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return io.EOF
}

// memorySubStream is both the producer's UpdateChannel and the consumer's
// SubscriptionStream for one loopback subscription.
type memorySubStream struct {
	conn    *loopbackConn
	request wire.Request
	ch      chan *wire.Update

	mu     sync.Mutex
	closed bool
	cancel func()

	closeOnce sync.Once
}

func newMemorySubStream(conn *loopbackConn, request wire.Request) *memorySubStream {
	return &memorySubStream{conn: conn, request: request, ch: make(chan *wire.Update, 64)}
}

func (s *memorySubStream) setCancel(cancel func()) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

func (s *memorySubStream) SendUpdate(update *wire.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	s.ch <- update
	return nil
}

func (s *memorySubStream) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *memorySubStream) CompleteWithError(code int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.ch <- &wire.Update{ErrorCode: code, ErrorMessage: message}
		close(s.ch)
	}
	return nil
}

func (s *memorySubStream) Initial(ctx context.Context) (*wire.Response, error) {
	req := s.request
	rs, err := s.conn.Query(ctx, &req)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return rs.Next(ctx)
}

func (s *memorySubStream) Updates() <-chan *wire.Update { return s.ch }

func (s *memorySubStream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		_ = s.Complete()
	})
}
