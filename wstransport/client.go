package wstransport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/mnegacz/querybus/bridge"
	"github.com/mnegacz/querybus/id"
	"github.com/mnegacz/querybus/wire"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCodec sets the frame codec. Defaults to JSON.
func WithCodec(codec wire.Codec) ClientOption {
	return func(c *Client) { c.codec = codec }
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithPermits sets the flow-control grants for outbound queries: the
// initial grant sent with the query and the batch granted as results are
// consumed. Defaults to 1000 and 500.
func WithPermits(initial, refill int) ClientOption {
	return func(c *Client) {
		c.initialPermits = initial
		c.refill = refill
	}
}

// WithReconnect enables automatic reconnection with exponential backoff.
// In-flight queries and subscriptions fail when the link drops; registered
// handlers are re-advertised after the link is back.
func WithReconnect(maxRetries int, baseDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.reconnect = true
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
	}
}

// Client is a WebSocket link to the routing tier. It implements the bridge
// Connection contract: outbound queries and subscriptions go out as frames,
// inbound frames are served by the registered handler adapters.
type Client struct {
	url            string
	codec          wire.Codec
	logger         *slog.Logger
	initialPermits int
	refill         int

	reconnect  bool
	maxRetries int
	baseDelay  time.Duration

	conn    net.Conn
	writeMu sync.Mutex
	closed  atomic.Bool

	mu            sync.Mutex
	pending       map[string]*resultStream
	subscriptions map[string]*subscriptionStream
	handlers      map[string]bridge.HandlerAdapter
	definitions   map[string]wire.QueryDefinition
	inbound       map[string]bridge.FlowControl
	inboundSubs   map[string]func()
}

// Dial connects to a routing tier endpoint and starts the read loop.
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:            url,
		codec:          wire.JSONCodec{},
		logger:         slog.Default(),
		initialPermits: 1000,
		refill:         500,
		maxRetries:     5,
		baseDelay:      time.Second,
		pending:        make(map[string]*resultStream),
		subscriptions:  make(map[string]*subscriptionStream),
		handlers:       make(map[string]bridge.HandlerAdapter),
		definitions:    make(map[string]wire.QueryDefinition),
		inbound:        make(map[string]bridge.FlowControl),
		inboundSubs:    make(map[string]func()),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wstransport: dial: %w", err)
	}
	c.conn = conn
	go c.readLoop()
	return c, nil
}

// Query implements bridge.Connection.
func (c *Client) Query(ctx context.Context, req *wire.Request) (bridge.ResultStream, error) {
	if c.closed.Load() {
		return nil, net.ErrClosed
	}
	rs := &resultStream{
		client: c,
		id:     req.ID,
		ch:     make(chan *wire.Response, c.initialPermits),
		done:   make(chan struct{}),
		refill: c.refill,
	}
	c.mu.Lock()
	c.pending[req.ID] = rs
	c.mu.Unlock()

	err := c.writeFrame(&Frame{
		Type:          FrameQuery,
		CorrelationID: req.ID,
		Request:       req,
		Permits:       int64(c.initialPermits),
	})
	if err != nil {
		c.dropPending(req.ID)
		return nil, err
	}
	return rs, nil
}

// SubscriptionQuery implements bridge.Connection.
func (c *Client) SubscriptionQuery(ctx context.Context, sub *wire.SubscriptionQuery, initialPermits, refill int) (bridge.SubscriptionStream, error) {
	if c.closed.Load() {
		return nil, net.ErrClosed
	}
	if initialPermits < 1 {
		initialPermits = c.initialPermits
	}
	if refill < 1 {
		refill = c.refill
	}
	ss := &subscriptionStream{
		client:  c,
		id:      sub.Request.ID,
		request: sub.Request,
		// One extra slot stays reserved for a terminal error update.
		updates: make(chan *wire.Update, initialPermits+1),
		refill:  refill,
	}
	c.mu.Lock()
	c.subscriptions[ss.id] = ss
	c.mu.Unlock()

	err := c.writeFrame(&Frame{
		Type:          FrameSubscribe,
		CorrelationID: ss.id,
		Subscription:  sub,
		Permits:       int64(initialPermits),
	})
	if err != nil {
		c.dropSubscription(ss.id)
		return nil, err
	}
	return ss, nil
}

// RegisterHandler implements bridge.Connection.
func (c *Client) RegisterHandler(def wire.QueryDefinition, adapter bridge.HandlerAdapter) (func(), error) {
	c.mu.Lock()
	c.handlers[def.QueryName] = adapter
	c.definitions[def.QueryName] = def
	c.mu.Unlock()

	if err := c.writeFrame(&Frame{Type: FrameRegister, Definition: &def}); err != nil {
		c.mu.Lock()
		delete(c.handlers, def.QueryName)
		delete(c.definitions, def.QueryName)
		c.mu.Unlock()
		return nil, err
	}
	return func() {
		c.mu.Lock()
		delete(c.handlers, def.QueryName)
		delete(c.definitions, def.QueryName)
		c.mu.Unlock()
		if err := c.writeFrame(&Frame{Type: FrameUnregister, Definition: &def}); err != nil {
			c.logger.Warn("failed to withdraw handler advertisement", "query", def.QueryName, "error", err)
		}
	}, nil
}

// PrepareDisconnect implements bridge.Connection.
func (c *Client) PrepareDisconnect() {
	if err := c.writeFrame(&Frame{Type: FrameDisconnect}); err != nil {
		c.logger.Warn("failed to announce disconnect", "error", err)
	}
}

// Close tears down the link. In-flight result streams fail with the
// connection error.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.conn.Close()
	c.failInFlight()
	return err
}

// failInFlight fails every pending query and subscription with a connection
// loss. Their correlations are gone once the link drops.
func (c *Client) failInFlight() {
	c.mu.Lock()
	pending := c.pending
	subscriptions := c.subscriptions
	c.pending = make(map[string]*resultStream)
	c.subscriptions = make(map[string]*subscriptionStream)
	c.mu.Unlock()
	for _, rs := range pending {
		rs.finish(net.ErrClosed)
	}
	for _, ss := range subscriptions {
		ss.finish(wire.CodeExecution, "connection closed")
	}
}

func (c *Client) readLoop() {
	for {
		if c.closed.Load() {
			return
		}
		data, err := wsutil.ReadServerBinary(c.conn)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("transport read failed", "error", err)
			c.failInFlight()
			if c.reconnect {
				c.tryReconnect()
			} else {
				_ = c.Close()
			}
			return
		}
		var frame Frame
		if err := c.codec.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		c.route(&frame)
	}
}

// tryReconnect redials with exponential backoff and re-advertises the
// registered handlers, since the routing tier forgot them with the old
// connection. Gives up and closes the client after maxRetries attempts.
func (c *Client) tryReconnect() {
	delay := c.baseDelay
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		c.logger.Info("transport reconnecting", "attempt", attempt, "delay", delay)
		time.Sleep(delay)
		if c.closed.Load() {
			return
		}

		conn, _, _, err := ws.Dial(context.Background(), c.url)
		if err != nil {
			c.logger.Warn("transport reconnect failed", "error", err)
			delay = min(delay*2, 30*time.Second)
			continue
		}
		c.writeMu.Lock()
		c.conn = conn
		c.writeMu.Unlock()

		c.mu.Lock()
		defs := make([]wire.QueryDefinition, 0, len(c.definitions))
		for _, def := range c.definitions {
			defs = append(defs, def)
		}
		c.mu.Unlock()
		for _, def := range defs {
			if err := c.writeFrame(&Frame{Type: FrameRegister, Definition: &def}); err != nil {
				c.logger.Warn("failed to re-advertise handler", "query", def.QueryName, "error", err)
			}
		}

		c.logger.Info("transport reconnected")
		go c.readLoop()
		return
	}
	c.logger.Error("transport reconnect attempts exhausted")
	_ = c.Close()
}

func (c *Client) route(frame *Frame) {
	switch frame.Type {
	case FrameQueryResponse:
		if rs := c.lookupPending(frame.CorrelationID); rs != nil && frame.Response != nil {
			rs.deliver(frame.Response, c.logger)
		}
	case FrameQueryComplete:
		if rs := c.takePending(frame.CorrelationID); rs != nil {
			rs.finish(nil)
		}
	case FrameQueryError:
		if rs := c.takePending(frame.CorrelationID); rs != nil {
			rs.finish(bridge.ErrorForCode(frame.ErrorCode, frame.ErrorMessage))
		}
	case FrameSubscribeUpdate:
		if ss := c.lookupSubscription(frame.CorrelationID); ss != nil && frame.Update != nil {
			ss.deliver(frame.Update, c.logger)
		}
	case FrameSubscribeComplete:
		if ss := c.takeSubscription(frame.CorrelationID); ss != nil {
			ss.finish(frame.ErrorCode, frame.ErrorMessage)
		}
	case FrameQuery:
		c.serveQuery(frame)
	case FrameSubscribe:
		c.serveSubscription(frame)
	case FrameFlowRequest:
		c.mu.Lock()
		fc := c.inbound[frame.CorrelationID]
		c.mu.Unlock()
		if fc != nil {
			fc.Request(frame.Permits)
		}
	case FrameFlowCancel:
		c.mu.Lock()
		fc := c.inbound[frame.CorrelationID]
		cancel := c.inboundSubs[frame.CorrelationID]
		delete(c.inbound, frame.CorrelationID)
		delete(c.inboundSubs, frame.CorrelationID)
		c.mu.Unlock()
		if fc != nil {
			fc.Cancel()
		}
		if cancel != nil {
			cancel()
		}
	default:
		c.logger.Warn("dropping frame of unknown type", "type", string(frame.Type))
	}
}

func (c *Client) serveQuery(frame *Frame) {
	req := frame.Request
	if req == nil {
		return
	}
	c.mu.Lock()
	adapter := c.handlers[req.QueryName]
	c.mu.Unlock()
	reply := &clientReply{client: c, id: req.ID}
	if adapter == nil {
		if err := reply.CompleteWithError(wire.CodeNoHandler, "no handler for "+req.QueryName); err != nil {
			c.logger.Warn("failed to refuse query", "query", req.QueryName, "error", err)
		}
		return
	}
	fc := adapter.Stream(req, reply)
	c.mu.Lock()
	c.inbound[req.ID] = fc
	c.mu.Unlock()
	if frame.Permits > 0 {
		fc.Request(frame.Permits)
	}
}

func (c *Client) serveSubscription(frame *Frame) {
	sub := frame.Subscription
	if sub == nil {
		return
	}
	c.mu.Lock()
	adapter := c.handlers[sub.Request.QueryName]
	c.mu.Unlock()
	updates := &clientUpdateChannel{client: c, id: frame.CorrelationID}
	if adapter == nil {
		if err := updates.CompleteWithError(wire.CodeNoHandler, "no handler for "+sub.Request.QueryName); err != nil {
			c.logger.Warn("failed to refuse subscription", "query", sub.Request.QueryName, "error", err)
		}
		return
	}
	cancel, err := adapter.SubscriptionQuery(sub, updates)
	if err != nil {
		if cerr := updates.CompleteWithError(bridge.CodeForError(err), err.Error()); cerr != nil {
			c.logger.Warn("failed to refuse subscription", "query", sub.Request.QueryName, "error", cerr)
		}
		return
	}
	c.mu.Lock()
	c.inboundSubs[frame.CorrelationID] = cancel
	c.mu.Unlock()
}

func (c *Client) writeFrame(frame *Frame) error {
	data, err := c.codec.Marshal(frame)
	if err != nil {
		return fmt.Errorf("wstransport: marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientBinary(c.conn, data)
}

func (c *Client) lookupPending(id string) *resultStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

func (c *Client) takePending(id string) *resultStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs := c.pending[id]
	delete(c.pending, id)
	return rs
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) lookupSubscription(id string) *subscriptionStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[id]
}

func (c *Client) takeSubscription(id string) *subscriptionStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss := c.subscriptions[id]
	delete(c.subscriptions, id)
	return ss
}

func (c *Client) dropSubscription(id string) {
	c.mu.Lock()
	delete(c.subscriptions, id)
	c.mu.Unlock()
}

// resultStream buffers the responses to one outbound query and grants
// refill permits as the consumer drains them.
type resultStream struct {
	client *Client
	id     string
	ch     chan *wire.Response
	done   chan struct{}
	refill int

	mu        sync.Mutex
	err       error
	finished  bool
	consumed  int
	closeOnce sync.Once
}

func (s *resultStream) deliver(resp *wire.Response, logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	select {
	case s.ch <- resp:
	default:
		logger.Warn("dropping query response, buffer full", "query_id", s.id)
	}
}

func (s *resultStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.ch)
}

// Next implements bridge.ResultStream.
func (s *resultStream) Next(ctx context.Context) (*wire.Response, error) {
	select {
	case resp, ok := <-s.ch:
		if !ok {
			return nil, s.terminalErr()
		}
		s.maybeRefill()
		return resp, nil
	case <-s.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NextIfAvailable implements bridge.ResultStream.
func (s *resultStream) NextIfAvailable(timeout time.Duration) (*wire.Response, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-s.ch:
		if !ok {
			return nil, false
		}
		s.maybeRefill()
		return resp, true
	case <-s.done:
		return nil, false
	case <-timer.C:
		return nil, false
	}
}

// Close implements bridge.ResultStream.
func (s *resultStream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.client.dropPending(s.id)
		if err := s.client.writeFrame(&Frame{Type: FrameFlowCancel, CorrelationID: s.id}); err != nil {
			s.client.logger.Debug("failed to cancel query upstream", "query_id", s.id, "error", err)
		}
	})
}

func (s *resultStream) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return io.EOF
}

func (s *resultStream) maybeRefill() {
	s.mu.Lock()
	s.consumed++
	granted := s.consumed >= s.refill
	if granted {
		s.consumed = 0
	}
	s.mu.Unlock()
	if granted {
		if err := s.client.writeFrame(&Frame{
			Type:          FrameFlowRequest,
			CorrelationID: s.id,
			Permits:       int64(s.refill),
		}); err != nil {
			s.client.logger.Debug("failed to grant permits", "query_id", s.id, "error", err)
		}
	}
}

// subscriptionStream carries the live updates of one outbound subscription
// query.
type subscriptionStream struct {
	client  *Client
	id      string
	request wire.Request
	updates chan *wire.Update
	refill  int

	mu        sync.Mutex
	finished  bool
	consumed  int
	closeOnce sync.Once
}

func (s *subscriptionStream) deliver(update *wire.Update, logger *slog.Logger) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	// The last slot stays reserved for a terminal error update.
	delivered := false
	if len(s.updates) < cap(s.updates)-1 {
		s.updates <- update
		delivered = true
		s.consumed++
	}
	granted := delivered && s.consumed >= s.refill
	if granted {
		s.consumed = 0
	}
	s.mu.Unlock()

	if !delivered {
		logger.Warn("dropping subscription update, buffer full", "subscription_id", s.id)
		return
	}
	if granted {
		if err := s.client.writeFrame(&Frame{
			Type:          FrameFlowRequest,
			CorrelationID: s.id,
			Permits:       int64(s.refill),
		}); err != nil {
			logger.Debug("failed to grant update permits", "subscription_id", s.id, "error", err)
		}
	}
}

func (s *subscriptionStream) finish(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	if code != wire.CodeOK {
		// deliver never fills the reserved slot, so this cannot block.
		s.updates <- &wire.Update{SubscriptionID: s.id, ErrorCode: code, ErrorMessage: message}
	}
	close(s.updates)
}

// Initial implements bridge.SubscriptionStream by dispatching the
// subscription's embedded request as a direct query. The query gets its
// own correlation so it cannot collide with the subscription route.
func (s *subscriptionStream) Initial(ctx context.Context) (*wire.Response, error) {
	req := s.request
	req.ID = id.New(id.PrefixQuery)
	rs, err := s.client.Query(ctx, &req)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return rs.Next(ctx)
}

// Updates implements bridge.SubscriptionStream.
func (s *subscriptionStream) Updates() <-chan *wire.Update { return s.updates }

// Close implements bridge.SubscriptionStream.
func (s *subscriptionStream) Close() {
	s.closeOnce.Do(func() {
		s.client.dropSubscription(s.id)
		if err := s.client.writeFrame(&Frame{Type: FrameFlowCancel, CorrelationID: s.id}); err != nil {
			s.client.logger.Debug("failed to cancel subscription upstream", "subscription_id", s.id, "error", err)
		}
		s.finish(wire.CodeOK, "")
	})
}

// clientReply sends a served query's results back over the link.
type clientReply struct {
	client *Client
	id     string
	done   atomic.Bool
}

// Send implements bridge.ReplyChannel.
func (r *clientReply) Send(resp *wire.Response) error {
	if r.done.Load() {
		return net.ErrClosed
	}
	return r.client.writeFrame(&Frame{
		Type:          FrameQueryResponse,
		CorrelationID: r.id,
		Response:      resp,
	})
}

// Complete implements bridge.ReplyChannel.
func (r *clientReply) Complete() error {
	if r.done.Swap(true) {
		return nil
	}
	r.client.removeInbound(r.id)
	return r.client.writeFrame(&Frame{Type: FrameQueryComplete, CorrelationID: r.id})
}

// CompleteWithError implements bridge.ReplyChannel.
func (r *clientReply) CompleteWithError(code int, message string) error {
	if r.done.Swap(true) {
		return nil
	}
	r.client.removeInbound(r.id)
	return r.client.writeFrame(&Frame{
		Type:          FrameQueryError,
		CorrelationID: r.id,
		ErrorCode:     code,
		ErrorMessage:  message,
	})
}

// clientUpdateChannel sends a served subscription's updates back over the
// link.
type clientUpdateChannel struct {
	client *Client
	id     string
	done   atomic.Bool
}

// SendUpdate implements bridge.UpdateChannel.
func (u *clientUpdateChannel) SendUpdate(update *wire.Update) error {
	if u.done.Load() {
		return net.ErrClosed
	}
	return u.client.writeFrame(&Frame{
		Type:          FrameSubscribeUpdate,
		CorrelationID: u.id,
		Update:        update,
	})
}

// Complete implements bridge.UpdateChannel.
func (u *clientUpdateChannel) Complete() error {
	if u.done.Swap(true) {
		return nil
	}
	u.client.removeInboundSub(u.id)
	return u.client.writeFrame(&Frame{Type: FrameSubscribeComplete, CorrelationID: u.id})
}

// CompleteWithError implements bridge.UpdateChannel.
func (u *clientUpdateChannel) CompleteWithError(code int, message string) error {
	if u.done.Swap(true) {
		return nil
	}
	u.client.removeInboundSub(u.id)
	return u.client.writeFrame(&Frame{
		Type:          FrameSubscribeComplete,
		CorrelationID: u.id,
		ErrorCode:     code,
		ErrorMessage:  message,
	})
}

func (c *Client) removeInbound(id string) {
	c.mu.Lock()
	delete(c.inbound, id)
	c.mu.Unlock()
}

func (c *Client) removeInboundSub(id string) {
	c.mu.Lock()
	delete(c.inboundSubs, id)
	c.mu.Unlock()
}
