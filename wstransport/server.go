package wstransport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/sync/errgroup"

	"github.com/mnegacz/querybus/id"
	"github.com/mnegacz/querybus/wire"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerCodec sets the frame codec. Defaults to JSON.
func WithServerCodec(codec wire.Codec) ServerOption {
	return func(s *Server) { s.codec = codec }
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// Server is the routing tier between clients. It tracks which client
// advertises which query name and relays query, response, update and
// flow-control frames between caller and handler, round-robining across
// clients serving the same query.
type Server struct {
	codec  wire.Codec
	logger *slog.Logger

	mu       sync.Mutex
	conns    map[string]*serverConn
	handlers map[string][]string
	rr       map[string]int
	routes   map[string]*route
}

// route remembers which connections sit on each side of a correlation.
type route struct {
	caller string
	target string
}

type serverConn struct {
	id       string
	conn     net.Conn
	writeMu  sync.Mutex
	draining atomic.Bool
}

// NewServer creates a routing-tier server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		codec:    wire.JSONCodec{},
		logger:   slog.Default(),
		conns:    make(map[string]*serverConn),
		handlers: make(map[string][]string),
		rr:       make(map[string]int),
		routes:   make(map[string]*route),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts WebSocket connections on the listener until ctx ends or
// the listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if _, err := ws.Upgrade(conn); err != nil {
				s.logger.Warn("websocket upgrade failed", "error", err)
				_ = conn.Close()
				continue
			}
			sc := s.register(conn)
			g.Go(func() error {
				s.serve(sc)
				return nil
			})
		}
	})
	return g.Wait()
}

func (s *Server) register(conn net.Conn) *serverConn {
	sc := &serverConn{id: id.New(id.PrefixConnection), conn: conn}
	s.mu.Lock()
	s.conns[sc.id] = sc
	s.mu.Unlock()
	s.logger.Info("client connected", "conn_id", sc.id)
	return sc
}

func (s *Server) serve(sc *serverConn) {
	defer s.drop(sc)
	for {
		data, err := wsutil.ReadClientBinary(sc.conn)
		if err != nil {
			return
		}
		var frame Frame
		if err := s.codec.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("dropping undecodable frame", "conn_id", sc.id, "error", err)
			continue
		}
		s.route(sc, &frame)
	}
}

func (s *Server) route(sc *serverConn, frame *Frame) {
	switch frame.Type {
	case FrameRegister:
		if frame.Definition != nil {
			s.addHandler(frame.Definition.QueryName, sc.id)
		}
	case FrameUnregister:
		if frame.Definition != nil {
			s.removeHandler(frame.Definition.QueryName, sc.id)
		}
	case FrameDisconnect:
		sc.draining.Store(true)
		s.removeAllHandlers(sc.id)
	case FrameQuery:
		if frame.Request == nil {
			return
		}
		s.openRoute(sc, frame, frame.Request.QueryName,
			func(corr string) *Frame {
				return &Frame{Type: FrameQueryError, CorrelationID: corr,
					ErrorCode: wire.CodeNoHandler, ErrorMessage: "no handler for " + frame.Request.QueryName}
			})
	case FrameSubscribe:
		if frame.Subscription == nil {
			return
		}
		s.openRoute(sc, frame, frame.Subscription.Request.QueryName,
			func(corr string) *Frame {
				return &Frame{Type: FrameSubscribeComplete, CorrelationID: corr,
					ErrorCode: wire.CodeNoHandler, ErrorMessage: "no handler for " + frame.Subscription.Request.QueryName}
			})
	case FrameQueryResponse, FrameSubscribeUpdate:
		s.forwardToCaller(frame, false)
	case FrameQueryComplete, FrameQueryError, FrameSubscribeComplete:
		s.forwardToCaller(frame, true)
	case FrameFlowRequest:
		s.forwardToTarget(frame, false)
	case FrameFlowCancel:
		s.forwardToTarget(frame, true)
	default:
		s.logger.Warn("dropping frame of unknown type", "conn_id", sc.id, "type", string(frame.Type))
	}
}

// openRoute picks a serving connection for the query name, records the
// correlation and relays the frame. When no handler is available the caller
// gets the refusal frame built by refuse.
func (s *Server) openRoute(caller *serverConn, frame *Frame, queryName string, refuse func(corr string) *Frame) {
	target := s.pickHandler(queryName)
	if target == nil {
		s.send(caller, refuse(frame.CorrelationID))
		return
	}
	s.mu.Lock()
	s.routes[frame.CorrelationID] = &route{caller: caller.id, target: target.id}
	s.mu.Unlock()
	if !s.send(target, frame) {
		s.closeRoute(frame.CorrelationID)
		s.send(caller, refuse(frame.CorrelationID))
	}
}

func (s *Server) forwardToCaller(frame *Frame, terminal bool) {
	s.mu.Lock()
	rt := s.routes[frame.CorrelationID]
	var sc *serverConn
	if rt != nil {
		sc = s.conns[rt.caller]
		if terminal {
			delete(s.routes, frame.CorrelationID)
		}
	}
	s.mu.Unlock()
	if sc != nil {
		s.send(sc, frame)
	}
}

func (s *Server) forwardToTarget(frame *Frame, terminal bool) {
	s.mu.Lock()
	rt := s.routes[frame.CorrelationID]
	var sc *serverConn
	if rt != nil {
		sc = s.conns[rt.target]
		if terminal {
			delete(s.routes, frame.CorrelationID)
		}
	}
	s.mu.Unlock()
	if sc != nil {
		s.send(sc, frame)
	}
}

// pickHandler round-robins across the non-draining connections advertising
// the query name.
func (s *Server) pickHandler(queryName string) *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.handlers[queryName]
	if len(ids) == 0 {
		return nil
	}
	start := s.rr[queryName]
	for i := range ids {
		candidate := ids[(start+i)%len(ids)]
		sc := s.conns[candidate]
		if sc == nil || sc.draining.Load() {
			continue
		}
		s.rr[queryName] = (start + i + 1) % len(ids)
		return sc
	}
	return nil
}

func (s *Server) send(sc *serverConn, frame *Frame) bool {
	data, err := s.codec.Marshal(frame)
	if err != nil {
		s.logger.Error("failed to marshal frame", "error", err)
		return false
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if err := wsutil.WriteServerBinary(sc.conn, data); err != nil {
		s.logger.Warn("failed to relay frame", "conn_id", sc.id, "error", err)
		return false
	}
	return true
}

func (s *Server) addHandler(queryName, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.handlers[queryName] {
		if existing == connID {
			return
		}
	}
	s.handlers[queryName] = append(s.handlers[queryName], connID)
}

func (s *Server) removeHandler(queryName, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.handlers[queryName]
	for i, existing := range ids {
		if existing == connID {
			s.handlers[queryName] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(s.handlers[queryName]) == 0 {
		delete(s.handlers, queryName)
		delete(s.rr, queryName)
	}
}

func (s *Server) removeAllHandlers(connID string) {
	s.mu.Lock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	s.mu.Unlock()
	for _, name := range names {
		s.removeHandler(name, connID)
	}
}

func (s *Server) closeRoute(correlationID string) {
	s.mu.Lock()
	delete(s.routes, correlationID)
	s.mu.Unlock()
}

// drop removes a disconnected client, withdraws its advertisements and
// fails the routes it was serving or awaiting.
func (s *Server) drop(sc *serverConn) {
	_ = sc.conn.Close()
	s.removeAllHandlers(sc.id)

	s.mu.Lock()
	delete(s.conns, sc.id)
	type orphan struct {
		corr   string
		peer   *serverConn
		toCall bool
	}
	var orphans []orphan
	for corr, rt := range s.routes {
		switch sc.id {
		case rt.target:
			if peer := s.conns[rt.caller]; peer != nil {
				orphans = append(orphans, orphan{corr: corr, peer: peer, toCall: true})
			}
			delete(s.routes, corr)
		case rt.caller:
			if peer := s.conns[rt.target]; peer != nil {
				orphans = append(orphans, orphan{corr: corr, peer: peer})
			}
			delete(s.routes, corr)
		}
	}
	s.mu.Unlock()

	for _, o := range orphans {
		if o.toCall {
			s.send(o.peer, &Frame{Type: FrameQueryError, CorrelationID: o.corr,
				ErrorCode: wire.CodeExecution, ErrorMessage: "handler connection lost"})
		} else {
			s.send(o.peer, &Frame{Type: FrameFlowCancel, CorrelationID: o.corr})
		}
	}
	s.logger.Info("client disconnected", "conn_id", sc.id)
}
