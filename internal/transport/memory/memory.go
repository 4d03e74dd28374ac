// Package memory is an in-process hostpool.ConnectionFactory substrate: no
// socket, no framing, just channels. It exists for tests and for embedding
// a pool directly in front of an in-process handler, the same role the
// teacher's channel-backed fakes play for its adapter test suites.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/thushan/hostpool/internal/hostpool"
)

// Server is the test- or handler-facing side of an in-memory host. Each
// connection attempt made through a Factory bound to this Server produces
// one accepted conn, delivered via Accept.
type Server struct {
	accept chan *conn

	mu      sync.Mutex
	failure func() error
}

// NewServer creates a Server with no connections yet accepted.
func NewServer() *Server {
	return &Server{accept: make(chan *conn, 16)}
}

// FailConnectsWith installs a hook consulted on every Factory.Connect
// attempt; while it returns a non-nil error, attempts fail with that error
// instead of succeeding. Pass nil to stop failing attempts.
func (s *Server) FailConnectsWith(hook func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = hook
}

func (s *Server) shouldFail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		return nil
	}
	return s.failure()
}

// Accept blocks until a connection attempt arrives or ctx is done.
func (s *Server) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-s.accept:
		return &Conn{c}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Factory is a hostpool.ConnectionFactory backed by a Server.
type Factory struct {
	server *Server
}

// NewFactory builds a Factory whose connections are accepted on server.
func NewFactory(server *Server) *Factory {
	return &Factory{server: server}
}

// Connect implements hostpool.ConnectionFactory.
func (f *Factory) Connect(ctx context.Context) (hostpool.Connection, error) {
	if err := f.server.shouldFail(); err != nil {
		return nil, err
	}
	c := newConn()
	select {
	case f.server.accept <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c, nil
}

// conn is the client (pool) side of one in-memory connection.
type conn struct {
	dispatch  chan *hostpool.HttpRequest
	events    chan hostpool.ConnectionEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn() *conn {
	return &conn{
		dispatch: make(chan *hostpool.HttpRequest, 1),
		events:   make(chan hostpool.ConnectionEvent, 32),
		closed:   make(chan struct{}),
	}
}

func (c *conn) Dispatch(req *hostpool.HttpRequest) {
	select {
	case c.dispatch <- req:
	case <-c.closed:
	}
}

func (c *conn) Events() <-chan hostpool.ConnectionEvent { return c.events }

func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *conn) emit(ev hostpool.ConnectionEvent) {
	// Deliver whenever the buffer has room, even after the pool closed its
	// side, so a server-side confirmation such as CloseGracefully is not
	// dropped at random.
	select {
	case c.events <- ev:
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// Conn is the server-facing handle returned by Server.Accept. It drives the
// same underlying conn the pool is talking to, from the other direction.
type Conn struct{ *conn }

// NextRequest returns the next request the pool dispatched on this
// connection.
func (c *Conn) NextRequest(ctx context.Context) (*hostpool.HttpRequest, error) {
	select {
	case req := <-c.dispatch:
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

// RespondStatus emits the status line and headers for the current request.
func (c *Conn) RespondStatus(status int, reason string, header map[string][]string) {
	c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventResponseStarted, Response: &hostpool.HttpResponse{Status: status, Reason: reason, Header: header}})
}

// SendChunk emits one chunk of the response entity.
func (c *Conn) SendChunk(b []byte) {
	c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventEntityChunk, Chunk: b})
}

// EndEntity marks end-of-stream for the response entity.
func (c *Conn) EndEntity() {
	c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventEntityEnd})
}

// Fail aborts the connection abnormally.
func (c *Conn) Fail(err error) {
	c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventFailed, Err: err})
}

// CloseGracefully signals a Connection: close style shutdown, confirmed.
func (c *Conn) CloseGracefully() {
	c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventConnectionClose})
}

// ClosedByPeer signals the server closing an otherwise-idle connection
// without having sent a close header.
func (c *Conn) ClosedByPeer() {
	c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventClosedByPeer})
}
