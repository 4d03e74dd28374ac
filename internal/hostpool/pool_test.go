package hostpool_test

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thushan/hostpool/internal/hostpool"
	"github.com/thushan/hostpool/internal/transport/memory"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func newTestPool(t *testing.T, cfg hostpool.Config, server *memory.Server) *hostpool.Pool {
	t.Helper()
	p := hostpool.New(cfg, memory.NewFactory(server), nopLogger{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	return p
}

func drainEntity(t *testing.T, e hostpool.EntityStream) string {
	t.Helper()
	var out []byte
	for {
		chunk, err := e.Next(context.Background())
		if err == io.EOF {
			return string(out)
		}
		if err != nil {
			t.Fatalf("entity read: %v", err)
		}
		out = append(out, chunk...)
	}
}

func TestStrictRoundTrip(t *testing.T) {
	server := memory.NewServer()
	p := newTestPool(t, hostpool.Config{MaxConnections: 1, MaxRetries: 0}, server)

	resultCh := make(chan hostpool.ResponseContext, 1)
	go func() {
		resp, err := p.Submit(context.Background(), &hostpool.HttpRequest{Method: "GET", Path: "/simple"})
		resultCh <- resp
		if err != nil {
			t.Errorf("submit: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := server.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	req, err := conn.NextRequest(ctx)
	if err != nil {
		t.Fatalf("next request: %v", err)
	}
	if req.Path != "/simple" {
		t.Fatalf("want /simple, got %q", req.Path)
	}
	conn.RespondStatus(200, "OK", nil)
	conn.SendChunk([]byte("/simple"))
	conn.EndEntity()

	resp := <-resultCh
	if resp.Response.Status != 200 {
		t.Fatalf("want 200, got %d", resp.Response.Status)
	}
	if body := drainEntity(t, resp.Entity); body != "/simple" {
		t.Fatalf("want body /simple, got %q", body)
	}
}

func TestMaxConnectionsParallelism(t *testing.T) {
	server := memory.NewServer()
	p := newTestPool(t, hostpool.Config{MaxConnections: 2, MaxRetries: 0}, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	submit := func(path string) <-chan hostpool.ResponseContext {
		out := make(chan hostpool.ResponseContext, 1)
		go func() {
			resp, _ := p.Submit(context.Background(), &hostpool.HttpRequest{Method: "GET", Path: path})
			out <- resp
		}()
		return out
	}
	expectRequest := func(c *memory.Conn, path string) {
		req, err := c.NextRequest(ctx)
		if err != nil {
			t.Fatalf("next request: %v", err)
		}
		if req.Path != path {
			t.Fatalf("want %s, got %s", path, req.Path)
		}
	}
	complete := func(c *memory.Conn) {
		c.RespondStatus(200, "OK", nil)
		c.EndEntity()
	}

	r1 := submit("/1")
	conn1, err := server.Accept(ctx)
	if err != nil {
		t.Fatalf("accept 1: %v", err)
	}
	expectRequest(conn1, "/1")

	r2 := submit("/2")
	conn2, err := server.Accept(ctx)
	if err != nil {
		t.Fatalf("accept 2: %v", err)
	}
	expectRequest(conn2, "/2")

	r3 := submit("/3")

	// complete conn1's response: /3 must now land on conn1, not a third
	// connection, since maxConnections=2 and conn2 is still busy with /2.
	complete(conn1)
	<-r1
	expectRequest(conn1, "/3")

	complete(conn1)
	<-r3
	complete(conn2)
	<-r2
}

func TestEntityDrainGating(t *testing.T) {
	server := memory.NewServer()
	p := newTestPool(t, hostpool.Config{MaxConnections: 1, MaxRetries: 0}, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r1 := make(chan hostpool.ResponseContext, 1)
	go func() {
		resp, _ := p.Submit(context.Background(), &hostpool.HttpRequest{Method: "GET", Path: "/chunked-1"})
		r1 <- resp
	}()

	conn, err := server.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	req, err := conn.NextRequest(ctx)
	if err != nil || req.Path != "/chunked-1" {
		t.Fatalf("want /chunked-1, got %v err=%v", req, err)
	}
	conn.RespondStatus(200, "OK", nil)
	conn.SendChunk([]byte("part1"))

	resp1 := <-r1

	r2 := make(chan hostpool.ResponseContext, 1)
	go func() {
		resp, _ := p.Submit(context.Background(), &hostpool.HttpRequest{Method: "GET", Path: "/2"})
		r2 <- resp
	}()

	earlyCtx, earlyCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer earlyCancel()
	if req, err := conn.NextRequest(earlyCtx); err == nil {
		t.Fatalf("slot dispatched %v before entity drained", req)
	}

	conn.EndEntity()
	if body := drainEntity(t, resp1.Entity); body != "part1" {
		t.Fatalf("want part1, got %q", body)
	}

	req2, err := conn.NextRequest(ctx)
	if err != nil || req2.Path != "/2" {
		t.Fatalf("want /2 after drain, got %v err=%v", req2, err)
	}
	conn.RespondStatus(200, "OK", nil)
	conn.EndEntity()
	<-r2
}

// TestSubscriptionTimeout covers a delivered response whose entity is never
// subscribed to within the configured window: the gate must fail with
// ResponseEntitySubscriptionTimeoutError rather than hang forever.
func TestSubscriptionTimeout(t *testing.T) {
	server := memory.NewServer()
	p := newTestPool(t, hostpool.Config{
		MaxConnections:                    1,
		MaxRetries:                        0,
		ResponseEntitySubscriptionTimeout: 50 * time.Millisecond,
	}, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan hostpool.ResponseContext, 1)
	go func() {
		resp, _ := p.Submit(context.Background(), &hostpool.HttpRequest{Method: "GET", Path: "/unwatched"})
		resultCh <- resp
	}()

	conn, err := server.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := conn.NextRequest(ctx); err != nil {
		t.Fatalf("next request: %v", err)
	}
	conn.RespondStatus(200, "OK", nil)

	resp := <-resultCh
	if resp.Response.Status != 200 {
		t.Fatalf("want 200, got %d", resp.Response.Status)
	}

	// Deliberately never calling resp.Entity.Next before the timeout: the
	// gate must observe the subscription never happened and fail itself.
	time.Sleep(200 * time.Millisecond)

	_, err = resp.Entity.Next(ctx)
	var timeoutErr *hostpool.ResponseEntitySubscriptionTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("want ResponseEntitySubscriptionTimeoutError, got %v", err)
	}
}

// TestConnectBackoffRecovery covers a slot whose connect attempts fail
// repeatedly, then start succeeding: the request must survive the backoff
// cycle and complete once a connection finally goes through.
func TestConnectBackoffRecovery(t *testing.T) {
	server := memory.NewServer()

	var attempts int32
	server.FailConnectsWith(func() error {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			return errors.New("refused")
		}
		return nil
	})

	p := newTestPool(t, hostpool.Config{
		MaxConnections:        1,
		MaxRetries:            5,
		BaseConnectionBackoff: 10 * time.Millisecond,
		MaxConnectionBackoff:  40 * time.Millisecond,
	}, server)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resultCh := make(chan hostpool.ResponseContext, 1)
	go func() {
		resp, _ := p.Submit(context.Background(), &hostpool.HttpRequest{Method: "GET", Path: "/retry"})
		resultCh <- resp
	}()

	// Only a connect attempt that passes shouldFail ever reaches Accept, so
	// this blocks until the backoff cycle has run its course and the third
	// attempt goes through.
	conn, err := server.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if atomic.LoadInt32(&attempts) < 3 {
		t.Fatalf("want at least 3 connect attempts before success, got %d", attempts)
	}
	req, err := conn.NextRequest(ctx)
	if err != nil || req.Path != "/retry" {
		t.Fatalf("want /retry, got %v err=%v", req, err)
	}
	conn.RespondStatus(200, "OK", nil)
	conn.EndEntity()

	resp := <-resultCh
	if resp.Response.Status != 200 {
		t.Fatalf("want 200, got %d", resp.Response.Status)
	}
}

// TestEarlyConnectionCloseRetried covers a connection that closes before any
// response arrives for the request it was just handed: the pending request
// raced the close and must be retried on a fresh connection rather than
// failed outright.
func TestEarlyConnectionCloseRetried(t *testing.T) {
	server := memory.NewServer()
	p := newTestPool(t, hostpool.Config{MaxConnections: 1, MaxRetries: 1}, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan hostpool.ResponseContext, 1)
	go func() {
		resp, _ := p.Submit(context.Background(), &hostpool.HttpRequest{Method: "GET", Path: "/racy"})
		resultCh <- resp
	}()

	firstConn, err := server.Accept(ctx)
	if err != nil {
		t.Fatalf("accept 1: %v", err)
	}
	if _, err := firstConn.NextRequest(ctx); err != nil {
		t.Fatalf("next request 1: %v", err)
	}

	// The peer vanishes with no response header at all: no EventFailed, no
	// Connection: close, just gone. The slot must requeue the request.
	firstConn.ClosedByPeer()

	secondConn, err := server.Accept(ctx)
	if err != nil {
		t.Fatalf("accept 2 (retry): %v", err)
	}
	req, err := secondConn.NextRequest(ctx)
	if err != nil || req.Path != "/racy" {
		t.Fatalf("want /racy retried, got %v err=%v", req, err)
	}
	secondConn.RespondStatus(200, "OK", nil)
	secondConn.EndEntity()

	resp := <-resultCh
	if resp.Response.Status != 200 {
		t.Fatalf("want 200, got %d", resp.Response.Status)
	}
}

// TestConnectionCloseAfterDrain covers a response that declares
// Connection: close: once its entity drains, the slot closes the
// connection on its own initiative and waits for the substrate to confirm
// the close before reconnecting for the next request.
func TestConnectionCloseAfterDrain(t *testing.T) {
	server := memory.NewServer()
	p := newTestPool(t, hostpool.Config{MaxConnections: 1, MaxRetries: 0}, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r1 := make(chan hostpool.ResponseContext, 1)
	go func() {
		resp, _ := p.Submit(context.Background(), &hostpool.HttpRequest{Method: "GET", Path: "/bye"})
		r1 <- resp
	}()

	firstConn, err := server.Accept(ctx)
	if err != nil {
		t.Fatalf("accept 1: %v", err)
	}
	if _, err := firstConn.NextRequest(ctx); err != nil {
		t.Fatalf("next request 1: %v", err)
	}
	firstConn.RespondStatus(200, "OK", map[string][]string{"Connection": {"close"}})
	firstConn.EndEntity()

	resp1 := <-r1
	if body := drainEntity(t, resp1.Entity); body != "" {
		t.Fatalf("want empty body, got %q", body)
	}

	// The slot has now asked the connection to close on its own side; the
	// substrate confirms the close the way a real peer's FIN would.
	firstConn.CloseGracefully()

	r2 := make(chan hostpool.ResponseContext, 1)
	go func() {
		resp, _ := p.Submit(context.Background(), &hostpool.HttpRequest{Method: "GET", Path: "/again"})
		r2 <- resp
	}()

	secondConn, err := server.Accept(ctx)
	if err != nil {
		t.Fatalf("accept 2: %v", err)
	}
	req, err := secondConn.NextRequest(ctx)
	if err != nil || req.Path != "/again" {
		t.Fatalf("want /again on a fresh connection, got %v err=%v", req, err)
	}
	secondConn.RespondStatus(200, "OK", nil)
	secondConn.EndEntity()

	resp2 := <-r2
	if resp2.Response.Status != 200 {
		t.Fatalf("want 200, got %d", resp2.Response.Status)
	}
}
