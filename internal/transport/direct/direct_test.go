package direct_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/thushan/hostpool/internal/hostpool"
	"github.com/thushan/hostpool/internal/transport/direct"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// echoHandler answers every request with a Content-Length-framed body
// naming the path it was asked for, proving the in-process substrate
// carries a real HTTP/1.1 exchange end to end with no socket involved. It
// deliberately leaves the pipe open after responding: Shutdown closes it,
// the same as an idle keep-alive connection waiting on its next request.
type echoHandler struct{}

func (echoHandler) ServeConn(rwc io.ReadWriteCloser) {
	br := bufio.NewReader(rwc)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
		if len(parts) < 2 {
			return
		}
		path := parts[1]
		for {
			l, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if strings.TrimRight(l, "\r\n") == "" {
				break
			}
		}

		body := fmt.Sprintf("served %s", path)
		if _, err := fmt.Fprintf(rwc, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body); err != nil {
			return
		}
	}
}

func TestDirectFactoryRoundTrip(t *testing.T) {
	p := hostpool.New(hostpool.Config{MaxConnections: 1, MaxRetries: 0}, direct.NewFactory(echoHandler{}), nopLogger{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := p.Submit(ctx, &hostpool.HttpRequest{Method: "GET", Path: "/ping"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Response.Status != 200 {
		t.Fatalf("want 200, got %d", resp.Response.Status)
	}

	var out []byte
	for {
		chunk, err := resp.Entity.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("entity read: %v", err)
		}
		out = append(out, chunk...)
	}
	if string(out) != "served /ping" {
		t.Fatalf("want %q, got %q", "served /ping", out)
	}
}

// TestDirectFactoryKeepsConnectionWarm drives two requests across the same
// handler goroutine, confirming the in-process substrate round-trips a
// Content-Length body without corrupting the next request's framing —
// exactly the keep-alive hazard the fixed-length reader exists to avoid.
func TestDirectFactoryKeepsConnectionWarm(t *testing.T) {
	p := hostpool.New(hostpool.Config{MaxConnections: 1, MaxRetries: 0}, direct.NewFactory(echoHandler{}), nopLogger{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, path := range []string{"/first", "/second"} {
		resp, err := p.Submit(ctx, &hostpool.HttpRequest{Method: "GET", Path: path})
		if err != nil {
			t.Fatalf("submit %s: %v", path, err)
		}
		var out []byte
		for {
			chunk, err := resp.Entity.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("entity read %s: %v", path, err)
			}
			out = append(out, chunk...)
		}
		want := "served " + path
		if string(out) != want {
			t.Fatalf("want %q, got %q", want, out)
		}
	}
}
