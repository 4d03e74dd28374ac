// Package httpengine frames hostpool's abstract request/response vocabulary
// onto an HTTP/1.1-shaped wire format over any io.ReadWriteCloser. It knows
// nothing about sockets or dialing; internal/transport's direct and tcp
// substrates hand it a byte stream and get a hostpool.Connection back.
//
// The framing supported is deliberately minimal: a status line, headers,
// and a chunked, Content-Length or framing-free (connection-terminated)
// body. It is
// enough to drive the pool's slot state machine end to end without pulling
// in a full HTTP implementation the pool itself has no use for.
package httpengine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/thushan/hostpool/internal/hostpool"
)

// Conn adapts an io.ReadWriteCloser into a hostpool.Connection.
type Conn struct {
	rwc io.ReadWriteCloser
	br  *bufio.Reader
	bw  *bufio.Writer

	dispatch chan *hostpool.HttpRequest
	events   chan hostpool.ConnectionEvent

	closed    chan struct{}
	closeOnce sync.Once

	// mu guards pendingIsHead, the one piece of dispatch-side state the
	// read loop needs: whether the in-flight request (pipeliningLimit is
	// always 1, so there is at most one) was a HEAD, which per HTTP
	// semantics never carries a body regardless of any declared
	// Content-Length. The write loop sets it before flushing the request;
	// the read loop reads it once the matching response head arrives.
	mu            sync.Mutex
	pendingIsHead bool
}

// New wraps rwc and starts the read and write pumps. rwc is closed when the
// returned Conn is closed.
func New(rwc io.ReadWriteCloser) *Conn {
	c := &Conn{
		rwc:      rwc,
		br:       bufio.NewReader(rwc),
		bw:       bufio.NewWriter(rwc),
		dispatch: make(chan *hostpool.HttpRequest, 1),
		events:   make(chan hostpool.ConnectionEvent, 32),
		closed:   make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *Conn) Dispatch(req *hostpool.HttpRequest) {
	select {
	case c.dispatch <- req:
	case <-c.closed:
	}
}

func (c *Conn) Events() <-chan hostpool.ConnectionEvent { return c.events }

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.rwc.Close()
	})
	return nil
}

func (c *Conn) emit(ev hostpool.ConnectionEvent) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case req := <-c.dispatch:
			if err := c.writeRequest(req); err != nil {
				c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventFailed, Err: err})
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writeRequest(req *hostpool.HttpRequest) error {
	c.mu.Lock()
	c.pendingIsHead = strings.EqualFold(req.Method, "HEAD")
	c.mu.Unlock()

	if _, err := fmt.Fprintf(c.bw, "%s %s HTTP/1.1\r\n", req.Method, req.Path); err != nil {
		return err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			if _, err := fmt.Fprintf(c.bw, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	if _, err := fmt.Fprint(c.bw, "\r\n"); err != nil {
		return err
	}
	if err := c.bw.Flush(); err != nil {
		return err
	}

	if req.Body == nil {
		c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventRequestBodySent})
		return nil
	}
	go c.pumpRequestBody(req.Body)
	return nil
}

// pumpRequestBody uploads the request body independently of the write loop
// so a slow or stalled body source never blocks the next dispatch's framing
// (the pool itself already enforces pipeliningLimit=1, so there is nothing
// else trying to write concurrently).
func (c *Conn) pumpRequestBody(body hostpool.RequestBody) {
	ctx := context.Background()
	for {
		chunk, err := body.Next(ctx)
		if err == io.EOF {
			c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventRequestBodySent})
			return
		}
		if err != nil {
			c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventRequestBodyFailed, Err: err})
			return
		}
		if _, werr := c.bw.Write(chunk); werr != nil {
			c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventRequestBodyFailed, Err: werr})
			return
		}
		if werr := c.bw.Flush(); werr != nil {
			c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventRequestBodyFailed, Err: werr})
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		resp, err := c.readResponseHead()
		if err != nil {
			select {
			case <-c.closed:
			default:
				// A clean EOF at the point a fresh status line was expected
				// is just the peer ending a non-keep-alive exchange without
				// bothering to say so via Connection: close — the same
				// closedByPeer case streamUntilClose reports for a body, not
				// a mid-exchange failure.
				if errors.Is(err, io.EOF) {
					c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventClosedByPeer})
				} else {
					c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventFailed, Err: err})
				}
			}
			return
		}
		c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventResponseStarted, Response: resp})

		c.mu.Lock()
		isHead := c.pendingIsHead
		c.mu.Unlock()

		closedByPeer, err := c.streamEntity(resp, isHead)
		if err != nil {
			c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventFailed, Err: err})
			return
		}

		if closedByPeer || headerHas(resp.Header, "Connection", "close") {
			c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventConnectionClose})
			return
		}
	}
}

func (c *Conn) readResponseHead() (*hostpool.HttpResponse, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("httpengine: malformed status line %q", line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("httpengine: bad status code %q: %w", parts[1], err)
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	header := map[string][]string{}
	for {
		l, err := c.br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		l = strings.TrimRight(l, "\r\n")
		if l == "" {
			break
		}
		kv := strings.SplitN(l, ":", 2)
		if len(kv) != 2 {
			continue
		}
		header[strings.TrimSpace(kv[0])] = append(header[strings.TrimSpace(kv[0])], strings.TrimSpace(kv[1]))
	}
	return &hostpool.HttpResponse{Status: status, Reason: reason, Header: header}, nil
}

// entityReadBufferSize bounds how much of a fixed-length or
// connection-terminated body is read and emitted as a single chunk.
const entityReadBufferSize = 32 * 1024

// streamEntity drains the response body and emits EventEntityChunk/
// EventEntityEnd as it goes, picking the framing the response head
// declares: chunked, fixed-length via Content-Length, or (absent both)
// connection-terminated. HEAD responses carry no body on the wire
// regardless of any declared framing. closedByPeer reports true only for
// the connection-terminated case, where the body's end IS the peer
// closing — the caller must not attempt to read another response head.
func (c *Conn) streamEntity(resp *hostpool.HttpResponse, isHead bool) (closedByPeer bool, err error) {
	if isHead {
		c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventEntityEnd})
		return false, nil
	}
	if headerHas(resp.Header, "Transfer-Encoding", "chunked") {
		return false, c.streamChunked()
	}
	if length, ok := contentLength(resp.Header); ok {
		return false, c.streamFixedLength(length)
	}
	return true, c.streamUntilClose()
}

func (c *Conn) streamChunked() error {
	for {
		sizeLine, err := c.br.ReadString('\n')
		if err != nil {
			return err
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
		if err != nil {
			return fmt.Errorf("httpengine: bad chunk size %q: %w", sizeLine, err)
		}
		if size == 0 {
			if _, err := c.br.ReadString('\n'); err != nil {
				return err
			}
			c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventEntityEnd})
			return nil
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			return err
		}
		if _, err := c.br.ReadString('\n'); err != nil {
			return err
		}
		c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventEntityChunk, Chunk: buf})
	}
}

// streamFixedLength reads exactly length bytes, the framing Content-Length
// promises, in bounded pieces so a large body doesn't force one huge
// allocation.
func (c *Conn) streamFixedLength(length int64) error {
	remaining := length
	for remaining > 0 {
		size := int64(entityReadBufferSize)
		if remaining < size {
			size = remaining
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			return err
		}
		remaining -= size
		c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventEntityChunk, Chunk: buf})
	}
	c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventEntityEnd})
	return nil
}

// streamUntilClose reads until the peer closes the connection, the framing
// a response with neither Transfer-Encoding: chunked nor Content-Length
// declares. EOF here is a normal end of body, not a failure.
func (c *Conn) streamUntilClose() error {
	buf := make([]byte, entityReadBufferSize)
	for {
		n, err := c.br.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventEntityChunk, Chunk: chunk})
		}
		if err == io.EOF {
			c.emit(hostpool.ConnectionEvent{Kind: hostpool.EventEntityEnd})
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// contentLength looks up a well-formed Content-Length header.
func contentLength(h map[string][]string) (int64, bool) {
	for k, vs := range h {
		if !strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func headerHas(h map[string][]string, key, want string) bool {
	for k, vs := range h {
		if !strings.EqualFold(k, key) {
			continue
		}
		for _, v := range vs {
			if strings.EqualFold(strings.TrimSpace(v), want) {
				return true
			}
		}
	}
	return false
}
