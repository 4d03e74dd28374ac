// Package direct wires httpengine over an in-process io.Pipe, so a handler
// living in the same process can sit behind a hostpool.Pool without any
// socket. Useful for embedding the pool in front of an http.Handler under
// test, or for a loopback demo that doesn't want a real listener.
package direct

import (
	"context"
	"io"

	"github.com/thushan/hostpool/internal/hostpool"
	"github.com/thushan/hostpool/internal/httpengine"
)

// Handler is anything that can serve one connection's worth of HTTP/1.1
// traffic read off a io.ReadWriteCloser.
type Handler interface {
	ServeConn(rwc io.ReadWriteCloser)
}

// Factory is a hostpool.ConnectionFactory that, on every Connect, spins up
// a fresh in-process pipe and hands one end to handler while wrapping the
// other in an httpengine.Conn.
type Factory struct {
	handler Handler
}

// NewFactory builds a Factory that dispatches accepted connections to handler.
func NewFactory(handler Handler) *Factory {
	return &Factory{handler: handler}
}

// Connect implements hostpool.ConnectionFactory.
func (f *Factory) Connect(ctx context.Context) (hostpool.Connection, error) {
	client, server := newPipe()
	go f.handler.ServeConn(server)
	return httpengine.New(client), nil
}

// pipeConn joins an io.Pipe pair (one for each direction) into a single
// io.ReadWriteCloser endpoint.
type pipeConn struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeConn) Close() error {
	_ = p.r.Close()
	return p.w.Close()
}

// newPipe returns two connected pipeConn endpoints: writes on one surface as
// reads on the other, in both directions.
func newPipe() (client, server io.ReadWriteCloser) {
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	return &pipeConn{r: cr, w: cw}, &pipeConn{r: sr, w: sw}
}
