// Package tcp wires httpengine over a real net.Conn, dialed fresh for every
// slot that needs one. It is the ConnectionFactory a production pool binds
// to an actual host:port.
package tcp

import (
	"context"
	"net"
	"time"

	"github.com/thushan/hostpool/internal/hostpool"
	"github.com/thushan/hostpool/internal/httpengine"
)

// Factory is a hostpool.ConnectionFactory that dials addr over TCP and
// frames traffic on it via httpengine.
type Factory struct {
	addr   string
	dialer *net.Dialer
}

// NewFactory builds a Factory dialing addr (host:port). dialTimeout bounds
// each individual dial attempt; zero means net.Dialer's default.
func NewFactory(addr string, dialTimeout time.Duration) *Factory {
	return &Factory{
		addr:   addr,
		dialer: &net.Dialer{Timeout: dialTimeout},
	}
}

// Connect implements hostpool.ConnectionFactory.
func (f *Factory) Connect(ctx context.Context) (hostpool.Connection, error) {
	conn, err := f.dialer.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return nil, err
	}
	return httpengine.New(conn), nil
}
