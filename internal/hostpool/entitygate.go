package hostpool

import (
	"context"
	"io"
	"sync"
)

// EntityGate wraps one response entity so the pool can observe termination,
// detect first subscription (to cancel the subscription timeout), and
// notify the owning slot exactly once when the entity is fully resolved —
// whether by the consumer draining it, the consumer discarding it, or the
// connection failing mid-stream. HEAD responses are pre-drained: no byte of
// framing is trusted for them even if Content-Length claims otherwise.
type EntityGate struct {
	mu     sync.Mutex
	buf    [][]byte
	err    error
	ended  bool
	notify chan struct{}

	subscribed  bool
	onSubscribe func()

	doneFired bool
	onDone    func(error)
}

// newEntityGate constructs a gate for one response. onSubscribe fires once,
// the first time the consumer engages with the stream. onDone fires once,
// when the entity has fully drained (successfully or with an error) and
// nothing further will ever be delivered.
func newEntityGate(isHead bool, onSubscribe func(), onDone func(error)) *EntityGate {
	g := &EntityGate{
		notify:      make(chan struct{}, 1),
		onSubscribe: onSubscribe,
		onDone:      onDone,
	}
	if isHead {
		g.ended = true
		g.maybeFireDone()
	}
	return g
}

// feedChunk is called only from the pool's event loop as connection events
// arrive; it never blocks.
func (g *EntityGate) feedChunk(b []byte) {
	g.mu.Lock()
	g.buf = append(g.buf, b)
	g.mu.Unlock()
	g.signal()
}

func (g *EntityGate) feedEnd() {
	g.mu.Lock()
	g.ended = true
	g.mu.Unlock()
	g.signal()
	g.maybeFireDone()
}

func (g *EntityGate) feedError(err error) {
	g.mu.Lock()
	if g.err == nil {
		g.err = err
	}
	g.ended = true
	g.mu.Unlock()
	g.signal()
	g.maybeFireDone()
}

func (g *EntityGate) signal() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// Next returns the next chunk, io.EOF at end of stream, or the connection's
// failure if it terminated mid-stream.
func (g *EntityGate) Next(ctx context.Context) ([]byte, error) {
	g.markSubscribed()

	for {
		g.mu.Lock()
		if len(g.buf) > 0 {
			chunk := g.buf[0]
			g.buf = g.buf[1:]
			drained := len(g.buf) == 0
			g.mu.Unlock()
			if drained {
				g.maybeFireDone()
			}
			return chunk, nil
		}
		if g.ended {
			err := g.err
			g.mu.Unlock()
			g.maybeFireDone()
			if err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		g.mu.Unlock()

		select {
		case <-g.notify:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// DiscardBytes consumes and drops the remainder of the stream. It counts as
// subscription even though the consumer never inspects a byte.
func (g *EntityGate) DiscardBytes(ctx context.Context) error {
	g.markSubscribed()
	for {
		_, err := g.Next(ctx)
		switch err {
		case nil:
			continue
		case io.EOF:
			return nil
		default:
			return err
		}
	}
}

func (g *EntityGate) markSubscribed() {
	g.mu.Lock()
	first := !g.subscribed
	g.subscribed = true
	g.mu.Unlock()

	if first && g.onSubscribe != nil {
		g.onSubscribe()
	}
}

func (g *EntityGate) maybeFireDone() {
	g.mu.Lock()
	if g.doneFired || !g.ended || len(g.buf) > 0 {
		g.mu.Unlock()
		return
	}
	g.doneFired = true
	err := g.err
	g.mu.Unlock()

	if g.onDone != nil {
		g.onDone(err)
	}
}
