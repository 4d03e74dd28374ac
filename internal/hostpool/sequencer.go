package hostpool

import (
	"github.com/puzpuzpuz/xsync/v4"
)

// sequencer restores admission order across slots. Slots complete requests
// whenever their connection happens to respond, which has no relationship
// to admission order; the sequencer holds completed-but-out-of-turn
// ResponseContexts in a lock-free map (grounded on pkg/eventbus's use of
// xsync.Map for its subscriber table) and flushes them to emit, in order,
// as the frontier advances. complete is only ever called from the pool's
// single event loop goroutine, so the map gives us safe, allocation-light
// storage without asking callers to reason about a mutex they don't need.
type sequencer struct {
	pending *xsync.Map[uint64, ResponseContext]
	next    uint64
	emit    func(ResponseContext)
}

func newSequencer(emit func(ResponseContext)) *sequencer {
	return &sequencer{
		pending: xsync.NewMap[uint64, ResponseContext](),
		emit:    emit,
	}
}

// complete records a finished response and emits it, plus any contiguous
// successors already waiting, if it's now at the front of the queue.
func (s *sequencer) complete(resp ResponseContext) {
	s.pending.Store(resp.Seq, resp)

	for {
		r, ok := s.pending.Load(s.next)
		if !ok {
			return
		}
		s.pending.Delete(s.next)
		s.next++
		s.emit(r)
	}
}

// pendingCount reports how many completed responses are held back waiting
// for an earlier admission to finish. Used by Stats().
func (s *sequencer) pendingCount() int {
	n := 0
	s.pending.Range(func(uint64, ResponseContext) bool {
		n++
		return true
	})
	return n
}
