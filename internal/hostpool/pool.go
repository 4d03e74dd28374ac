package hostpool

import (
	"context"
	"time"

	"github.com/thushan/hostpool/pkg/eventbus"
)

// Pool multiplexes a stream of HttpRequests onto a bounded set of
// connections to a single host. Every field below is touched only from the
// run loop goroutine; Submit and Shutdown communicate with it exclusively
// through channels, so nothing here needs a mutex.
type Pool struct {
	cfg     Config
	factory ConnectionFactory
	logger  Logger

	slots      []*Slot
	dispatcher *dispatcher
	backoff    *BackoffController
	timers     *TimerService
	sequencer  *sequencer
	metrics    metrics
	eventBus   *eventbus.EventBus[PoolEvent]

	nextSeq uint64

	// timerOwners maps a scheduled TimerID back to the slot and purpose it
	// was armed for, since TimerService only ever hands back the ID.
	timerOwners map[TimerID]timerOwner

	events    chan any
	submitCh  chan *RequestContext
	resultsCh chan ResponseContext
	stopped   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	shuttingDown bool
}

type timerOwner struct {
	slotIdx int
	kind    timerKind
}

type timerKind int

const (
	timerKindBackoff timerKind = iota
	timerKindKeepAlive
	timerKindSubscription
)

// New constructs a Pool against factory with cfg and starts its event loop.
// The returned Pool must eventually be shut down with Shutdown.
func New(cfg Config, factory ConnectionFactory, logger Logger) *Pool {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		cfg:         cfg,
		factory:     factory,
		logger:      logger,
		dispatcher:  newDispatcher(cfg),
		backoff:     NewBackoffController(cfg.BaseConnectionBackoff, cfg.MaxConnectionBackoff),
		eventBus:    eventbus.New[PoolEvent](),
		timerOwners: make(map[TimerID]timerOwner),
		events:      make(chan any, 256),
		submitCh:    make(chan *RequestContext),
		resultsCh:   make(chan ResponseContext, cfg.MaxConnections+cfg.QueueDepth+1),
		stopped:     make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	p.sequencer = newSequencer(func(rc ResponseContext) {
		select {
		case p.resultsCh <- rc:
		default:
		}
	})
	p.timers = NewTimerService(func(id TimerID) { p.post(timerFired{id: id}) })

	p.slots = make([]*Slot, cfg.MaxConnections)
	for i := range p.slots {
		p.slots[i] = newSlot(i, p)
	}

	go p.run()
	return p
}

// post delivers an internally generated event to the loop, without blocking
// forever if the pool has already shut down.
func (p *Pool) post(ev any) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}

// --- event payloads -------------------------------------------------------

type connectResult struct {
	slotIdx int
	conn    Connection
	err     error
}

type connEventMsg struct {
	slotIdx int
	ev      ConnectionEvent
}

type timerFired struct{ id TimerID }

type entitySubscribed struct{ slotIdx int }

type entityDone struct {
	slotIdx int
	err     error
}

type shutdownRequest struct {
	forced bool
	done   chan struct{}
}

// --- run loop --------------------------------------------------------------

func (p *Pool) run() {
	defer close(p.stopped)
	p.dispatcher.maintainMinConnections(p.slots, p.startWarm)

	for {
		var submitCh chan *RequestContext
		if !p.shuttingDown && p.dispatcher.hasCapacity(p.slots) {
			submitCh = p.submitCh
		}

		select {
		case req := <-submitCh:
			req.seq = p.nextSeq
			p.nextSeq++
			p.dispatcher.admit(p.slots, req, p.assignIdle, p.openSlot)

		case ev := <-p.events:
			p.handle(ev)

		case <-p.ctx.Done():
			p.drainShutdown(true)
			return
		}

		if p.shuttingDown && p.allSlotsQuiescent() {
			p.finishShutdown()
			return
		}
	}
}

func (p *Pool) handle(ev any) {
	switch e := ev.(type) {
	case connectResult:
		p.slots[e.slotIdx].onConnectResult(e.conn, e.err)
	case connEventMsg:
		p.slots[e.slotIdx].onConnEvent(e.ev)
	case timerFired:
		p.deliverTimer(e.id)
	case entitySubscribed:
		p.slots[e.slotIdx].onEntitySubscribed()
	case entityDone:
		p.slots[e.slotIdx].onEntityDone(e.err)
	case shutdownRequest:
		p.beginShutdown(e.forced)
		close(e.done)
	case statsRequest:
		e.reply <- p.snapshotStats()
	}
}

func (p *Pool) snapshotStats() Stats {
	st := Stats{
		QueueDepth:        p.dispatcher.queueDepth(),
		PendingOutOfOrder: p.sequencer.pendingCount(),
		TotalDispatched:   p.metrics.dispatched.Load(),
		TotalRetried:      p.metrics.retried.Load(),
		TotalFailed:       p.metrics.failed.Load(),
		ConnectsAttempted: p.metrics.connectsAttempted.Load(),
		ConnectsFailed:    p.metrics.connectsFailed.Load(),
	}
	for _, s := range p.slots {
		switch s.state {
		case StateUnconnected:
			st.SlotsUnconnected++
		case StateConnecting:
			st.SlotsConnecting++
		case StateIdle:
			st.SlotsIdle++
		case StateFailed:
			st.SlotsFailed++
		default:
			st.SlotsBusy++
		}
	}
	return st
}

func (p *Pool) deliverTimer(id TimerID) {
	owner, ok := p.timerOwners[id]
	if !ok {
		return
	}
	delete(p.timerOwners, id)
	slot := p.slots[owner.slotIdx]
	switch owner.kind {
	case timerKindBackoff:
		slot.onBackoffElapsed()
		p.dispatcher.maintainMinConnections(p.slots, p.startWarm)
	case timerKindKeepAlive:
		slot.onKeepAliveExpired()
	case timerKindSubscription:
		slot.onSubscriptionTimeout()
	}
}

// --- slot-facing helpers invoked from the loop -----------------------------

func (p *Pool) assignIdle(slot *Slot, req *RequestContext) { slot.assign(req) }
func (p *Pool) openSlot(slot *Slot, req *RequestContext)   { slot.assign(req) }
func (p *Pool) startWarm(slot *Slot)                       { slot.warmConnect() }

// onSlotAvailable gives slot first claim on the overflow queue, whether it
// just finished an exchange (Idle) or just came back from a failed or
// keep-alive-expired connection (Unconnected) — both are slots ready to pick
// up the next queued request rather than sit empty until a fresh Submit
// happens to reach the dispatcher.
func (p *Pool) onSlotAvailable(slot *Slot) {
	p.dispatcher.onSlotIdle(slot, p.assignIdle)
}

func (p *Pool) requeue(req *RequestContext) {
	p.dispatcher.requeueFront(req)
}

func (p *Pool) completeRequest(req *RequestContext, resp ResponseContext) {
	resp.Seq = req.seq
	if resp.Err != nil {
		p.metrics.failed.Inc()
	}
	p.sequencer.complete(resp)
	select {
	case req.done <- resp:
	default:
	}
}

func (p *Pool) attemptConnect(slotIdx int) {
	p.metrics.connectsAttempted.Inc()
	p.publishEvent(PoolEvent{Kind: PoolEventConnectAttempt, Slot: slotIdx})
	ctx := p.ctx
	go func() {
		conn, err := p.factory.Connect(ctx)
		select {
		case p.events <- connectResult{slotIdx: slotIdx, conn: conn, err: err}:
		case <-ctx.Done():
		}
	}()
}

// publishEvent broadcasts a PoolEvent to every Events subscriber. Delivery
// is async and best-effort: a slow or absent subscriber never blocks the
// run loop.
func (p *Pool) publishEvent(ev PoolEvent) {
	p.eventBus.PublishAsync(ev)
}

func (p *Pool) pumpConnEvents(slotIdx int, conn Connection) {
	go func() {
		for ev := range conn.Events() {
			select {
			case p.events <- connEventMsg{slotIdx: slotIdx, ev: ev}:
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

// scheduleTimer is how Slot methods actually arm a timer; it records
// ownership so deliverTimer can route the firing back to the right method.
func (p *Pool) scheduleTimer(slotIdx int, kind timerKind, d time.Duration) TimerID {
	id := p.timers.Schedule(d)
	if id != 0 {
		p.timerOwners[id] = timerOwner{slotIdx: slotIdx, kind: kind}
	}
	return id
}

// cancelTimer cancels a previously scheduled timer and forgets its owner.
func (p *Pool) cancelTimer(id TimerID) {
	p.timers.Cancel(id)
	delete(p.timerOwners, id)
}

// --- public API --------------------------------------------------------

// Submit admits req with the pool's default retry budget and blocks until a
// ResponseContext is available, ctx is done, or the pool shuts down.
func (p *Pool) Submit(ctx context.Context, req *HttpRequest) (ResponseContext, error) {
	return p.SubmitWithBudget(ctx, req, p.cfg.MaxRetries)
}

// SubmitWithBudget is Submit with an explicit per-request retry budget.
func (p *Pool) SubmitWithBudget(ctx context.Context, req *HttpRequest, retryBudget uint32) (ResponseContext, error) {
	rc := &RequestContext{Request: req, RetryBudget: retryBudget, done: make(chan ResponseContext, 1)}

	select {
	case p.submitCh <- rc:
	case <-ctx.Done():
		return ResponseContext{}, ctx.Err()
	case <-p.stopped:
		return ResponseContext{}, &PoolShutdownError{}
	}

	select {
	case resp := <-rc.done:
		if resp.Err != nil {
			return resp, resp.Err
		}
		return resp, nil
	case <-ctx.Done():
		return ResponseContext{}, ctx.Err()
	case <-p.stopped:
		return ResponseContext{}, &PoolShutdownError{}
	}
}

// Results exposes completed ResponseContexts in strict admission order,
// independent of which slot actually served each one. Most callers only
// need the ResponseContext Submit already returns them; Results is for a
// consumer that wants to observe the pool's output as a single ordered
// stream, e.g. for logging or replaying traffic. The channel is bounded and
// lossy under backpressure: an unread Results stream never stalls Submit.
func (p *Pool) Results() <-chan ResponseContext {
	return p.resultsCh
}

// Events subscribes to the pool's broadcast observability stream: slot
// transitions, connect attempts and failures, dispatches. Unlike Results,
// every subscriber gets its own copy and a slow one only drops events for
// itself. Call the returned cleanup func once done, or cancel ctx.
func (p *Pool) Events(ctx context.Context) (<-chan PoolEvent, func()) {
	return p.eventBus.Subscribe(ctx)
}

// Stats returns a point-in-time snapshot of pool activity.
func (p *Pool) Stats() Stats {
	done := make(chan Stats, 1)
	p.post(statsRequest{reply: done})
	select {
	case s := <-done:
		return s
	case <-p.stopped:
		return Stats{}
	}
}

type statsRequest struct{ reply chan Stats }

// Shutdown stops accepting new requests and waits for in-flight requests to
// drain, up to ctx's deadline, before force-aborting whatever remains.
func (p *Pool) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	p.post(shutdownRequest{forced: false, done: done})
	select {
	case <-done:
	case <-ctx.Done():
	}
	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.stopped
		return ctx.Err()
	}
}

// ForceShutdown aborts every slot and fails every in-flight request
// immediately, without waiting for anything to drain.
func (p *Pool) ForceShutdown() {
	p.cancel()
	<-p.stopped
}

func (p *Pool) beginShutdown(forced bool) {
	p.shuttingDown = true
	if forced {
		p.abortAll(true)
	}
}

func (p *Pool) drainShutdown(forced bool) {
	p.abortAll(forced)
}

func (p *Pool) finishShutdown() {
	for _, s := range p.slots {
		if s.conn != nil {
			s.conn.Close()
		}
	}
	p.timers.Stop()
	p.eventBus.Shutdown()
}

func (p *Pool) abortAll(forced bool) {
	for _, s := range p.slots {
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		if s.pending != nil {
			req := s.pending
			s.pending = nil
			p.completeRequest(req, ResponseContext{Err: &PoolShutdownError{Forced: forced}})
		}
		s.state = StateFailed
	}
	for len(p.dispatcher.queue) > 0 {
		req := p.dispatcher.queue[0]
		p.dispatcher.queue = p.dispatcher.queue[1:]
		p.completeRequest(req, ResponseContext{Err: &PoolShutdownError{Forced: forced}})
	}
}

// allSlotsQuiescent reports whether no request is currently admitted or
// in flight anywhere in the pool. Idle slots with a live, unused connection
// still count as quiescent; finishShutdown closes those connections itself.
func (p *Pool) allSlotsQuiescent() bool {
	if len(p.dispatcher.queue) != 0 {
		return false
	}
	for _, s := range p.slots {
		if s.pending != nil {
			return false
		}
		if s.state == StateConnecting {
			return false
		}
	}
	return true
}
