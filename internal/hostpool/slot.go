package hostpool

import (
	"errors"
	"strings"
	"time"
)

// Slot is a pool-owned lane that carries at most one connection and serves
// at most one in-flight request at a time. Every method on Slot is called
// only from the owning Pool's event loop; state is otherwise never touched
// concurrently, which is why none of these fields are guarded by a mutex.
//
// Transitions are organised as the design calls for: a tagged state plus a
// handful of event handlers, each a total function from (state, event) to a
// new state and a list of side effects (here, direct calls back into the
// pool rather than a returned action list, since the pool is the loop).
type Slot struct {
	idx   int
	pool  *Pool
	state SlotState

	// lastActivity is stamped on every state transition (setState) and
	// read back by IdleFor, the teacher's StatusTransitionTracker pattern
	// of a timestamp plus a duration-since helper, applied here to drive
	// keep-alive bookkeeping instead of health-check scheduling.
	lastActivity time.Time

	conn Connection

	pending *RequestContext
	entity  *EntityGate

	backoffAttempts int
	backoffTimer    TimerID
	subTimer        TimerID
	keepAliveTimer  TimerID

	bodyPending      bool // request body still streaming when response arrived
	entitySubscribed bool
	entityDone       bool
	closeAfterDrain  bool // response carried Connection: close
}

func newSlot(idx int, p *Pool) *Slot {
	return &Slot{idx: idx, pool: p, state: StateUnconnected, lastActivity: time.Now()}
}

// IdleFor reports how long it has been since this slot last transitioned
// state. For a slot sitting in StateIdle this is how long it has gone
// unused; callers driving keep-alive policy read it to decide whether a
// connection is due for a proactive close.
func (s *Slot) IdleFor() time.Duration {
	return time.Since(s.lastActivity)
}

// setState is the single funnel every transition goes through, so the
// pool's styled logger and eventbus observers see a consistent trail
// without every call site having to remember to report it.
func (s *Slot) setState(next SlotState) {
	prev := s.state
	s.state = next
	s.lastActivity = time.Now()
	if prev == next {
		return
	}
	s.pool.logger.Debug("slot transition", "slot", s.idx, "from", prev.String(), "to", next.String())
	s.pool.publishEvent(PoolEvent{Kind: PoolEventSlotTransition, Slot: s.idx, From: prev, To: next})
}

// assign hands req to this slot. The slot must be Idle or Unconnected; the
// dispatcher never offers to any other state.
func (s *Slot) assign(req *RequestContext) {
	switch s.state {
	case StateIdle:
		s.dispatch(req)
	case StateUnconnected:
		s.connectAndDispatch(req)
	default:
		// A racy offer landed on a slot the dispatcher's view was stale
		// about. Put it back; the next loop iteration will pick a slot
		// whose state is still accurate.
		s.pool.dispatcher.requeueFront(req)
	}
}

// connectAndDispatch begins a connect attempt with req pre-assigned: it will
// be dispatched the moment the connection succeeds.
func (s *Slot) connectAndDispatch(req *RequestContext) {
	s.setState(StateConnecting)
	s.pending = req
	s.pool.attemptConnect(s.idx)
}

// warmConnect begins a connect attempt with no request attached, satisfying
// minConnections ahead of demand.
func (s *Slot) warmConnect() {
	s.setState(StateConnecting)
	s.pending = nil
	s.pool.attemptConnect(s.idx)
}

// onConnectResult handles the outcome of the factory attempt started by
// connectAndDispatch or warmConnect.
func (s *Slot) onConnectResult(conn Connection, err error) {
	if err != nil {
		s.onConnectFailed(err)
		return
	}

	s.conn = conn
	s.backoffAttempts = 0
	s.pool.pumpConnEvents(s.idx, conn)

	if s.pending != nil {
		s.dispatch(s.pending)
		return
	}
	s.becomeIdle()
}

func (s *Slot) onConnectFailed(err error) {
	s.pool.metrics.connectsFailed.Inc()
	s.pool.publishEvent(PoolEvent{Kind: PoolEventConnectFailed, Slot: s.idx, Err: err})
	failure := &ConnectFailedError{Attempt: s.backoffAttempts + 1, Cause: err}

	req := s.pending
	s.pending = nil
	s.enterFailed(failure)

	if req == nil {
		return
	}
	if req.RetryBudget > 0 && !req.bodyObserved {
		req.RetryBudget--
		s.pool.metrics.retried.Inc()
		s.pool.requeue(req)
		return
	}
	s.pool.completeRequest(req, ResponseContext{Err: failure})
}

// dispatch pushes req onto an already-open connection. The slot must be
// Idle (prior entity drained, or HEAD-drained, or a fresh connect).
func (s *Slot) dispatch(req *RequestContext) {
	s.setState(StateWaitingForResponse)
	s.pending = req
	s.bodyPending = req.Request.Body != nil
	if s.bodyPending {
		// The connection starts writing the body as soon as it has the
		// request, so a retry from here on could resend a partial body.
		req.bodyObserved = true
	}
	s.entitySubscribed = false
	s.entityDone = false
	s.closeAfterDrain = false
	s.cancelKeepAlive()
	s.conn.Dispatch(req.Request)
	s.pool.metrics.dispatched.Inc()
	s.pool.publishEvent(PoolEvent{Kind: PoolEventRequestDispatched, Slot: s.idx})
}

func (s *Slot) onConnEvent(ev ConnectionEvent) {
	switch ev.Kind {
	case EventResponseStarted:
		s.onResponseStarted(ev.Response)
	case EventEntityChunk:
		if s.entity != nil {
			s.entity.feedChunk(ev.Chunk)
		}
	case EventEntityEnd:
		if s.entity != nil {
			s.entity.feedEnd()
		}
	case EventRequestBodySent:
		s.onRequestBodyResolved(nil)
	case EventRequestBodyFailed:
		s.onRequestBodyResolved(ev.Err)
	case EventClosedByPeer, EventConnectionClose:
		s.onConnectionClosed()
	case EventFailed:
		s.onConnectionFailed(ev.Err)
	}
}

func (s *Slot) onResponseStarted(resp *HttpResponse) {
	req := s.pending
	isHead := req != nil && strings.EqualFold(req.Request.Method, "HEAD")
	s.closeAfterDrain = headerSaysClose(resp.Header)

	gate := newEntityGate(isHead,
		func() { s.pool.post(entitySubscribed{slotIdx: s.idx}) },
		func(err error) { s.pool.post(entityDone{slotIdx: s.idx, err: err}) },
	)
	s.entity = gate

	if req != nil {
		s.pool.completeRequest(req, ResponseContext{Response: resp, Entity: gate})
	}

	if s.pool.cfg.ResponseEntitySubscriptionTimeout > 0 {
		s.subTimer = s.pool.scheduleTimer(s.idx, timerKindSubscription, s.pool.cfg.ResponseEntitySubscriptionTimeout)
	}

	if s.bodyPending {
		s.setState(StateWaitingForEndOfRequestEntity)
	} else {
		s.setState(StateWaitingForResponseEntitySubscription)
	}
}

// onRequestBodyResolved handles the request body source finishing, either
// successfully (err nil) or by failing. Only meaningful while a request is
// in flight; a body finishing after the slot has moved on is a no-op.
func (s *Slot) onRequestBodyResolved(err error) {
	if s.pending == nil {
		return
	}

	if err != nil {
		// The request entity failed. If the response hasn't started yet
		// this is a fresh failure for that RequestContext; if it has,
		// the response was already delivered and must not be re-reported.
		req := s.pending
		s.pending = nil
		wrapped := &RequestEntityFailedError{Method: req.Request.Method, Path: req.Request.Path, Cause: err}

		responseAlreadyDelivered := s.state == StateWaitingForEndOfRequestEntity
		if s.entity != nil {
			s.entity.feedError(wrapped)
		}
		s.enterFailed(wrapped)
		if !responseAlreadyDelivered {
			s.pool.completeRequest(req, ResponseContext{Err: wrapped})
		}
		return
	}

	s.bodyPending = false
	if s.state == StateWaitingForEndOfRequestEntity {
		if s.entitySubscribed {
			s.setState(StateWaitingForEndOfResponseEntity)
		} else {
			s.setState(StateWaitingForResponseEntitySubscription)
		}
	}
	s.tryBecomeIdle()
}

func (s *Slot) onEntitySubscribed() {
	s.entitySubscribed = true
	s.pool.cancelTimer(s.subTimer)
	if s.state == StateWaitingForResponseEntitySubscription {
		s.setState(StateWaitingForEndOfResponseEntity)
	}
}

func (s *Slot) onEntityDone(err error) {
	s.entityDone = true
	s.tryBecomeIdle()
}

// tryBecomeIdle transitions to Idle once both halves of the current
// exchange — the request body upload and the response entity — have
// resolved. It is the single funnel every path that can complete an
// exchange routes through.
func (s *Slot) tryBecomeIdle() {
	if s.bodyPending || !s.entityDone {
		return
	}
	if s.state == StateFailed {
		return
	}
	if s.closeAfterDrain {
		s.conn.Close()
		// Wait for the connection to confirm closure via a conn event;
		// transitionToUnconnected runs from onConnectionClosed.
		return
	}
	s.becomeIdle()
}

func (s *Slot) becomeIdle() {
	s.setState(StateIdle)
	s.pending = nil
	s.entity = nil
	s.bodyPending = false
	s.entitySubscribed = false
	s.entityDone = false
	s.closeAfterDrain = false
	if s.pool.cfg.KeepAliveTimeout > 0 {
		s.keepAliveTimer = s.pool.scheduleTimer(s.idx, timerKindKeepAlive, s.pool.cfg.KeepAliveTimeout)
	}
	s.pool.onSlotAvailable(s)
}

// onConnectionClosed handles the connection ending without EventFailed —
// either a graceful Connection: close sequence we initiated, or the server
// closing an otherwise-idle keep-alive connection on its own.
func (s *Slot) onConnectionClosed() {
	if s.entity != nil && !s.entityDone {
		// The connection vanished with a response entity still open. This
		// is functionally a mid-stream failure even though no explicit
		// EventFailed arrived: fail the entity, don't re-report the
		// already-delivered response.
		s.onConnectionFailed(errors.New("connection closed before entity drained"))
		return
	}

	racedReq := s.pendingRacedRequest()
	s.transitionToUnconnected()
	if racedReq == nil {
		return
	}
	if racedReq.RetryBudget > 0 && !racedReq.bodyObserved {
		racedReq.RetryBudget--
		s.pool.metrics.retried.Inc()
		s.pool.requeue(racedReq)
		// transitionToUnconnected already gave this slot first crack at the
		// queue before racedReq landed back on it; take a second look now
		// that it's there.
		s.pool.onSlotAvailable(s)
		return
	}
	failure := &ConnectionFailedError{
		Method: racedReq.Request.Method,
		Path:   racedReq.Request.Path,
		Cause:  errors.New("connection closed before response"),
	}
	s.pool.completeRequest(racedReq, ResponseContext{Err: failure})
}

func (s *Slot) onConnectionFailed(err error) {
	req := s.pending
	s.pending = nil
	failure := &ConnectionFailedError{Cause: err}
	if req != nil {
		failure.Method = req.Request.Method
		failure.Path = req.Request.Path
	}

	switch {
	case s.entity != nil && (s.state == StateWaitingForEndOfResponseEntity ||
		s.state == StateWaitingForResponseEntitySubscription ||
		s.state == StateWaitingForEndOfRequestEntity):
		// Response already delivered; fail the entity, don't re-report.
		failure.ResponseDelivered = true
		s.entity.feedError(failure)
		s.enterFailed(failure)
	case req != nil && req.RetryBudget > 0 && !req.bodyObserved:
		s.enterFailed(failure)
		req.RetryBudget--
		s.pool.metrics.retried.Inc()
		s.pool.requeue(req)
	case req != nil:
		s.enterFailed(failure)
		s.pool.completeRequest(req, ResponseContext{Err: failure})
	default:
		s.enterFailed(failure)
	}
}

// onSubscriptionTimeout fires when the downstream consumer never engaged
// with a delivered response entity within the configured window.
func (s *Slot) onSubscriptionTimeout() {
	if s.entity == nil || s.entitySubscribed {
		return
	}
	req := s.pending
	s.pending = nil
	var method, path string
	if req != nil {
		method, path = req.Request.Method, req.Request.Path
	}
	err := &ResponseEntitySubscriptionTimeoutError{
		Timeout: s.pool.cfg.ResponseEntitySubscriptionTimeout.String(),
		Method:  method,
		Path:    path,
	}
	s.entity.feedError(err)
	s.enterFailed(err)
}

func (s *Slot) onKeepAliveExpired() {
	if s.state != StateIdle {
		return
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.transitionToUnconnected()
}

func (s *Slot) onBackoffElapsed() {
	if s.state != StateFailed {
		return
	}
	s.setState(StateUnconnected)
	s.pool.onSlotAvailable(s)
}

func (s *Slot) enterFailed(cause error) {
	if s.conn != nil {
		s.conn.Close()
	}
	s.setState(StateFailed)
	s.conn = nil
	s.cancelTimers()
	s.backoffTimer = s.pool.scheduleTimer(s.idx, timerKindBackoff, s.pool.backoff.Delay(s.backoffAttempts+1))
	s.backoffAttempts++
	s.pool.logger.Warn("slot failed", "slot", s.idx, "cause", cause)
}

func (s *Slot) transitionToUnconnected() {
	s.conn = nil
	s.pending = nil
	s.setState(StateUnconnected)
	s.entity = nil
	s.cancelTimers()
	s.pool.onSlotAvailable(s)
	s.pool.dispatcher.maintainMinConnections(s.pool.slots, s.pool.startWarm)
}

// pendingRacedRequest returns (and clears) a request that was assigned to
// this slot but never got as far as a response, just before the connection
// closed out from under it.
func (s *Slot) pendingRacedRequest() *RequestContext {
	if s.state == StateWaitingForResponse {
		req := s.pending
		s.pending = nil
		return req
	}
	return nil
}

func (s *Slot) cancelTimers() {
	s.pool.cancelTimer(s.subTimer)
	s.cancelKeepAlive()
}

func (s *Slot) cancelKeepAlive() {
	s.pool.cancelTimer(s.keepAliveTimer)
}

func headerSaysClose(h map[string][]string) bool {
	for k, vs := range h {
		if !strings.EqualFold(k, "Connection") {
			continue
		}
		for _, v := range vs {
			if strings.EqualFold(strings.TrimSpace(v), "close") {
				return true
			}
		}
	}
	return false
}
