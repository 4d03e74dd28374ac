package hostpool

import "go.uber.org/atomic"

// dispatcher implements the pool's slot-selection policy. It never owns a
// goroutine of its own — every method here is called synchronously from the
// pool's event loop, and it mutates nothing but its own queue and counter;
// slot state transitions happen through the callbacks it's handed.
type dispatcher struct {
	cfg   Config
	queue []*RequestContext

	// rr breaks ties when more than one slot is Idle. The teacher's
	// round-robin load balancer picks peers the same way: an ever-growing
	// counter modulo the candidate count, so repeated calls sweep evenly
	// instead of always favouring slot 0.
	rr atomic.Uint64
}

func newDispatcher(cfg Config) *dispatcher {
	return &dispatcher{cfg: cfg}
}

func (d *dispatcher) queueDepth() int { return len(d.queue) }

// hasCapacity reports whether admit would succeed without growing the
// bounded overflow queue to its limit — i.e. whether there's an idle slot,
// room to open a new one, or queue headroom.
func (d *dispatcher) hasCapacity(slots []*Slot) bool {
	if d.pickIdle(slots) != nil {
		return true
	}
	if d.countOpen(slots) < d.cfg.MaxConnections && d.pickUnconnected(slots) != nil {
		return true
	}
	return len(d.queue) < d.cfg.QueueDepth
}

// admit places req on an idle slot, opens a fresh connection for it, or
// appends it to the overflow queue, in that preference order. Returns false
// only if the queue is already at its bound; callers are expected to have
// checked hasCapacity before ever offering a request, so this should not
// normally happen.
func (d *dispatcher) admit(slots []*Slot, req *RequestContext, assignIdle, openSlot func(*Slot, *RequestContext)) bool {
	if slot := d.pickIdle(slots); slot != nil {
		assignIdle(slot, req)
		return true
	}
	if d.countOpen(slots) < d.cfg.MaxConnections {
		if slot := d.pickUnconnected(slots); slot != nil {
			openSlot(slot, req)
			return true
		}
	}
	if len(d.queue) >= d.cfg.QueueDepth {
		return false
	}
	d.queue = append(d.queue, req)
	return true
}

// onSlotIdle hands the head of the overflow queue to a slot that just
// became available, if any request is waiting.
func (d *dispatcher) onSlotIdle(slot *Slot, assignIdle func(*Slot, *RequestContext)) {
	if len(d.queue) == 0 {
		return
	}
	req := d.queue[0]
	d.queue = d.queue[1:]
	assignIdle(slot, req)
}

// requeueFront puts a retry-safe request back at the head of the queue, so
// a request that nearly got served doesn't lose its place to later arrivals.
func (d *dispatcher) requeueFront(req *RequestContext) {
	d.queue = append([]*RequestContext{req}, d.queue...)
}

// maintainMinConnections opens warm, requestless connections until at least
// cfg.MinConnections slots are open or no Unconnected slot remains to open.
func (d *dispatcher) maintainMinConnections(slots []*Slot, openWarm func(*Slot)) {
	open := d.countOpen(slots)
	for open < d.cfg.MinConnections {
		slot := d.pickUnconnected(slots)
		if slot == nil {
			return
		}
		openWarm(slot)
		open++
	}
}

func (d *dispatcher) countOpen(slots []*Slot) int {
	n := 0
	for _, s := range slots {
		if s.state.isOpen() {
			n++
		}
	}
	return n
}

func (d *dispatcher) pickIdle(slots []*Slot) *Slot {
	n := len(slots)
	if n == 0 {
		return nil
	}
	start := int(d.rr.Add(1)-1) % n
	for i := 0; i < n; i++ {
		s := slots[(start+i)%n]
		if s.state.isEligibleForDispatch() {
			return s
		}
	}
	return nil
}

func (d *dispatcher) pickUnconnected(slots []*Slot) *Slot {
	for _, s := range slots {
		if s.state == StateUnconnected {
			return s
		}
	}
	return nil
}
