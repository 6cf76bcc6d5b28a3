package core

import "sync"

// Publisher fans job snapshots out to subscribers without ever blocking the
// job. Each subscriber has a one-slot mailbox: a newer snapshot replaces one
// that has not been read yet. The terminal snapshot replaces whatever is
// pending and the channel is then closed, so it is always the last value a
// subscriber receives. A snapshot older than the last one offered (earlier
// phase, or fewer rows parsed) is dropped, so streams fed from more than one
// source stay monotonic.
type Publisher struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewPublisher returns a publisher with no subscribers.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscription is a handle on one job's event stream. C is closed after the
// terminal event or when Close is called.
type Subscription struct {
	C <-chan ProgressEvent

	ch     chan ProgressEvent
	done   chan struct{}
	jobID  string
	pub    *Publisher
	closed bool

	seen       bool
	lastRank   int
	lastParsed int64
}

// Subscribe attaches a new subscriber to jobID.
func (p *Publisher) Subscribe(jobID string) *Subscription {
	ch := make(chan ProgressEvent, 1)
	sub := &Subscription{C: ch, ch: ch, done: make(chan struct{}), jobID: jobID, pub: p}

	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		p.subs[jobID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.pub.mu.Lock()
	defer s.pub.mu.Unlock()
	s.pub.detach(s)
}

// Done is closed once the subscription is detached.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Publish offers ev to every subscriber of the job. Terminal events close the
// streams after delivery.
func (p *Publisher) Publish(ev ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for sub := range p.subs[ev.JobID] {
		offer(sub, ev)
		if ev.Terminal() {
			p.detach(sub)
		}
	}
}

// deliver offers ev to a single subscriber. It seeds a new subscription with
// the current snapshot and feeds subscribers that follow the store.
func (p *Publisher) deliver(sub *Subscription, ev ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub.closed {
		return
	}
	offer(sub, ev)
	if ev.Terminal() {
		p.detach(sub)
	}
}

// Subscribers returns the number of live subscriptions for a job.
func (p *Publisher) Subscribers(jobID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[jobID])
}

// offer replaces any unread event in the mailbox with ev. The publisher lock
// makes it the only sender, so after draining the send cannot block.
func offer(sub *Subscription, ev ProgressEvent) {
	rank := phaseRank[ev.Phase]
	if sub.seen && !ev.Terminal() && (rank < sub.lastRank || (rank == sub.lastRank && ev.RowsParsed < sub.lastParsed)) {
		return
	}
	sub.seen, sub.lastRank, sub.lastParsed = true, rank, ev.RowsParsed

	select {
	case sub.ch <- ev:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- ev
}

// detach must be called with p.mu held.
func (p *Publisher) detach(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	close(sub.done)
	if set, ok := p.subs[sub.jobID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(p.subs, sub.jobID)
		}
	}
}
