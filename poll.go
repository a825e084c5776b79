package syncache

import (
	"sync"
	"time"
)

// poller refreshes on a fixed interval while visible. Becoming visible again
// triggers one immediate refresh, after which the interval restarts.
type poller struct {
	interval time.Duration
	refresh  func()

	mu      sync.Mutex
	visible bool

	changed chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newPoller(interval time.Duration, visible bool, refresh func()) *poller {
	p := &poller{
		interval: interval,
		refresh:  refresh,
		visible:  visible,
		changed:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *poller) setVisible(v bool) {
	p.mu.Lock()
	if p.visible == v {
		p.mu.Unlock()
		return
	}
	p.visible = v
	p.mu.Unlock()

	select {
	case p.changed <- struct{}{}:
	default: // a wakeup is already pending
	}
}

func (p *poller) isVisible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

func (p *poller) close() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}

func (p *poller) run() {
	defer close(p.done)

	var timer *time.Timer
	var tick <-chan time.Time
	arm := func() {
		timer = time.NewTimer(p.interval)
		tick = timer.C
	}
	disarm := func() {
		if timer != nil {
			timer.Stop()
			timer, tick = nil, nil
		}
	}

	if p.isVisible() {
		arm()
	}
	for {
		select {
		case <-p.stop:
			disarm()
			return
		case <-tick:
			timer, tick = nil, nil
			p.refresh()
			if p.isVisible() {
				arm()
			}
		case <-p.changed:
			switch {
			case p.isVisible() && tick == nil:
				p.refresh()
				arm()
			case !p.isVisible():
				disarm()
			}
		}
	}
}

// StartPolling refreshes the query every interval while it is visible
// (see SetVisible). Calling it again replaces the previous interval.
// interval <= 0 stops polling.
func (q *Query[V]) StartPolling(interval time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	old := q.poll
	q.poll = nil
	visible := true
	if old != nil {
		visible = old.isVisible()
	}
	if interval > 0 {
		q.poll = newPoller(interval, visible, q.pollOnce)
	}
	q.mu.Unlock()

	if old != nil {
		old.close()
	}
}

// SetVisible pauses (false) or resumes (true) polling. Resuming refreshes
// immediately. Queries start visible.
func (q *Query[V]) SetVisible(visible bool) {
	q.mu.Lock()
	p := q.poll
	q.mu.Unlock()
	if p != nil {
		p.setVisible(visible)
	}
}

func (q *Query[V]) pollOnce() {
	snap, err := q.snapshot()
	if err != nil {
		return
	}
	// attempts are bounded by FetchTimeout; only teardown cuts a poll short
	if _, err := q.load(snap.life, snap); err != nil && snap.life.Err() == nil {
		snap.log.Debug("poll refresh failed", Fields{"err": err})
	}
}
