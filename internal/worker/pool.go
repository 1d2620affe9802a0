package worker

import (
	"sync"
	"time"
)

type slot struct {
	ch        chan Job
	lastUsed  time.Time
	enqueued  bool // sitting in p.idle
	discarded bool // told to stop
}

type elasticPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*slot
	slots   map[chan Job]*slot
	min     int
	max     int
	running int
	expiry  time.Duration
	closed  bool
	quit    chan struct{}
}

const defaultWorkerIdle = 30 * time.Second

func newElasticPool(minWorkers, maxWorkers int, idle time.Duration) *elasticPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if minWorkers < 0 {
		minWorkers = 0
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	if maxWorkers == 0 {
		maxWorkers = 1
	}
	p := &elasticPool{
		slots:  make(map[chan Job]*slot),
		min:    minWorkers,
		max:    maxWorkers,
		expiry: idle,
		quit:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// grow starts one more idle worker when below max.
func (p *elasticPool) grow() {
	p.mu.Lock()
	if p.running >= p.max {
		p.mu.Unlock()
		return
	}
	worker := NewWorker(p)
	s := &slot{ch: worker.jobChannel, enqueued: true, lastUsed: time.Now()}
	p.slots[worker.jobChannel] = s
	p.idle = append(p.idle, s)
	p.running++
	p.mu.Unlock()
	worker.Start()
	p.cond.Signal()
}

// acquire gets an idle worker, or spawns a new one, blocking while all
// max workers are busy.
func (p *elasticPool) acquire() chan Job {
	for {
		p.mu.Lock()
		if s := p.takeIdleLocked(); s != nil {
			p.mu.Unlock()
			return s.ch
		}
		if p.running < p.max {
			worker := NewWorker(p)
			s := &slot{ch: worker.jobChannel}
			p.slots[worker.jobChannel] = s
			p.running++
			p.mu.Unlock()
			worker.Start()
			return worker.jobChannel
		}
		p.cond.Wait()
		p.mu.Unlock()
	}
}

// Release puts a worker back into the idle queue. It reports false when the
// worker should exit instead.
func (p *elasticPool) Release(ch chan Job) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.retire(ch)
		return false
	}
	s, ok := p.slots[ch]
	if !ok || s.discarded {
		p.mu.Unlock()
		return false
	}
	if s.enqueued {
		p.mu.Unlock()
		return true
	}
	s.enqueued = true
	s.lastUsed = time.Now()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

// retire forgets a worker that has exited.
func (p *elasticPool) retire(ch chan Job) {
	p.mu.Lock()
	if s, ok := p.slots[ch]; ok {
		delete(p.slots, ch)
		s.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *elasticPool) takeIdleLocked() *slot {
	for len(p.idle) > 0 {
		s := p.idle[0]
		p.idle = p.idle[1:]
		if s.discarded {
			continue
		}
		s.enqueued = false
		return s
	}
	return nil
}

func (p *elasticPool) size() (running, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, len(p.idle)
}

func (p *elasticPool) reapLoop() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle(time.Now())
		case <-p.quit:
			return
		}
	}
}

// reapIdle stops idle workers unused for longer than expiry, keeping min alive.
func (p *elasticPool) reapIdle(now time.Time) {
	var expired []*slot

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0]
	for _, s := range p.idle {
		if s.discarded {
			continue
		}
		if now.Sub(s.lastUsed) >= p.expiry && p.running-len(expired) > p.min {
			s.discarded = true
			s.enqueued = false
			expired = append(expired, s)
			continue
		}
		remaining = append(remaining, s)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, s := range expired {
		s.ch <- Job{stop: true}
	}
}

// close stops every idle worker; busy workers stop after their current job.
func (p *elasticPool) close() {
	close(p.quit)
	p.mu.Lock()
	p.closed = true
	p.min = 0
	idle := p.idle
	p.idle = nil
	for _, s := range idle {
		s.discarded = true
	}
	p.mu.Unlock()
	for _, s := range idle {
		s.ch <- Job{stop: true}
	}
}
