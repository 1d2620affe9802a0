package worker

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher feeds jobs to an elastic worker pool, round-robin across keys.
type Dispatcher struct {
	pool     *elasticPool
	JobQueue chan Job // intake for submitted jobs

	mu        sync.Mutex
	queues    map[string]*keyQueue // pending jobs per key
	ready     *list.List           // keys with pending jobs, least recently served first
	positions map[string]*list.Element

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		pool:      newElasticPool(minWorkers, maxWorkers, idleTimeout),
		JobQueue:  make(chan Job, queueSize),
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	for i := 0; i < minWorkers; i++ {
		d.pool.grow()
	}

	go d.run()
	return d
}

// Submit enqueues fn without blocking and returns its completion channel.
// The job runs with ctx, which should outlive the caller when the work must
// finish regardless of who is waiting.
func (d *Dispatcher) Submit(ctx context.Context, key, name string, fn func(ctx context.Context) (any, error)) (<-chan Result, error) {
	select {
	case <-d.stop:
		return nil, ErrStopped
	default:
	}
	job := Job{Key: key, Name: name, Run: fn, ctx: ctx, result: make(chan Result, 1)}
	select {
	case d.JobQueue <- job:
		debugLog("dispatcher accepted job", "job", name, "key", key)
		return job.result, nil
	default:
		return nil, ErrDispatcherBusy
	}
}

// Stop halts dispatching. Jobs still queued receive ErrStopped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		<-d.stopped
		d.pool.close()
	})
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.stop:
				d.drain()
				return
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.stop:
			d.drain()
			return
		default:
		}
	}
}

// Cancel drops the queued jobs of key. A job already running is unaffected.
func (d *Dispatcher) Cancel(key string) {
	d.mu.Lock()
	q := d.queues[key]
	delete(d.queues, key)
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
	d.mu.Unlock()

	if q != nil {
		for _, job := range q.jobs {
			job.fail(ErrJobCancelled)
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// dispatchOne hands the next job of the front key to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	debugLog("dispatcher assigned job", "job", job.Name, "key", key)
	workerChan <- job
	return true
}

func (d *Dispatcher) drain() {
	d.mu.Lock()
	queues := d.queues
	d.queues = make(map[string]*keyQueue)
	d.ready.Init()
	d.positions = make(map[string]*list.Element)
	d.mu.Unlock()

	for _, q := range queues {
		for _, job := range q.jobs {
			job.fail(ErrStopped)
		}
	}
	for {
		select {
		case job := <-d.JobQueue:
			job.fail(ErrStopped)
		default:
			return
		}
	}
}
