package queue

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codemug/certgate/pkg/jobs"
	"github.com/golang/glog"
)

// Runner executes one job to completion.
type Runner interface {
	Run(ctx context.Context, id string, request jobs.Request) ([]jobs.Artifact, error)
}

// Observer follows job transitions. Calls for a single job may arrive out
// of order relative to each other and must not call back into the queue.
type Observer interface {
	Submitted(id string, queued bool)
	Started(id string)
	Finished(id string, files []jobs.Artifact, err error)
}

type Job struct {
	Id      string
	Request jobs.Request
}

type Outcome struct {
	Running       bool
	Future        *Future
	Position      int
	EstimatedWait time.Duration
}

type Stats struct {
	Running       int
	Queued        int
	MaxConcurrent int
}

type Config struct {
	MaxConcurrent int
	WaitTimeout   time.Duration
	// InitialEstimate seeds the average job duration used for wait estimates.
	InitialEstimate time.Duration
}

type entry struct {
	job     Job
	future  *Future
	timer   *time.Timer
	settled bool
}

// Queue runs at most MaxConcurrent jobs at a time and holds the rest in FIFO
// order until a slot frees or their wait timeout fires.
type Queue struct {
	mu       sync.Mutex
	max      int
	occupied int
	waiting  *list.List
	index    map[string]*list.Element
	closed   bool
	timeout  time.Duration
	average  time.Duration

	runner    Runner
	observers []Observer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(config Config, runner Runner, observers ...Observer) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	average := config.InitialEstimate
	if average <= 0 {
		average = 2 * time.Second
	}
	return &Queue{
		max:       config.MaxConcurrent,
		waiting:   list.New(),
		index:     make(map[string]*list.Element),
		timeout:   config.WaitTimeout,
		average:   average,
		runner:    runner,
		observers: observers,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit starts the job if a slot is free and otherwise appends it to the
// queue tail.
func (q *Queue) Submit(job Job) (Outcome, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Outcome{}, jobs.ErrShuttingDown
	}
	future := newFuture()
	// A freed slot belongs to the queue head until promote claims it.
	if q.occupied < q.max && q.waiting.Len() == 0 {
		q.occupied++
		q.wg.Add(1)
		q.mu.Unlock()
		q.notify(func(o Observer) { o.Submitted(job.Id, false) })
		go q.execute(job, future)
		return Outcome{Running: true, Future: future}, nil
	}

	ahead := q.waiting.Len()
	outcome := Outcome{
		Future:        future,
		Position:      ahead + 1,
		EstimatedWait: time.Duration(q.occupied+ahead) * q.average,
	}
	e := &entry{job: job, future: future}
	elem := q.waiting.PushBack(e)
	q.index[job.Id] = elem
	e.timer = time.AfterFunc(q.timeout, func() { q.expire(elem) })
	q.mu.Unlock()

	glog.Infof("job %s queued at position %d", job.Id, outcome.Position)
	q.notify(func(o Observer) { o.Submitted(job.Id, true) })
	return outcome, nil
}

func (q *Queue) execute(job Job, future *Future) {
	defer q.wg.Done()
	q.notify(func(o Observer) { o.Started(job.Id) })

	start := time.Now()
	files, err := q.run(job)
	q.observe(time.Since(start))

	future.resolve(files, err)
	q.notify(func(o Observer) { o.Finished(job.Id, files, err) })
	q.release()
}

func (q *Queue) run(job Job) (files []jobs.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("panic in job %s: %v", job.Id, r)
			files, err = nil, fmt.Errorf("job %s panicked: %v", job.Id, r)
		}
	}()
	return q.runner.Run(q.ctx, job.Id, job.Request)
}

// release frees a slot. Promotion happens on its own goroutine so a burst of
// completions never nests promote calls.
func (q *Queue) release() {
	q.mu.Lock()
	q.occupied--
	q.mu.Unlock()
	go q.promote()
}

func (q *Queue) promote() {
	q.mu.Lock()
	if q.closed || q.occupied >= q.max || q.waiting.Len() == 0 {
		q.mu.Unlock()
		return
	}
	e := q.remove(q.waiting.Front())
	e.timer.Stop()
	q.occupied++
	q.wg.Add(1)
	q.mu.Unlock()

	glog.V(2).Infof("job %s promoted from queue", e.job.Id)
	q.execute(e.job, e.future)
}

func (q *Queue) expire(elem *list.Element) {
	q.mu.Lock()
	e := elem.Value.(*entry)
	if e.settled {
		q.mu.Unlock()
		return
	}
	q.remove(elem)
	q.mu.Unlock()

	glog.Warningf("job %s timed out after waiting %s in queue", e.job.Id, q.timeout)
	q.fail(e, jobs.ErrQueueTimeout)
}

// remove must be called with q.mu held.
func (q *Queue) remove(elem *list.Element) *entry {
	e := elem.Value.(*entry)
	e.settled = true
	q.waiting.Remove(elem)
	delete(q.index, e.job.Id)
	return e
}

func (q *Queue) fail(e *entry, err error) {
	if e.future.resolve(nil, err) {
		q.notify(func(o Observer) { o.Finished(e.job.Id, nil, err) })
	}
}

func (q *Queue) observe(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.average = (q.average*4 + d) / 5
}

func (q *Queue) notify(fn func(Observer)) {
	for _, o := range q.observers {
		fn(o)
	}
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Running: q.occupied, Queued: q.waiting.Len(), MaxConcurrent: q.max}
}

// Position is the 1-based queue position of a waiting job.
func (q *Queue) Position(id string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	target, ok := q.index[id]
	if !ok {
		return 0, false
	}
	position := 1
	for elem := q.waiting.Front(); elem != target; elem = elem.Next() {
		position++
	}
	return position, true
}

// Shutdown rejects queued jobs, stops accepting new ones and waits for
// running jobs. When ctx ends first, running jobs are cancelled.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	var dropped []*entry
	for q.waiting.Len() > 0 {
		e := q.remove(q.waiting.Front())
		e.timer.Stop()
		dropped = append(dropped, e)
	}
	q.mu.Unlock()

	for _, e := range dropped {
		q.fail(e, jobs.ErrShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
