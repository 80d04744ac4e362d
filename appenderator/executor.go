package appenderator

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// task is one unit of work submitted to an executor. done, if non-nil,
// receives exactly one value: the error fn returned (or nil).
type task struct {
	fn       func() error
	done     chan error
	enqueued time.Time
}

// serialExecutor runs every submitted task on a single goroutine, in
// submission order. Three of these, wired together by pushBarrier and
// removeSink, are what keep persist, push, and abandon work from forming a
// deadlock cycle: each only ever waits on the *next* executor downstream,
// never on itself or upstream.
type serialExecutor struct {
	name string
	log  logrus.FieldLogger

	tasks chan task
	stop  chan struct{}
	wg    sync.WaitGroup

	backpressureLimiter *rate.Limiter
	backpressureMetric  interface{ Observe(float64) }
}

// newSerialExecutor starts a serialExecutor with the given queue capacity.
// capacity 0 makes submission a synchronous handoff to the consumer
// goroutine, which is exactly the "abandon" executor's contract.
func newSerialExecutor(name string, capacity int, log logrus.FieldLogger, backpressureMetric interface{ Observe(float64) }) *serialExecutor {
	e := &serialExecutor{
		name:                name,
		log:                 log.WithField("executor", name),
		tasks:               make(chan task, capacity),
		stop:                make(chan struct{}),
		backpressureLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
		backpressureMetric:  backpressureMetric,
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *serialExecutor) run() {
	defer e.wg.Done()
	for {
		select {
		case t := <-e.tasks:
			e.runOne(t)
		case <-e.stop:
			// select does not prefer tasks over stop even when both are
			// ready, so a task already buffered in e.tasks at shutdown
			// time could otherwise be stranded with its done channel
			// never written. Drain what is already queued before exiting.
			e.drain()
			return
		}
	}
}

func (e *serialExecutor) drain() {
	for {
		select {
		case t := <-e.tasks:
			e.runOne(t)
		default:
			return
		}
	}
}

func (e *serialExecutor) runOne(t task) {
	delay := time.Since(t.enqueued)
	if delay > time.Second && e.backpressureLimiter.Allow() {
		e.log.WithField("delay_ms", delay.Milliseconds()).
			Warn("executor backpressure: task waited over 1s in queue")
	}
	if e.backpressureMetric != nil {
		e.backpressureMetric.Observe(float64(delay.Milliseconds()))
	}

	err := t.fn()
	if t.done != nil {
		t.done <- err
	}
}

// submit enqueues fn and returns a channel that receives its result
// exactly once. Submission itself blocks while the queue is full (persist,
// and push, whose queue holds one task besides the one running) and always
// until the consumer goroutine takes the task (abandon, capacity 0).
func (e *serialExecutor) submit(fn func() error) <-chan error {
	done := make(chan error, 1)
	e.tasks <- task{fn: fn, done: done, enqueued: time.Now()}
	return done
}

// submitAndWait is a convenience for callers that want to block for the
// result inline rather than holding onto the channel.
func (e *serialExecutor) submitAndWait(fn func() error) error {
	return <-e.submit(fn)
}

// shutdown signals the executor's goroutine to stop accepting new work
// after draining whatever is already queued. It does not wait; call wait
// separately.
func (e *serialExecutor) shutdown() {
	close(e.stop)
}

// wait blocks until the executor's goroutine has exited, or until timeout
// elapses (in which case it returns false).
func (e *serialExecutor) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// executors bundles the three serial executors the lifecycle controller
// wires together, plus the barrier/removal helpers that give the bundle
// its deadlock-avoidance properties.
type executors struct {
	persist *serialExecutor
	push    *serialExecutor
	abandon *serialExecutor
}

func newExecutors(maxPendingPersists int, log logrus.FieldLogger, metrics *Metrics) *executors {
	var backpressure interface{ Observe(float64) }
	if metrics != nil {
		backpressure = metrics.PersistBackpressureMillis
	}
	return &executors{
		persist: newSerialExecutor("persist", maxPendingPersists, log, backpressure),
		push:    newSerialExecutor("push", 1, log, nil),
		abandon: newSerialExecutor("abandon", 0, log, nil),
	}
}

// pushBarrier returns a channel that resolves only once every push task
// submitted before this call has completed. It works by having the
// abandon executor submit an empty task to the push executor and wait for
// it: since push tasks run strictly in submission order, the barrier task
// cannot complete until everything ahead of it in the push queue has.
func (e *executors) pushBarrier() <-chan error {
	return e.abandon.submit(func() error {
		return e.push.submitAndWait(func() error { return nil })
	})
}

// removeSink runs fn on the persist executor only after pushBarrier has
// resolved, guaranteeing (a) every in-flight merge referencing the sink
// has finished, and (b) fn itself runs on the same thread persistHydrant
// runs on, so it cannot race a concurrent persist.
func (e *executors) removeSink(fn func() error) <-chan error {
	out := make(chan error, 1)
	go func() {
		if err := <-e.pushBarrier(); err != nil {
			out <- err
			return
		}
		out <- e.persist.submitAndWait(fn)
	}()
	return out
}

// shutdown signals all three executors to stop.
func (e *executors) shutdown() {
	e.persist.shutdown()
	e.push.shutdown()
	e.abandon.shutdown()
}

// waitAll waits for persist and abandon, and optionally push, within
// timeout. waitPush is false for CloseNow, which treats in-flight push
// work as abandonable at process-shutdown time.
func (e *executors) waitAll(timeout time.Duration, waitPush bool) bool {
	ok := e.persist.wait(timeout) && e.abandon.wait(timeout)
	if waitPush {
		ok = e.push.wait(timeout) && ok
	}
	return ok
}
