package task

import (
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
)

// Dispatcher runs tasks one at a time, in submission order, on a single
// worker goroutine. Business state touched only from dispatcher tasks needs
// no further locking.
type Dispatcher struct {
	mu         sync.Mutex
	cond       *sync.Cond
	tasks      *queue.Queue
	state      State
	done       chan struct{}
	taskExpiry time.Duration
	logger     zerolog.Logger
}

// NewDispatcher creates a stopped dispatcher
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		tasks:  queue.New(),
		state:  StateTerminated,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// SetTaskExpiry sets the deadline applied by AddExpiring. Zero disables it.
func (d *Dispatcher) SetTaskExpiry(ttl time.Duration) {
	d.mu.Lock()
	d.taskExpiry = ttl
	d.mu.Unlock()
}

// Start spawns the worker goroutine
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateTerminated {
		return
	}
	d.state = StateRunning
	d.done = make(chan struct{})
	go d.loop(d.done)
}

// State returns the current state
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Add queues fn. Safe to call from any goroutine, including dispatcher tasks.
func (d *Dispatcher) Add(fn func()) error {
	return d.AddTask(NewTask(fn))
}

// AddExpiring queues fn with the configured task expiry
func (d *Dispatcher) AddExpiring(fn func()) error {
	d.mu.Lock()
	ttl := d.taskExpiry
	d.mu.Unlock()
	return d.AddTask(NewExpiringTask(ttl, fn))
}

// AddTask queues t
func (d *Dispatcher) AddTask(t *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateRunning {
		return ErrNotRunning
	}

	d.tasks.Add(t)
	if d.tasks.Length() == 1 {
		d.cond.Signal()
	}
	return nil
}

// Len returns the number of queued tasks
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tasks.Length()
}

// Stop refuses new tasks, runs the ones already queued and waits for the
// worker to exit. Must not be called from a dispatcher task.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.state != StateRunning {
		done := d.done
		d.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	d.state = StateClosing
	done := d.done
	d.cond.Signal()
	d.mu.Unlock()

	<-done
}

func (d *Dispatcher) loop(done chan struct{}) {
	defer close(done)

	for {
		d.mu.Lock()
		for d.tasks.Length() == 0 && d.state == StateRunning {
			d.cond.Wait()
		}
		if d.tasks.Length() == 0 {
			d.state = StateTerminated
			d.mu.Unlock()
			return
		}
		t := d.tasks.Remove().(*Task)
		d.mu.Unlock()

		if t.Expired() {
			d.logger.Debug().Msg("dropping expired task")
			continue
		}
		d.run(t)
	}
}

func (d *Dispatcher) run(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("task panicked")
		}
	}()
	t.Run()
}
