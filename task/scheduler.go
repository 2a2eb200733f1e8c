package task

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MinTick is the shortest delay the Scheduler accepts
const MinTick = 10 * time.Millisecond

// Executor receives tasks promoted by the Scheduler
type Executor interface {
	AddTask(t *Task) error
}

// ScheduledTask is a task waiting in the Scheduler heap
type ScheduledTask struct {
	*Task
	eventID    uint32
	seq        uint64
	expiration time.Time
	index      int
}

// EventID returns the id used to cancel the task
func (st *ScheduledTask) EventID() uint32 {
	return st.eventID
}

// taskHeap orders scheduled tasks by expiry, then by insertion
type taskHeap []*ScheduledTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].expiration.Equal(h[j].expiration) {
		return h[i].seq < h[j].seq
	}
	return h[i].expiration.Before(h[j].expiration)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	st := x.(*ScheduledTask)
	st.index = len(*h)
	*h = append(*h, st)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	st := old[n-1]
	old[n-1] = nil
	st.index = -1
	*h = old[:n-1]
	return st
}

// Scheduler promotes delayed tasks to an Executor once they expire. A single
// timer goroutine sleeps until the earliest expiry or until the heap changes.
type Scheduler struct {
	mu          sync.Mutex
	tasks       taskHeap
	events      map[uint32]*ScheduledTask
	lastEventID uint32
	seq         uint64
	minTick     time.Duration
	state       State
	executor    Executor
	wake        chan struct{}
	stop        chan struct{}
	done        chan struct{}
	logger      zerolog.Logger
}

// NewScheduler creates a stopped scheduler feeding executor
func NewScheduler(executor Executor, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		events:   make(map[uint32]*ScheduledTask),
		minTick:  MinTick,
		state:    StateTerminated,
		executor: executor,
		wake:     make(chan struct{}, 1),
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// SetMinTick overrides the delay floor. Values below MinTick are ignored.
func (s *Scheduler) SetMinTick(d time.Duration) {
	if d < MinTick {
		return
	}
	s.mu.Lock()
	s.minTick = d
	s.mu.Unlock()
}

// Start spawns the timer goroutine
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		return
	}
	s.state = StateRunning
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
}

// State returns the current state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Add schedules fn to run after delay and returns its event id, or 0 when
// the scheduler is not running
func (s *Scheduler) Add(delay time.Duration, fn func()) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return 0
	}
	if delay < s.minTick {
		delay = s.minTick
	}

	s.seq++
	st := &ScheduledTask{
		Task:       NewTask(fn),
		eventID:    s.nextEventID(),
		seq:        s.seq,
		expiration: time.Now().Add(delay),
	}
	heap.Push(&s.tasks, st)
	s.events[st.eventID] = st

	if st.index == 0 {
		s.poke()
	}
	return st.eventID
}

// StopEvent cancels a pending task. It returns false once the task has
// been handed to the executor or if the id is unknown.
func (s *Scheduler) StopEvent(eventID uint32) bool {
	if eventID == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.events[eventID]
	if !ok {
		return false
	}
	delete(s.events, eventID)
	heap.Remove(&s.tasks, st.index)
	s.poke()
	return true
}

// Len returns the number of pending tasks
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop joins the timer goroutine and discards every pending task
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminated
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done

	s.mu.Lock()
	s.tasks = nil
	clear(s.events)
	s.mu.Unlock()
}

// nextEventID wraps around and never yields 0 or an id still pending.
// Caller holds s.mu.
func (s *Scheduler) nextEventID() uint32 {
	for {
		s.lastEventID++
		if s.lastEventID == 0 {
			continue
		}
		if _, busy := s.events[s.lastEventID]; !busy {
			return s.lastEventID
		}
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := s.collect()
		for _, st := range due {
			st.SetDontExpire()
			if err := s.executor.AddTask(st.Task); err != nil {
				s.logger.Debug().Err(err).Uint32("event", st.eventID).Msg("executor refused task")
			}
		}

		if wait < 0 {
			select {
			case <-s.wake:
			case <-stop:
				return
			}
			continue
		}

		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-s.wake:
		case <-stop:
			return
		}
	}
}

// collect pops every expired task and returns the time until the next one,
// or -1 when the heap is empty
func (s *Scheduler) collect() ([]*ScheduledTask, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var due []*ScheduledTask
	for len(s.tasks) > 0 && !s.tasks[0].expiration.After(now) {
		st := heap.Pop(&s.tasks).(*ScheduledTask)
		delete(s.events, st.eventID)
		due = append(due, st)
	}
	if len(s.tasks) == 0 {
		return due, -1
	}
	return due, s.tasks[0].expiration.Sub(now)
}
