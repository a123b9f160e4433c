// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sched provides a single goroutine job scheduler. All jobs added
// to a Scheduler run one at a time, in the order they fall due.
package sched

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
)

// ErrStopped is returned when adding a job to a scheduler which is no
// longer running.
const ErrStopped = errors.ConstError("scheduler stopped")

// Logger represents the methods used by the scheduler to log details.
type Logger interface {
	Errorf(string, ...interface{})
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
}

// ExceptionHandler is called with the error of every failed job. The
// scheduler keeps running while it returns true.
type ExceptionHandler func(job *Job, err error) bool

// Config holds the dependencies of a Scheduler.
type Config struct {
	Name    string
	Clock   clock.Clock
	Logger  Logger
	Handler ExceptionHandler

	// Metrics is optional.
	Metrics *Metrics
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Name == "" {
		return errors.NotValidf("empty Name")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Scheduler runs jobs on a single goroutine.
type Scheduler struct {
	catacomb catacomb.Catacomb
	config   Config

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu     sync.Mutex
	queue  jobQueue
	lastID int64
}

type schedulerKey struct{}

// NewScheduler starts a scheduler.
func NewScheduler(config Config) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Handler == nil {
		logger := config.Logger
		config.Handler = func(job *Job, err error) bool {
			logger.Errorf("job %q failed: %v", job.Name, err)
			return true
		}
	}
	s := &Scheduler{
		config: config,
		wake:   make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.ctx = context.WithValue(s.ctx, schedulerKey{}, s)
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		s.cancel()
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Name returns the configured name of the scheduler.
func (s *Scheduler) Name() string {
	return s.config.Name
}

// Kill is part of the worker.Worker interface.
func (s *Scheduler) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Scheduler) Wait() error {
	return s.catacomb.Wait()
}

// IsCurrent reports whether ctx belongs to a job running on s.
func (s *Scheduler) IsCurrent(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	cur, _ := ctx.Value(schedulerKey{}).(*Scheduler)
	return cur == s
}

// AddJob queues a job. It never blocks, so jobs may add further jobs.
func (s *Scheduler) AddJob(j *Job) error {
	select {
	case <-s.catacomb.Dying():
		return ErrStopped
	default:
	}
	s.mu.Lock()
	s.lastID++
	j.init(s.lastID, s.config.Clock)
	heap.Push(&s.queue, j)
	depth := len(s.queue)
	s.mu.Unlock()
	s.config.Metrics.queued(s.config.Name, depth)
	s.config.Logger.Tracef("%s: added job %d %q", s.config.Name, j.id, j.Name)

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Schedule is a convenience which queues a one shot job.
func (s *Scheduler) Schedule(name string, perform func(context.Context) error) (*Job, error) {
	j := NewJob(name, perform)
	if err := s.AddJob(j); err != nil {
		return nil, errors.Trace(err)
	}
	return j, nil
}

// RemoveJob drops a pending job. It returns false if the job was not
// queued, for example because it is running.
func (s *Scheduler) RemoveJob(j *Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.index < 0 || j.index >= len(s.queue) || s.queue[j.index] != j {
		return false
	}
	heap.Remove(&s.queue, j.index)
	return true
}

// Pending returns the number of queued jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// next pops the earliest job if it is due, otherwise returns how long to
// wait for it. A negative wait means the queue is empty.
func (s *Scheduler) next() (*Job, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, -1
	}
	head := s.queue[0]
	wait := head.next.Sub(s.config.Clock.Now())
	if wait > 0 {
		return nil, wait
	}
	heap.Pop(&s.queue)
	return head, 0
}

func (s *Scheduler) loop() error {
	defer s.cancel()
	for {
		job, wait := s.next()
		if job != nil {
			if err := s.run(job); err != nil {
				return errors.Trace(err)
			}
			continue
		}
		var (
			timer   clock.Timer
			timeout <-chan time.Time
		)
		if wait >= 0 {
			timer = s.config.Clock.NewTimer(wait)
			timeout = timer.Chan()
		}
		select {
		case <-s.catacomb.Dying():
			stopTimer(timer)
			return s.catacomb.ErrDying()
		case <-s.wake:
		case <-timeout:
		}
		stopTimer(timer)
	}
}

func stopTimer(t clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (s *Scheduler) run(j *Job) error {
	select {
	case <-s.catacomb.Dying():
		return s.catacomb.ErrDying()
	default:
	}
	start := s.config.Clock.Now()
	err := s.perform(j)
	s.config.Metrics.performed(s.config.Name, s.config.Clock.Now().Sub(start), err)
	j.complete(err)

	if j.Repeating() {
		s.mu.Lock()
		j.next = NextTime(s.config.Clock.Now(), j.Interval, j.Offset)
		heap.Push(&s.queue, j)
		s.mu.Unlock()
	}
	if err != nil && !s.config.Handler(j, err) {
		return errors.Annotatef(err, "%s: job %q", s.config.Name, j.Name)
	}
	return nil
}

func (s *Scheduler) perform(j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	if j.Perform == nil {
		return nil
	}
	s.config.Logger.Tracef("%s: performing job %d %q", s.config.Name, j.id, j.Name)
	return j.Perform(s.ctx)
}

// String is used in log messages.
func (s *Scheduler) String() string {
	return fmt.Sprintf("scheduler %q", s.config.Name)
}
