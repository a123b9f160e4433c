// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sched

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// Job is a unit of work run by a Scheduler. A job with a zero Interval runs
// once, Delay after it is added. A repeating job runs every Interval,
// phased by Offset from local midnight.
type Job struct {
	Name     string
	Interval time.Duration
	Offset   time.Duration
	Delay    time.Duration
	Perform  func(ctx context.Context) error

	id    int64
	next  time.Time
	clock clock.Clock
	index int

	once sync.Once
	done chan struct{}
	err  error
}

// NewJob returns a one shot job.
func NewJob(name string, perform func(context.Context) error) *Job {
	return &Job{Name: name, Perform: perform}
}

// NewRepeatingJob returns a job which runs every interval at the given
// offset.
func NewRepeatingJob(name string, interval, offset time.Duration, perform func(context.Context) error) *Job {
	return &Job{Name: name, Interval: interval, Offset: offset, Perform: perform}
}

// ID returns the identity assigned to the job when it was scheduled.
func (j *Job) ID() int64 {
	return j.id
}

// NextTime returns the time the job is next due.
func (j *Job) NextTime() time.Time {
	return j.next
}

// Repeating reports whether the job runs more than once.
func (j *Job) Repeating() bool {
	return j.Interval > 0
}

func (j *Job) init(id int64, clk clock.Clock) {
	j.id = id
	j.clock = clk
	j.doneChan()
	now := clk.Now()
	if j.Repeating() {
		j.next = NextTime(now, j.Interval, j.Offset)
	} else {
		j.next = now.Add(j.Delay)
	}
}

func (j *Job) doneChan() chan struct{} {
	j.once.Do(func() {
		j.done = make(chan struct{})
	})
	return j.done
}

// Done returns a channel which is closed once the job has completed for the
// first time.
func (j *Job) Done() <-chan struct{} {
	return j.doneChan()
}

func (j *Job) complete(err error) {
	ch := j.doneChan()
	select {
	case <-ch:
	default:
		j.err = err
		close(ch)
	}
}

// Err returns the error from the first run of the job. It is only
// meaningful after Done is closed.
func (j *Job) Err() error {
	select {
	case <-j.doneChan():
		return j.err
	default:
		return nil
	}
}

// WaitForCompletion blocks until the job has completed or the timeout
// expires. It returns the job's own error, or a timeout error. Timing out
// does not cancel the job.
func (j *Job) WaitForCompletion(timeout time.Duration) error {
	clk := j.clock
	if clk == nil {
		clk = clock.WallClock
	}
	select {
	case <-j.doneChan():
		return j.err
	case <-clk.After(timeout):
		return errors.Timeoutf("job %q after %v", j.Name, timeout)
	}
}

// Less orders jobs by next run time, then interval, then offset, then id.
func (j *Job) Less(o *Job) bool {
	if !j.next.Equal(o.next) {
		return j.next.Before(o.next)
	}
	if j.Interval != o.Interval {
		return j.Interval < o.Interval
	}
	if j.Offset != o.Offset {
		return j.Offset < o.Offset
	}
	return j.id < o.id
}

// NextTime returns the first time after now which lies on a multiple of
// interval, shifted by offset from local midnight. The zone offset of now is
// taken into account, so that a daily job stays at the same wall clock time
// across daylight saving changes.
func NextTime(now time.Time, interval, offset time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	_, zone := now.Zone()
	off := int64(offset) - int64(zone)*int64(time.Second)
	iv := int64(interval)
	t := now.UnixNano() - off
	past := floorDiv(t, iv)*iv + off
	return time.Unix(0, past+iv).In(now.Location())
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// jobQueue is a min-heap of jobs.
type jobQueue []*Job

func (q jobQueue) Len() int           { return len(q) }
func (q jobQueue) Less(i, k int) bool { return q[i].Less(q[k]) }
func (q jobQueue) Swap(i, k int) {
	q[i], q[k] = q[k], q[i]
	q[i].index = i
	q[k].index = k
}

func (q *jobQueue) Push(x interface{}) {
	j := x.(*Job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]
	return j
}
