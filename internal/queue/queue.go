// Package queue implements the in-memory job queue and scheduler of
// spec.md §4.4: layered FIFO dispatch, at-most-one job per
// (dir,target), and retry with backoff for classified transient
// failures. The worker-pool concurrency cap is enforced with
// golang.org/x/sync/semaphore.Weighted, an idiomatic replacement for
// the teacher's hand-rolled sync.Cond pair (mk.go's
// reserveSubproc/finishSubproc).
package queue

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

type State int

const (
	StateQueued State = iota
	StateRunning
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "queued"
	}
}

// Key identifies a job by the directory it must run in and its
// target name (spec.md §3: "at most one entry per key").
type Key struct {
	Dir    string
	Target string
}

// Job is one queued/running/completed target, holding everything
// spec.md §3's "Job record" names.
type Job struct {
	Key
	Layer            int
	Owner            string // control client id
	Worker           string // assigned worker id, once dispatched
	Attempt          int
	MaxAttempts      int
	Exclusive        bool
	Dry              bool
	ExternalCommands []string
	TrailingBuiltins []string
	Output           []string
	State            State
	Cascaded         bool // failed due to an earlier failure halting the build, not its own recipe

	mu sync.Mutex
}

func (j *Job) snapshot() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.State
}

// Queue owns the in-progress map and the layer-gated dispatch order.
// It is meant to be driven by a single reactor goroutine (the job
// server's event loop, spec.md §5): all exported methods are safe to
// call concurrently, but the scheduling decisions themselves assume a
// single caller drives TryDispatch in a loop.
type Queue struct {
	mu         sync.Mutex
	jobs       map[Key]*Job
	byLayer    map[int][]*Job // pending (not yet dispatched), FIFO order
	layers     []int          // sorted distinct layers present
	current    int            // index into layers currently being released
	running    int
	aborted    bool
	maxRetries int

	sem      *semaphore.Weighted
	capacity int64

	backoff func(attempt int) time.Duration
}

func New(jobsCap int, maxRetries int) *Queue {
	if jobsCap <= 0 {
		jobsCap = 1
	}
	return &Queue{
		jobs:       make(map[Key]*Job),
		byLayer:    make(map[int][]*Job),
		maxRetries: maxRetries,
		sem:        semaphore.NewWeighted(int64(jobsCap)),
		capacity:   int64(jobsCap),
		backoff: func(attempt int) time.Duration {
			return time.Duration(0.1*1e9) * time.Duration(1<<uint(attempt-1))
		},
	}
}

// Submit inserts a job record for (dir,target), or returns the
// existing record if one is already queued/running/done for that key
// (spec.md §4.4: "duplicate submission returns the existing record").
func (q *Queue) Submit(dir, target string, layer int, exclusive, dry bool, externals, trailing []string, owner string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := Key{Dir: dir, Target: target}
	if j, ok := q.jobs[key]; ok {
		return j, true
	}

	j := &Job{
		Key:              key,
		Layer:            layer,
		Owner:            owner,
		Exclusive:        exclusive,
		Dry:              dry,
		ExternalCommands: externals,
		TrailingBuiltins: trailing,
		MaxAttempts:      q.maxRetries + 1,
		State:            StateQueued,
	}
	q.jobs[key] = j
	q.insertLayer(layer, j)

	if len(j.ExternalCommands) == 0 && len(j.TrailingBuiltins) == 0 {
		j.State = StateDone
	}
	return j, false
}

func (q *Queue) insertLayer(layer int, j *Job) {
	if _, ok := q.byLayer[layer]; !ok {
		q.layers = append(q.layers, layer)
		sortInts(q.layers)
	}
	q.byLayer[layer] = append(q.byLayer[layer], j)
}

// TryDispatch returns the next job ready to run, or nil if nothing is
// ready right now: either every lower layer must finish first, the
// worker pool is saturated, or an exclusive job is holding the floor.
func (q *Queue) TryDispatch(ctx context.Context) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.aborted {
		return nil
	}
	q.advanceLocked()
	if q.current >= len(q.layers) {
		return nil
	}

	layer := q.layers[q.current]
	pending := q.byLayer[layer]
	for i, j := range pending {
		j.mu.Lock()
		state := j.State
		j.mu.Unlock()
		if state != StateQueued {
			continue
		}
		if j.Exclusive && q.running > 0 {
			return nil
		}
		if !j.Exclusive && q.runningExclusive() {
			return nil
		}
		weight := int64(1)
		if j.Exclusive {
			weight = q.capacity
		}
		if !q.sem.TryAcquire(weight) {
			return nil
		}
		j.mu.Lock()
		j.State = StateRunning
		j.Attempt++
		j.mu.Unlock()
		q.running++
		q.byLayer[layer] = append(append([]*Job{}, pending[:i]...), pending[i+1:]...)
		return j
	}
	return nil
}

func (q *Queue) runningExclusive() bool {
	for _, js := range q.byLayer {
		for _, j := range js {
			if j.Exclusive && j.snapshot() == StateRunning {
				return true
			}
		}
	}
	return false
}

// advanceLocked moves to the next layer once every job in the current
// layer has reached a terminal state. Must be called with q.mu held.
func (q *Queue) advanceLocked() {
	for q.current < len(q.layers) {
		layer := q.layers[q.current]
		allTerminal := true
		for _, j := range q.byLayer[layer] {
			if j.snapshot() == StateQueued || j.snapshot() == StateRunning {
				allTerminal = false
				break
			}
		}
		if !allTerminal {
			return
		}
		q.current++
	}
}

// transientPattern matches the compiler/linker "missing input" output
// spec.md §4.4/§7 classifies as eligible for retry.
var transientPattern = regexp.MustCompile(`(?i)no such file or directory|cannot open|missing separator`)

// Complete reports a finished attempt for key. exitCode 0 means
// success; otherwise the job is retried (if attempts remain and the
// output looks transient) or marked failed and the build is aborted
// (spec.md §4.4: "fail all transitive dependents (cascade)" — modeled
// here as halting further layer releases, since the layer barrier
// already prevents a later layer from starting until this one
// finishes).
func (q *Queue) Complete(key Key, exitCode int, output []string) (retrying bool, backoff time.Duration) {
	q.mu.Lock()
	j, ok := q.jobs[key]
	q.mu.Unlock()
	if !ok {
		return false, 0
	}

	j.mu.Lock()
	j.Output = append(j.Output, output...)
	weight := int64(1)
	if j.Exclusive {
		weight = q.capacity
	}
	j.mu.Unlock()

	q.mu.Lock()
	q.running--
	q.mu.Unlock()
	q.sem.Release(weight)

	if exitCode == 0 {
		j.mu.Lock()
		j.State = StateDone
		j.mu.Unlock()
		return false, 0
	}

	j.mu.Lock()
	transient := transientPattern.MatchString(strings.Join(output, "\n"))
	canRetry := transient && j.Attempt < j.MaxAttempts
	if canRetry {
		j.State = StateQueued
		attempt := j.Attempt
		j.mu.Unlock()
		q.mu.Lock()
		q.insertLayer(j.Layer, j)
		q.mu.Unlock()
		return true, q.backoff(attempt)
	}
	j.State = StateFailed
	j.mu.Unlock()

	q.mu.Lock()
	q.aborted = true
	q.failRemainingLocked()
	q.mu.Unlock()
	return false, 0
}

// failRemainingLocked marks every still-queued job failed (cascade)
// once the build has aborted. Must be called with q.mu held.
func (q *Queue) failRemainingLocked() {
	for _, js := range q.byLayer {
		for _, j := range js {
			j.mu.Lock()
			if j.State == StateQueued {
				j.State = StateFailed
				j.Cascaded = true
			}
			j.mu.Unlock()
		}
	}
}

// Requeue puts a job back to StateQueued after backoff elapses,
// called by the scheduler's retry timer.
func (q *Queue) Requeue(key Key) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[key]; ok {
		j.mu.Lock()
		if j.State != StateFailed {
			j.State = StateQueued
		}
		j.mu.Unlock()
	}
}

// Cancel marks every still-queued job failed (with Cascaded set, as
// for a cascade; no separate cancellation mark is recorded) and sets
// the aborted flag, which stops further dispatch. Jobs already running
// are left to finish (spec.md §4.4 "Cancellation").
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted = true
	q.failRemainingLocked()
}

// Job looks up a job record by key.
func (q *Queue) Job(key Key) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[key]
	return j, ok
}

// Snapshot returns every job record, for STATUS reporting.
func (q *Queue) Snapshot() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, j)
	}
	return out
}

// Failed reports whether any job in the build has failed.
func (q *Queue) Failed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.snapshot() == StateFailed {
			return true
		}
	}
	return false
}

// Idle reports whether every submitted job has reached a terminal
// state (spec.md §8 idempotence: a second build dispatches zero
// tasks).
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		s := j.snapshot()
		if s == StateQueued || s == StateRunning {
			return false
		}
	}
	return true
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
