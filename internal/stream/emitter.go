// Package stream turns a final answer into a time-paced sequence of
// partial strings.
package stream

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrAlreadyStreaming is returned when Start is called while a previous run
// of the same emitter has not finished or been cancelled.
var ErrAlreadyStreaming = errors.New("stream already active")

// Delays controls the pause after each emitted character.
type Delays struct {
	Base    time.Duration // after an ordinary character
	Jitter  time.Duration // random extra, up to this much
	Space   time.Duration // after a space
	Newline time.Duration // after a newline
}

// DefaultDelays returns the typing cadence of the demo.
func DefaultDelays() Delays {
	return Delays{
		Base:    8 * time.Millisecond,
		Jitter:  6 * time.Millisecond,
		Space:   6 * time.Millisecond,
		Newline: 20 * time.Millisecond,
	}
}

// After returns the pause that follows emitting r. jitter must be in [0,1).
func (d Delays) After(r rune, jitter float64) time.Duration {
	switch r {
	case ' ':
		return d.Space
	case '\n':
		return d.Newline
	default:
		return d.Base + time.Duration(jitter*float64(d.Jitter))
	}
}

// Emitter emits one run at a time.
type Emitter struct {
	delays Delays
	jitter func() float64

	mu     sync.Mutex
	active *Run
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithJitterSource replaces the random jitter source. fn must return
// values in [0,1).
func WithJitterSource(fn func() float64) Option {
	return func(e *Emitter) {
		e.jitter = fn
	}
}

// NewEmitter creates an emitter with the given delays.
func NewEmitter(delays Delays, opts ...Option) *Emitter {
	e := &Emitter{
		delays: delays,
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run is one in-flight emission.
type Run struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex
	emitted   int
	completed bool
	cancelled bool
}

// Start begins emitting text rune by rune on a new goroutine. onPartial
// receives the growing prefix after each rune, in source order. onComplete
// fires once after the last rune unless the run was cancelled first.
// Callbacks run on the emitter goroutine.
func (e *Emitter) Start(ctx context.Context, text string, onPartial func(string), onComplete func()) (*Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil && !e.active.finished() {
		return nil, ErrAlreadyStreaming
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.active = run

	go e.loop(run, []rune(text), onPartial, onComplete)
	return run, nil
}

// Active reports whether a run is in progress.
func (e *Emitter) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil && !e.active.finished()
}

// Cancel stops the active run, if any, and waits for it to exit.
func (e *Emitter) Cancel() {
	e.mu.Lock()
	run := e.active
	e.mu.Unlock()
	if run != nil {
		run.Cancel()
		run.Wait()
	}
}

func (e *Emitter) loop(run *Run, runes []rune, onPartial func(string), onComplete func()) {
	defer close(run.done)
	defer run.cancel()

	for i, r := range runes {
		if run.ctx.Err() != nil {
			return
		}

		// Hold the run lock while delivering so Cancel returning means
		// no further partial will be observed.
		run.mu.Lock()
		if run.cancelled {
			run.mu.Unlock()
			return
		}
		if onPartial != nil {
			onPartial(string(runes[:i+1]))
		}
		run.emitted++
		run.mu.Unlock()

		if i == len(runes)-1 {
			break
		}
		if !sleep(run.ctx, e.delays.After(r, e.jitter())) {
			return
		}
	}

	run.mu.Lock()
	if run.cancelled || run.ctx.Err() != nil {
		run.mu.Unlock()
		return
	}
	run.completed = true
	run.mu.Unlock()
	if onComplete != nil {
		onComplete()
	}
}

// Cancel stops the run. No partial is delivered after Cancel returns and
// the completion callback will not fire if it has not already.
// Must not be called from inside onPartial.
func (r *Run) Cancel() {
	r.cancel()
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

// Wait blocks until the run's goroutine has exited.
func (r *Run) Wait() {
	<-r.done
}

// Done is closed when the run's goroutine has exited.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Emitted returns the number of partial states delivered so far.
func (r *Run) Emitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emitted
}

// Completed reports whether the run reached the end of its text.
func (r *Run) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

func (r *Run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return r.ctx.Err() != nil
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
