package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects partial states and completion signals.
type recorder struct {
	mu        sync.Mutex
	partials  []string
	completed atomic.Int32
	done      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{}, 1)}
}

func (r *recorder) onPartial(s string) {
	r.mu.Lock()
	r.partials = append(r.partials, s)
	r.mu.Unlock()
}

func (r *recorder) onComplete() {
	r.completed.Add(1)
	r.done <- struct{}{}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.partials...)
}

func TestDelays_After(t *testing.T) {
	d := DefaultDelays()

	assert.Equal(t, 6*time.Millisecond, d.After(' ', 0.9))
	assert.Equal(t, 20*time.Millisecond, d.After('\n', 0.9))
	assert.Equal(t, 8*time.Millisecond, d.After('a', 0))
	assert.Equal(t, 11*time.Millisecond, d.After('a', 0.5))
	assert.Less(t, d.After('a', 0.9999), 14*time.Millisecond)
}

func TestEmitter_EmitsEveryCharacterInOrder(t *testing.T) {
	e := NewEmitter(Delays{})
	rec := newRecorder()
	text := "Hello, carbon\nworld"

	run, err := e.Start(context.Background(), text, rec.onPartial, rec.onComplete)
	require.NoError(t, err)
	run.Wait()

	partials := rec.snapshot()
	require.Len(t, partials, len([]rune(text)))
	for i, p := range partials {
		assert.Equal(t, string([]rune(text)[:i+1]), p)
	}
	assert.Equal(t, text, partials[len(partials)-1])
	assert.Equal(t, int32(1), rec.completed.Load())
	assert.True(t, run.Completed())
	assert.Equal(t, len([]rune(text)), run.Emitted())
}

func TestEmitter_MultiByteRunes(t *testing.T) {
	e := NewEmitter(Delays{})
	rec := newRecorder()

	run, err := e.Start(context.Background(), "CO₂ ✓", rec.onPartial, rec.onComplete)
	require.NoError(t, err)
	run.Wait()

	partials := rec.snapshot()
	require.Len(t, partials, 5)
	assert.Equal(t, "CO₂", partials[2])
	assert.Equal(t, "CO₂ ✓", partials[4])
}

func TestEmitter_EmptyTextCompletes(t *testing.T) {
	e := NewEmitter(Delays{})
	rec := newRecorder()

	run, err := e.Start(context.Background(), "", rec.onPartial, rec.onComplete)
	require.NoError(t, err)
	run.Wait()

	assert.Empty(t, rec.snapshot())
	assert.Equal(t, int32(1), rec.completed.Load())
}

func TestEmitter_CancelStopsEmission(t *testing.T) {
	e := NewEmitter(Delays{Base: 5 * time.Millisecond}, WithJitterSource(func() float64 { return 0 }))
	rec := newRecorder()
	text := "this text is long enough to still be streaming when cancelled"

	run, err := e.Start(context.Background(), text, rec.onPartial, rec.onComplete)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return run.Emitted() >= 2 }, time.Second, time.Millisecond)
	run.Cancel()
	countAtCancel := len(rec.snapshot())
	run.Wait()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, countAtCancel, len(rec.snapshot()), "no states after cancel")
	assert.Equal(t, int32(0), rec.completed.Load(), "completion must not fire after cancel")
	assert.False(t, run.Completed())
	assert.Less(t, countAtCancel, len(text))
}

func TestEmitter_ContextCancellation(t *testing.T) {
	e := NewEmitter(Delays{Base: 5 * time.Millisecond})
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	run, err := e.Start(ctx, "abcdefghijklmnopqrstuvwxyz", rec.onPartial, rec.onComplete)
	require.NoError(t, err)
	cancel()
	run.Wait()

	assert.Equal(t, int32(0), rec.completed.Load())
}

func TestEmitter_RejectsConcurrentRun(t *testing.T) {
	e := NewEmitter(Delays{Base: 5 * time.Millisecond})
	rec := newRecorder()

	run, err := e.Start(context.Background(), "a slow stream of text", rec.onPartial, rec.onComplete)
	require.NoError(t, err)
	assert.True(t, e.Active())

	_, err = e.Start(context.Background(), "second", nil, nil)
	assert.ErrorIs(t, err, ErrAlreadyStreaming)

	e.Cancel()
	assert.False(t, e.Active())

	second, err := e.Start(context.Background(), "ok", nil, nil)
	require.NoError(t, err)
	second.Wait()
	run.Wait()
}

func TestEmitter_JitterSourceUsed(t *testing.T) {
	var calls atomic.Int32
	e := NewEmitter(Delays{}, WithJitterSource(func() float64 {
		calls.Add(1)
		return 0.5
	}))

	run, err := e.Start(context.Background(), "abcd", nil, nil)
	require.NoError(t, err)
	run.Wait()

	// One pause between each pair of runes.
	assert.Equal(t, int32(3), calls.Load())
}
