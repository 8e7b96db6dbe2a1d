package continuations

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/phasechain/contracts"
	"github.com/glimte/phasechain/interceptors"
	"github.com/glimte/phasechain/phase"
)

var testPhases = []phase.Phase{
	{Name: "p1", Priority: 1},
	{Name: "p2", Priority: 2},
	{Name: "p3", Priority: 3},
}

// countingObserver counts dispatches
type countingObserver struct {
	calls atomic.Int32
	done  chan struct{}
	once  sync.Once
}

func newCountingObserver() *countingObserver {
	return &countingObserver{done: make(chan struct{})}
}

func (o *countingObserver) OnMessage(ctx context.Context, msg *contracts.Message) {
	o.calls.Add(1)
	o.once.Do(func() { close(o.done) })
}

func (o *countingObserver) wait(t *testing.T) {
	t.Helper()
	select {
	case <-o.done:
	case <-time.After(2 * time.Second):
		t.Fatal("observer was not called")
	}
}

func TestContinuationLifecycle(t *testing.T) {
	t.Run("new, pending, resumed", func(t *testing.T) {
		msg := contracts.NewMessage()
		observer := newCountingObserver()
		p := Attach(context.Background(), msg, WithObserver(observer))

		cont := p.GetContinuation()
		assert.True(t, cont.IsNew())

		require.True(t, cont.Suspend(time.Minute))
		assert.True(t, cont.IsPending())
		assert.Same(t, cont, p.GetContinuation())

		cont.Resume()
		observer.wait(t)
		assert.True(t, cont.IsResumed())
		assert.False(t, cont.IsExpired())
		assert.Equal(t, int32(1), observer.calls.Load())
	})

	t.Run("second suspend without resume returns false", func(t *testing.T) {
		p := NewProvider(context.Background(), contracts.NewMessage(), WithObserver(newCountingObserver()))
		cont := p.GetContinuation()

		require.True(t, cont.Suspend(time.Minute))
		assert.False(t, cont.Suspend(time.Minute))
		assert.True(t, cont.IsPending())
		p.Complete()
	})

	t.Run("token is single use", func(t *testing.T) {
		observer := newCountingObserver()
		p := NewProvider(context.Background(), contracts.NewMessage(), WithObserver(observer))
		cont := p.GetContinuation()

		require.True(t, cont.Suspend(0))
		cont.Resume()
		cont.Resume()
		observer.wait(t)

		assert.False(t, cont.Suspend(time.Minute))
		assert.Equal(t, int32(1), observer.calls.Load())

		fresh := p.GetContinuation()
		assert.NotSame(t, cont, fresh)
		assert.True(t, fresh.IsNew())
	})

	t.Run("resume before suspend is a no-op", func(t *testing.T) {
		observer := newCountingObserver()
		p := NewProvider(context.Background(), contracts.NewMessage(), WithObserver(observer))
		cont := p.GetContinuation()

		cont.Resume()
		assert.True(t, cont.IsNew())
		assert.Equal(t, int32(0), observer.calls.Load())
	})

	t.Run("object persists across cycles", func(t *testing.T) {
		p := NewProvider(context.Background(), contracts.NewMessage(), WithObserver(newCountingObserver()))
		cont := p.GetContinuation()
		cont.SetObject("state")
		require.True(t, cont.Suspend(0))
		cont.Resume()

		assert.Equal(t, "state", p.GetContinuation().Object())
	})

	t.Run("complete cancels without dispatch", func(t *testing.T) {
		observer := newCountingObserver()
		tracker := NewTracker(0)
		p := NewProvider(context.Background(), contracts.NewMessage(), WithObserver(observer), WithTracker(tracker))
		cont := p.GetContinuation()

		require.True(t, cont.Suspend(20*time.Millisecond))
		assert.Equal(t, 1, tracker.Pending())
		p.Complete()

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(0), observer.calls.Load())
		assert.Equal(t, 0, tracker.Pending())
		assert.False(t, cont.IsExpired())
	})
}

func TestContinuationTimeout(t *testing.T) {
	t.Run("timeout marks the exchange failed and dispatches", func(t *testing.T) {
		ex := contracts.NewExchange()
		msg := contracts.NewMessage()
		ex.SetInMessage(msg)
		observer := newCountingObserver()
		p := Attach(context.Background(), msg, WithObserver(observer))

		cont := p.GetContinuation()
		require.True(t, cont.Suspend(10*time.Millisecond))
		observer.wait(t)

		assert.True(t, cont.IsExpired())
		var timeout *contracts.ContinuationTimeout
		require.ErrorAs(t, ex.Failure(), &timeout)
		assert.Equal(t, msg.ID(), timeout.MessageID)
		assert.Equal(t, ex.Failure(), msg.Fault())
	})

	t.Run("exactly one dispatch when resume races the timeout", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			observer := newCountingObserver()
			tracker := NewTracker(0)
			p := NewProvider(context.Background(), contracts.NewMessage(), WithObserver(observer), WithTracker(tracker))
			cont := p.GetContinuation()
			require.True(t, cont.Suspend(time.Millisecond))

			time.Sleep(time.Millisecond)
			cont.Resume()
			observer.wait(t)
			time.Sleep(5 * time.Millisecond)

			assert.Equal(t, int32(1), observer.calls.Load())
			assert.Equal(t, 0, tracker.Pending())
		}
	})
}

func TestContinuationWithChain(t *testing.T) {
	t.Run("suspend pauses the chain and resume finishes it", func(t *testing.T) {
		var cont contracts.Continuation
		var ran atomic.Int32
		suspending := interceptors.NewFunc("suspending", "p1", func(ctx context.Context, msg *contracts.Message) contracts.Outcome {
			cont = msg.ContinuationProvider().GetContinuation()
			cont.Suspend(time.Minute)
			return contracts.Pause()
		})
		after := interceptors.NewFunc("after", "p2", func(ctx context.Context, msg *contracts.Message) contracts.Outcome {
			ran.Add(1)
			return contracts.Continue()
		})
		chain, err := interceptors.NewChain(testPhases, []interceptors.Interceptor{suspending, after})
		require.NoError(t, err)

		msg := contracts.NewMessage()
		Attach(context.Background(), msg)
		require.NoError(t, chain.DoIntercept(context.Background(), msg))
		assert.Equal(t, contracts.StatePaused, chain.State())
		assert.Equal(t, int32(0), ran.Load())

		cont.Resume()
		assert.Equal(t, contracts.StateComplete, chain.State())
		assert.Equal(t, int32(1), ran.Load())
	})

	t.Run("timeout unwinds the suspended interceptor", func(t *testing.T) {
		var unwound []string
		var mu sync.Mutex
		record := func(id string) func(ctx context.Context, msg *contracts.Message) error {
			return func(ctx context.Context, msg *contracts.Message) error {
				mu.Lock()
				unwound = append(unwound, id)
				mu.Unlock()
				return nil
			}
		}
		first := interceptors.NewFunc("first", "p1", nil).OnFault(record("first"))
		suspending := interceptors.NewFunc("suspending", "p2", func(ctx context.Context, msg *contracts.Message) contracts.Outcome {
			msg.ContinuationProvider().GetContinuation().Suspend(10 * time.Millisecond)
			return contracts.Pause()
		}).OnFault(record("suspending"))

		faulted := make(chan error, 1)
		chain, err := interceptors.NewChain(testPhases, []interceptors.Interceptor{first, suspending},
			interceptors.WithFaultObserver(contracts.MessageObserverFunc(func(ctx context.Context, msg *contracts.Message) {
				faulted <- msg.Fault()
			})))
		require.NoError(t, err)

		ex := contracts.NewExchange()
		msg := contracts.NewMessage()
		ex.SetInMessage(msg)
		Attach(context.Background(), msg)
		require.NoError(t, chain.DoIntercept(context.Background(), msg))

		select {
		case err := <-faulted:
			var timeout *contracts.ContinuationTimeout
			assert.True(t, errors.As(err, &timeout))
		case <-time.After(2 * time.Second):
			t.Fatal("timeout did not unwind the chain")
		}
		mu.Lock()
		assert.Equal(t, []string{"suspending", "first"}, unwound)
		mu.Unlock()
		assert.Equal(t, contracts.StateAborted, chain.State())
		assert.Error(t, ex.Failure())
	})

	t.Run("resume after abort does not dispatch", func(t *testing.T) {
		observer := newCountingObserver()
		chain, err := interceptors.NewChain(testPhases, nil)
		require.NoError(t, err)

		msg := contracts.NewMessage()
		msg.SetChain(chain)
		p := Attach(context.Background(), msg, WithObserver(observer))
		cont := p.GetContinuation()
		require.True(t, cont.Suspend(0))

		chain.Abort()
		cont.Resume()

		assert.True(t, cont.IsResumed())
		assert.Equal(t, int32(0), observer.calls.Load())
	})
}

func TestTracker(t *testing.T) {
	t.Run("limit bounds suspensions", func(t *testing.T) {
		tracker := NewTracker(1)
		p1 := NewProvider(context.Background(), contracts.NewMessage(), WithTracker(tracker), WithObserver(newCountingObserver()))
		p2 := NewProvider(context.Background(), contracts.NewMessage(), WithTracker(tracker), WithObserver(newCountingObserver()))

		c1 := p1.GetContinuation()
		require.True(t, c1.Suspend(0))
		c2 := p2.GetContinuation()
		assert.False(t, c2.Suspend(0))
		assert.True(t, c2.IsNew())

		c1.Resume()
		assert.Equal(t, 0, tracker.Pending())
		assert.True(t, c2.Suspend(0))
		p2.Complete()
	})

	t.Run("release never goes negative", func(t *testing.T) {
		tracker := NewTracker(0)
		tracker.Release()
		assert.Equal(t, 0, tracker.Pending())
		assert.Equal(t, 0, tracker.Limit())
	})

	t.Run("gauge reports pending", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		tracker := NewTracker(0)
		gauge := tracker.Register(reg)

		require.True(t, tracker.Acquire())
		require.True(t, tracker.Acquire())
		assert.Equal(t, 2.0, testutil.ToFloat64(gauge))
	})
}
