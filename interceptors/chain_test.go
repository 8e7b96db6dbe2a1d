package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/phasechain/contracts"
	"github.com/glimte/phasechain/phase"
)

var testPhases = []phase.Phase{
	{Name: "p1", Priority: 1000},
	{Name: "p2", Priority: 2000},
	{Name: "p3", Priority: 3000},
}

// recorder collects the order in which interceptors handle messages and
// faults
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) interceptor(id, phaseName string, outcome func() contracts.Outcome) *Func {
	return NewFunc(id, phaseName, func(ctx context.Context, msg *contracts.Message) contracts.Outcome {
		r.add(id)
		if outcome == nil {
			return contracts.Continue()
		}
		return outcome()
	}).OnFault(func(ctx context.Context, msg *contracts.Message) error {
		r.add("fault:" + id)
		return nil
	})
}

type mockObserver struct {
	mock.Mock
}

func (m *mockObserver) OnMessage(ctx context.Context, msg *contracts.Message) {
	m.Called(ctx, msg)
}

type mockFaultListener struct {
	mock.Mock
}

func (m *mockFaultListener) FaultOccurred(err error, description string, msg *contracts.Message) bool {
	args := m.Called(err, description, msg)
	return args.Bool(0)
}

type mockContinuationProvider struct {
	mock.Mock
}

func (m *mockContinuationProvider) GetContinuation() contracts.Continuation {
	args := m.Called()
	return args.Get(0).(contracts.Continuation)
}

func (m *mockContinuationProvider) Complete() {
	m.Called()
}

func ids(ics []Interceptor) []string {
	out := make([]string, len(ics))
	for i, ic := range ics {
		out[i] = ic.ID()
	}
	return out
}

func TestNewChainOrdering(t *testing.T) {
	t.Run("groups by phase order", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("c", "p3", nil),
			rec.interceptor("a", "p1", nil),
			rec.interceptor("b", "p2", nil),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(chain.Interceptors()))
	})

	t.Run("ties keep registration order", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("x", "p1", nil),
			rec.interceptor("y", "p1", nil),
			rec.interceptor("z", "p1", nil),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"x", "y", "z"}, ids(chain.Interceptors()))
	})

	t.Run("before and after hints", func(t *testing.T) {
		rec := &recorder{}
		p3 := rec.interceptor("p3", "p1", nil).RunsBefore("p2")
		p1 := rec.interceptor("p1", "p1", nil)
		p2 := rec.interceptor("p2", "p1", nil).RunsBefore("p1")

		chain, err := NewChain(testPhases, []Interceptor{p3, p1, p2})
		require.NoError(t, err)
		assert.Equal(t, []string{"p3", "p2", "p1"}, ids(chain.Interceptors()))
	})

	t.Run("after hint moves interceptor later", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("late", "p2", nil).RunsAfter("early"),
			rec.interceptor("early", "p2", nil),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"early", "late"}, ids(chain.Interceptors()))
	})

	t.Run("hints naming absent interceptors are ignored", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("a", "p1", nil).RunsAfter("missing"),
			rec.interceptor("b", "p1", nil).RunsBefore("c"),
			rec.interceptor("c", "p2", nil),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(chain.Interceptors()))
	})

	t.Run("cycle is an assembly error", func(t *testing.T) {
		rec := &recorder{}
		_, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("ok", "p2", nil),
			rec.interceptor("a", "p2", nil).RunsBefore("b"),
			rec.interceptor("b", "p2", nil).RunsBefore("a"),
		})

		var assemblyErr *contracts.ChainAssemblyError
		require.ErrorAs(t, err, &assemblyErr)
		assert.Equal(t, "p2", assemblyErr.Phase)
		assert.Equal(t, []string{"a", "b"}, assemblyErr.Cycle)
	})

	t.Run("unknown phase is an assembly error", func(t *testing.T) {
		rec := &recorder{}
		_, err := NewChain(testPhases, []Interceptor{rec.interceptor("a", "p9", nil)})

		assert.True(t, contracts.IsAssemblyError(err))
		assert.ErrorIs(t, err, contracts.ErrUnknownPhase)
	})

	t.Run("duplicate id is an assembly error", func(t *testing.T) {
		rec := &recorder{}
		_, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("a", "p1", nil),
			rec.interceptor("a", "p2", nil),
		})
		assert.True(t, contracts.IsAssemblyError(err))
	})
}

func TestChainLinearSuccess(t *testing.T) {
	rec := &recorder{}
	chain, err := NewChain(testPhases, []Interceptor{
		rec.interceptor("i1", "p1", nil),
		rec.interceptor("i2", "p2", nil),
		rec.interceptor("i3", "p3", nil),
	})
	require.NoError(t, err)

	msg := contracts.NewMessage()
	require.NoError(t, chain.DoIntercept(context.Background(), msg))

	assert.Equal(t, []string{"i1", "i2", "i3"}, rec.list())
	assert.Equal(t, contracts.StateComplete, chain.State())
	assert.Same(t, chain, msg.Chain())

	t.Run("second run on a complete chain is a no-op", func(t *testing.T) {
		require.NoError(t, chain.DoIntercept(context.Background(), msg))
		assert.Equal(t, []string{"i1", "i2", "i3"}, rec.list())
	})
}

func TestChainFaultUnwind(t *testing.T) {
	boom := errors.New("boom")
	rec := &recorder{}
	observer := &mockObserver{}
	chain, err := NewChain(testPhases, []Interceptor{
		rec.interceptor("i1", "p1", nil),
		rec.interceptor("i2", "p2", nil),
		rec.interceptor("i3", "p3", func() contracts.Outcome { return contracts.Fault(boom) }),
		rec.interceptor("i4", "p3", nil),
	}, WithFaultObserver(observer))
	require.NoError(t, err)

	msg := contracts.NewMessage()
	observer.On("OnMessage", mock.Anything, msg).Return()

	err = chain.DoIntercept(context.Background(), msg)

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var rf *contracts.RuntimeFault
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, "i3", rf.Interceptor)
	assert.Equal(t, "p3", rf.Phase)

	assert.Equal(t, []string{"i1", "i2", "i3", "fault:i2", "fault:i1"}, rec.list())
	assert.Equal(t, contracts.StateAborted, chain.State())
	assert.Equal(t, err, msg.Fault())
	observer.AssertNumberOfCalls(t, "OnMessage", 1)

	t.Run("aborted chain refuses to run", func(t *testing.T) {
		assert.ErrorIs(t, chain.DoIntercept(context.Background(), msg), contracts.ErrChainAborted)
	})
}

func TestChainFaultSources(t *testing.T) {
	t.Run("panic becomes runtime fault", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("i1", "p1", nil),
			rec.interceptor("i2", "p2", func() contracts.Outcome { panic("kaboom") }),
		})
		require.NoError(t, err)

		err = chain.DoIntercept(context.Background(), contracts.NewMessage())

		var rf *contracts.RuntimeFault
		require.ErrorAs(t, err, &rf)
		assert.Equal(t, "kaboom", rf.Panic)
		assert.Equal(t, []string{"i1", "i2", "fault:i1"}, rec.list())
	})

	t.Run("fault flagged on the message", func(t *testing.T) {
		rec := &recorder{}
		flag := NewFunc("flag", "p2", func(ctx context.Context, msg *contracts.Message) contracts.Outcome {
			rec.add("flag")
			msg.SetFault(contracts.NewProtocolFault("Client", "bad input"))
			return contracts.Continue()
		})
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("i1", "p1", nil),
			flag,
			rec.interceptor("i3", "p3", nil),
		})
		require.NoError(t, err)

		err = chain.DoIntercept(context.Background(), contracts.NewMessage())

		assert.True(t, contracts.IsProtocolFault(err))
		assert.Equal(t, []string{"i1", "flag", "fault:i1"}, rec.list())
	})

	t.Run("a fault already on the message does not abort", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{rec.interceptor("i1", "p1", nil)})
		require.NoError(t, err)

		msg := contracts.NewMessage()
		msg.SetFault(errors.New("remote fault"))

		require.NoError(t, chain.DoIntercept(context.Background(), msg))
		assert.Equal(t, contracts.StateComplete, chain.State())
	})

	t.Run("unwind errors and panics are swallowed", func(t *testing.T) {
		boom := errors.New("boom")
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

		rec := &recorder{}
		failing := NewFunc("failing", "p1", nil).OnFault(func(ctx context.Context, msg *contracts.Message) error {
			rec.add("fault:failing")
			return errors.New("cleanup failed")
		})
		panicking := NewFunc("panicking", "p1", nil).OnFault(func(ctx context.Context, msg *contracts.Message) error {
			rec.add("fault:panicking")
			panic("cleanup panic")
		})
		chain, err := NewChain(testPhases, []Interceptor{
			failing,
			panicking,
			rec.interceptor("i3", "p2", func() contracts.Outcome { return contracts.Fault(boom) }),
		}, WithChainLogger(logger))
		require.NoError(t, err)

		err = chain.DoIntercept(context.Background(), contracts.NewMessage())

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"i3", "fault:panicking", "fault:failing"}, rec.list())
		assert.Contains(t, buf.String(), "cleanup failed")
		assert.Contains(t, buf.String(), "cleanup panic")
	})
}

func TestChainPauseResume(t *testing.T) {
	t.Run("pause outcome releases the caller", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("i1", "p1", nil),
			rec.interceptor("i2", "p2", contracts.Pause),
			rec.interceptor("i3", "p3", nil),
		})
		require.NoError(t, err)

		require.NoError(t, chain.DoIntercept(context.Background(), contracts.NewMessage()))
		assert.Equal(t, contracts.StatePaused, chain.State())
		assert.Equal(t, []string{"i1", "i2"}, rec.list())

		require.NoError(t, chain.Resume(context.Background()))
		assert.Equal(t, contracts.StateComplete, chain.State())
		assert.Equal(t, []string{"i1", "i2", "i3"}, rec.list())
	})

	t.Run("chain pause from inside an interceptor", func(t *testing.T) {
		rec := &recorder{}
		pausing := NewFunc("pausing", "p2", func(ctx context.Context, msg *contracts.Message) contracts.Outcome {
			rec.add("pausing")
			msg.Chain().Pause()
			return contracts.Continue()
		})
		chain, err := NewChain(testPhases, []Interceptor{pausing, rec.interceptor("i3", "p3", nil)})
		require.NoError(t, err)

		require.NoError(t, chain.DoIntercept(context.Background(), contracts.NewMessage()))
		assert.Equal(t, contracts.StatePaused, chain.State())

		require.NoError(t, chain.Resume(context.Background()))
		assert.Equal(t, []string{"pausing", "i3"}, rec.list())
	})

	t.Run("resume racing the pausing interceptor is not lost", func(t *testing.T) {
		rec := &recorder{}
		resumed := make(chan error, 1)
		pausing := NewFunc("pausing", "p2", func(ctx context.Context, msg *contracts.Message) contracts.Outcome {
			rec.add("pausing")
			chain := msg.Chain()
			chain.Pause()
			go func() { resumed <- chain.Resume(context.Background()) }()
			require.NoError(t, <-resumed)
			return contracts.Pause()
		})
		chain, err := NewChain(testPhases, []Interceptor{pausing, rec.interceptor("i3", "p3", nil)})
		require.NoError(t, err)

		require.NoError(t, chain.DoIntercept(context.Background(), contracts.NewMessage()))
		assert.Equal(t, contracts.StateComplete, chain.State())
		assert.Equal(t, []string{"pausing", "i3"}, rec.list())
	})

	t.Run("resume on a running chain does not run it twice", func(t *testing.T) {
		rec := &recorder{}
		started := make(chan struct{})
		release := make(chan struct{})
		blocking := NewFunc("blocking", "p1", func(ctx context.Context, msg *contracts.Message) contracts.Outcome {
			rec.add("blocking")
			close(started)
			<-release
			return contracts.Continue()
		})
		chain, err := NewChain(testPhases, []Interceptor{blocking, rec.interceptor("i2", "p2", nil)})
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- chain.DoIntercept(context.Background(), contracts.NewMessage()) }()
		<-started

		assert.NoError(t, chain.Resume(context.Background()))
		assert.ErrorIs(t, chain.DoIntercept(context.Background(), contracts.NewMessage()), contracts.ErrChainBusy)

		close(release)
		require.NoError(t, <-done)
		assert.Equal(t, []string{"blocking", "i2"}, rec.list())
	})

	t.Run("pause then resume with no paused message completes", func(t *testing.T) {
		chain, err := NewChain(testPhases, nil)
		require.NoError(t, err)

		chain.Pause()
		assert.Equal(t, contracts.StatePaused, chain.State())
		require.NoError(t, chain.Resume(context.Background()))
		assert.Equal(t, contracts.StateComplete, chain.State())
	})

	t.Run("message handed to a paused chain runs on resume", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{rec.interceptor("i1", "p1", nil)})
		require.NoError(t, err)

		chain.Pause()
		require.NoError(t, chain.DoIntercept(context.Background(), contracts.NewMessage()))
		assert.Empty(t, rec.list())

		require.NoError(t, chain.Resume(context.Background()))
		assert.Equal(t, []string{"i1"}, rec.list())
	})

	t.Run("fault flagged while paused unwinds the pausing interceptor", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("i1", "p1", nil),
			rec.interceptor("i2", "p2", contracts.Pause),
			rec.interceptor("i3", "p3", nil),
		})
		require.NoError(t, err)

		msg := contracts.NewMessage()
		require.NoError(t, chain.DoIntercept(context.Background(), msg))

		timeout := &contracts.ContinuationTimeout{MessageID: msg.ID(), Timeout: time.Millisecond}
		msg.SetFault(timeout)
		err = chain.Resume(context.Background())

		assert.ErrorIs(t, err, timeout)
		assert.Equal(t, []string{"i1", "i2", "fault:i2", "fault:i1"}, rec.list())
		assert.Equal(t, contracts.StateAborted, chain.State())
	})

	t.Run("fault flagged before the message is handed over again", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("i1", "p1", nil),
			rec.interceptor("i2", "p2", contracts.Pause),
			rec.interceptor("i3", "p3", nil),
		})
		require.NoError(t, err)

		msg := contracts.NewMessage()
		require.NoError(t, chain.DoIntercept(context.Background(), msg))

		timeout := &contracts.ContinuationTimeout{MessageID: msg.ID(), Timeout: time.Millisecond}
		msg.SetFault(timeout)
		require.NoError(t, chain.DoIntercept(context.Background(), msg))
		assert.Equal(t, contracts.StatePaused, chain.State())

		err = chain.Resume(context.Background())
		assert.ErrorIs(t, err, timeout)
		assert.Equal(t, []string{"i1", "i2", "fault:i2", "fault:i1"}, rec.list())
	})

	t.Run("abort while paused", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("i1", "p1", contracts.Pause),
			rec.interceptor("i2", "p2", nil),
		})
		require.NoError(t, err)

		require.NoError(t, chain.DoIntercept(context.Background(), contracts.NewMessage()))
		chain.Abort()
		require.NoError(t, chain.Resume(context.Background()))

		assert.Equal(t, contracts.StateAborted, chain.State())
		assert.Equal(t, []string{"i1"}, rec.list())
	})
}

func TestChainReleasesContinuations(t *testing.T) {
	t.Run("fault completes the pending continuation", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("i1", "p1", func() contracts.Outcome {
				return contracts.Fault(errors.New("backend down"))
			}),
		})
		require.NoError(t, err)

		provider := &mockContinuationProvider{}
		provider.On("Complete").Once()
		msg := contracts.NewMessage()
		msg.SetContinuationProvider(provider)

		assert.Error(t, chain.DoIntercept(context.Background(), msg))
		provider.AssertExpectations(t)
	})

	t.Run("abort completes the pending continuation", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("i1", "p1", contracts.Pause),
		})
		require.NoError(t, err)

		provider := &mockContinuationProvider{}
		provider.On("Complete").Once()
		msg := contracts.NewMessage()
		msg.SetContinuationProvider(provider)

		require.NoError(t, chain.DoIntercept(context.Background(), msg))
		chain.Abort()
		provider.AssertExpectations(t)
	})

	t.Run("abort after completion leaves the continuation alone", func(t *testing.T) {
		chain, err := NewChain(testPhases, nil)
		require.NoError(t, err)

		provider := &mockContinuationProvider{}
		msg := contracts.NewMessage()
		msg.SetContinuationProvider(provider)

		require.NoError(t, chain.DoIntercept(context.Background(), msg))
		chain.Abort()
		provider.AssertNotCalled(t, "Complete")
	})
}

func TestChainWrappedInvocation(t *testing.T) {
	rec := &recorder{}
	wrapper := NewFunc("wrapper", "p2", func(ctx context.Context, msg *contracts.Message) contracts.Outcome {
		rec.add("wrapper:before")
		err := msg.Chain().DoIntercept(ctx, msg)
		rec.add("wrapper:after")
		if err != nil {
			return contracts.Fault(err)
		}
		return contracts.Continue()
	})
	chain, err := NewChain(testPhases, []Interceptor{
		rec.interceptor("i1", "p1", nil),
		wrapper,
		rec.interceptor("i3", "p3", nil),
	})
	require.NoError(t, err)

	require.NoError(t, chain.DoIntercept(context.Background(), contracts.NewMessage()))

	assert.Equal(t, []string{"i1", "wrapper:before", "i3", "wrapper:after"}, rec.list())
	assert.Equal(t, contracts.StateComplete, chain.State())

	t.Run("fault inside the wrapped part unwinds once", func(t *testing.T) {
		rec := &recorder{}
		boom := errors.New("boom")
		wrapper := NewFunc("wrapper", "p2", func(ctx context.Context, msg *contracts.Message) contracts.Outcome {
			if err := msg.Chain().DoIntercept(ctx, msg); err != nil {
				return contracts.Fault(err)
			}
			return contracts.Continue()
		}).OnFault(func(ctx context.Context, msg *contracts.Message) error {
			rec.add("fault:wrapper")
			return nil
		})
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("i1", "p1", nil),
			wrapper,
			rec.interceptor("i3", "p3", func() contracts.Outcome { return contracts.Fault(boom) }),
		})
		require.NoError(t, err)

		err = chain.DoIntercept(context.Background(), contracts.NewMessage())

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"i1", "i3", "fault:wrapper", "fault:i1"}, rec.list())
	})
}

func TestChainStartingPoints(t *testing.T) {
	build := func(rec *recorder) *PhaseInterceptorChain {
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("i1", "p1", nil),
			rec.interceptor("i2", "p2", nil),
			rec.interceptor("i3", "p3", nil),
		})
		require.NoError(t, err)
		return chain
	}

	t.Run("starting after", func(t *testing.T) {
		rec := &recorder{}
		require.NoError(t, build(rec).DoInterceptStartingAfter(context.Background(), contracts.NewMessage(), "i1"))
		assert.Equal(t, []string{"i2", "i3"}, rec.list())
	})

	t.Run("starting at", func(t *testing.T) {
		rec := &recorder{}
		require.NoError(t, build(rec).DoInterceptStartingAt(context.Background(), contracts.NewMessage(), "i2"))
		assert.Equal(t, []string{"i2", "i3"}, rec.list())
	})

	t.Run("unknown id", func(t *testing.T) {
		rec := &recorder{}
		err := build(rec).DoInterceptStartingAt(context.Background(), contracts.NewMessage(), "nope")
		assert.ErrorIs(t, err, contracts.ErrNotFound)
	})
}

func TestChainRuntimeChanges(t *testing.T) {
	t.Run("interceptor added during execution runs", func(t *testing.T) {
		rec := &recorder{}
		adder := NewFunc("adder", "p1", func(ctx context.Context, msg *contracts.Message) contracts.Outcome {
			rec.add("adder")
			chain, ok := ChainFromContext(ctx)
			require.True(t, ok)
			require.NoError(t, chain.Add(rec.interceptor("added", "p2", nil).RunsBefore("i2")))
			return contracts.Continue()
		})
		chain, err := NewChain(testPhases, []Interceptor{adder, rec.interceptor("i2", "p2", nil)})
		require.NoError(t, err)

		require.NoError(t, chain.DoIntercept(context.Background(), contracts.NewMessage()))
		assert.Equal(t, []string{"adder", "added", "i2"}, rec.list())
	})

	t.Run("adding to an executed phase fails", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("i1", "p1", nil),
			rec.interceptor("i2", "p2", contracts.Pause),
		})
		require.NoError(t, err)
		require.NoError(t, chain.DoIntercept(context.Background(), contracts.NewMessage()))

		err = chain.Add(rec.interceptor("late", "p1", nil))
		assert.True(t, contracts.IsAssemblyError(err))
	})

	t.Run("remove unexecuted interceptor", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("i1", "p1", nil),
			rec.interceptor("i2", "p2", nil),
		})
		require.NoError(t, err)

		assert.True(t, chain.Remove("i2"))
		assert.False(t, chain.Remove("i2"))
		require.NoError(t, chain.DoIntercept(context.Background(), contracts.NewMessage()))
		assert.Equal(t, []string{"i1"}, rec.list())
	})

	t.Run("reset allows another run", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{rec.interceptor("i1", "p1", nil)})
		require.NoError(t, err)

		require.NoError(t, chain.DoIntercept(context.Background(), contracts.NewMessage()))
		require.NoError(t, chain.Reset())
		require.NoError(t, chain.DoIntercept(context.Background(), contracts.NewMessage()))
		assert.Equal(t, []string{"i1", "i1"}, rec.list())
	})

	t.Run("unwind calls executed interceptors in reverse", func(t *testing.T) {
		rec := &recorder{}
		chain, err := NewChain(testPhases, []Interceptor{
			rec.interceptor("i1", "p1", nil),
			rec.interceptor("i2", "p2", nil),
		})
		require.NoError(t, err)

		msg := contracts.NewMessage()
		require.NoError(t, chain.DoIntercept(context.Background(), msg))
		chain.Unwind(context.Background(), msg)
		assert.Equal(t, []string{"i1", "i2", "fault:i2", "fault:i1"}, rec.list())
	})
}

func TestChainFaultListener(t *testing.T) {
	boom := errors.New("boom")
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	build := func() *PhaseInterceptorChain {
		chain, err := NewChain(testPhases, []Interceptor{
			NewFunc("failing", "p1", func(ctx context.Context, msg *contracts.Message) contracts.Outcome {
				return contracts.Fault(boom)
			}),
		}, WithChainLogger(logger))
		require.NoError(t, err)
		return chain
	}

	t.Run("listener suppresses logging", func(t *testing.T) {
		buf.Reset()
		listener := &mockFaultListener{}
		listener.On("FaultOccurred", mock.Anything, mock.Anything, mock.Anything).Return(false)

		msg := contracts.NewMessage()
		msg.Set(contracts.PropFaultListener, listener)
		_ = build().DoIntercept(context.Background(), msg)

		listener.AssertExpectations(t)
		assert.Empty(t, buf.String())
	})

	t.Run("listener found through the exchange asks for logging", func(t *testing.T) {
		buf.Reset()
		listener := &mockFaultListener{}
		listener.On("FaultOccurred", mock.Anything, mock.Anything, mock.Anything).Return(true)

		ex := contracts.NewExchange()
		ex.Set(contracts.PropFaultListener, listener)
		msg := contracts.NewMessage()
		ex.SetInMessage(msg)
		_ = build().DoIntercept(context.Background(), msg)

		listener.AssertExpectations(t)
		assert.Contains(t, buf.String(), "boom")
	})
}

func TestChainDescribe(t *testing.T) {
	rec := &recorder{}
	chain, err := NewChain(testPhases, []Interceptor{
		rec.interceptor("a", "p1", nil),
		rec.interceptor("b", "p1", nil),
		rec.interceptor("c", "p3", nil),
	}, WithName("in"))
	require.NoError(t, err)

	assert.Equal(t, "Chain in. Current flow:\n  p1 [a, b]\n  p3 [c]\n", chain.Describe())
}
