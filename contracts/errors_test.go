package contracts

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToFault(t *testing.T) {
	t.Run("plain error becomes runtime fault", func(t *testing.T) {
		cause := errors.New("boom")
		err := ToFault(cause, "validator", "pre-logical")

		var rf *RuntimeFault
		require.True(t, errors.As(err, &rf))
		assert.Equal(t, "validator", rf.Interceptor)
		assert.Equal(t, "pre-logical", rf.Phase)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, FaultModeRuntime, FaultModeOf(err))
	})

	t.Run("faults pass through unchanged", func(t *testing.T) {
		pf := NewProtocolFault("Client", "bad request")
		wrapped := fmt.Errorf("failed to read: %w", pf)

		assert.Same(t, pf, ToFault(pf, "x", "y"))
		assert.Equal(t, wrapped, ToFault(wrapped, "x", "y"))
		assert.Equal(t, FaultModeProtocol, FaultModeOf(wrapped))
		assert.True(t, IsProtocolFault(wrapped))
	})

	t.Run("timeout is classified", func(t *testing.T) {
		err := &ContinuationTimeout{MessageID: "m-1", Timeout: time.Second}
		assert.Equal(t, FaultModeTimeout, FaultModeOf(err))
		assert.Contains(t, err.Error(), "m-1")
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, ToFault(nil, "x", "y"))
	})
}

func TestChainAssemblyError(t *testing.T) {
	cycle := &ChainAssemblyError{Phase: "user-logical", Cycle: []string{"a", "b"}}
	assert.Contains(t, cycle.Error(), "a, b")
	assert.True(t, IsAssemblyError(cycle))
	assert.False(t, errors.Is(cycle, ErrUnknownPhase))

	unknown := &ChainAssemblyError{Phase: "nowhere", Interceptor: "a", Reason: "unknown phase"}
	assert.ErrorIs(t, unknown, ErrUnknownPhase)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeContinue, Continue().Kind())
	assert.Equal(t, OutcomePause, Pause().Kind())

	f := Fault(nil)
	assert.Equal(t, OutcomeFault, f.Kind())
	assert.ErrorIs(t, f.Err(), ErrNilFault)
}

func TestEnvelope(t *testing.T) {
	t.Run("message round trip keeps routing fields", func(t *testing.T) {
		msg := NewMessage()
		msg.Set(PropOperation, "placeOrder")
		msg.SetCorrelationID("corr-1")
		msg.Set(PropReplyTo, "replies")
		msg.SetHeader("x-tenant", "acme")
		msg.SetPayload([]byte("hello"))

		data, err := NewEnvelope(msg).Encode()
		require.NoError(t, err)

		env, err := DecodeEnvelope(data)
		require.NoError(t, err)
		decoded := env.ToMessage()

		assert.Equal(t, msg.ID(), decoded.ID())
		assert.Equal(t, "placeOrder", decoded.Operation())
		assert.Equal(t, "corr-1", decoded.CorrelationID())
		assert.Equal(t, "acme", decoded.Header("x-tenant"))
		assert.Equal(t, []byte("hello"), decoded.Payload())
		assert.True(t, decoded.IsInbound())
		assert.Nil(t, decoded.Fault())
	})

	t.Run("protocol fault keeps its code", func(t *testing.T) {
		msg := NewMessage()
		msg.SetFault(NewProtocolFault("Client", "missing field"))

		env := NewEnvelope(msg)
		require.NotNil(t, env.Fault)

		var pf *ProtocolFault
		require.True(t, errors.As(env.ToMessage().Fault(), &pf))
		assert.Equal(t, "Client", pf.Code)
		assert.Equal(t, "missing field", pf.Reason)
	})

	t.Run("invalid data", func(t *testing.T) {
		_, err := DecodeEnvelope([]byte("{"))
		assert.Error(t, err)
	})
}
