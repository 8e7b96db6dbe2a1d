package transports

import (
	"context"
	"errors"

	"github.com/glimte/phasechain/contracts"
)

// PropBackChannel carries the conduit a provider uses to answer an inbound
// request
const PropBackChannel = "phasechain.backChannel"

var (
	// ErrClosed is returned when sending through a closed transport
	ErrClosed = errors.New("transport: closed")

	// ErrNoRoute is returned when no destination is bound to an address
	ErrNoRoute = errors.New("transport: no destination for address")

	// ErrNoObserver is returned when a destination is started without an
	// observer
	ErrNoObserver = errors.New("transport: no observer set")
)

// Destination receives inbound requests for an endpoint and hands them to
// its observer
type Destination interface {
	// SetObserver sets where inbound messages are delivered
	SetObserver(observer contracts.MessageObserver)

	// Start begins delivering messages
	Start(ctx context.Context) error

	// Close stops delivery
	Close() error
}

// ClientConduit sends requests and delivers responses to its observer
type ClientConduit interface {
	contracts.Conduit

	// SetObserver sets where responses are delivered
	SetObserver(observer contracts.MessageObserver)

	// Close stops the conduit
	Close() error
}

// SetBackChannel records the conduit for the response leg of msg
func SetBackChannel(msg *contracts.Message, conduit contracts.Conduit) {
	msg.Set(PropBackChannel, conduit)
}

// BackChannel returns the conduit for the response leg of msg
func BackChannel(msg *contracts.Message) (contracts.Conduit, bool) {
	v, ok := msg.Get(PropBackChannel)
	if !ok {
		return nil, false
	}
	conduit, ok := v.(contracts.Conduit)
	return conduit, ok
}
