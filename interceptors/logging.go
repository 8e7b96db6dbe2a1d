package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/phasechain/contracts"
)

// LoggingInterceptor logs message processing. Register it together with its
// Ending interceptor so the completion is logged with timing information.
type LoggingInterceptor struct {
	Base
	logger   *slog.Logger
	startKey string
	ending   *loggingEnding
}

type loggingEnding struct {
	Base
	parent *LoggingInterceptor
}

// NewLoggingInterceptor creates a new logging interceptor that starts in
// phase and logs completion in endPhase
func NewLoggingInterceptor(phase, endPhase string, logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	i := &LoggingInterceptor{
		Base:     NewBase("LoggingInterceptor", phase),
		logger:   logger,
		startKey: "phasechain.logging.start",
	}
	i.ending = &loggingEnding{Base: NewBase("LoggingEndingInterceptor", endPhase), parent: i}
	return i
}

// Ending returns the interceptor that logs completion
func (i *LoggingInterceptor) Ending() Interceptor {
	return i.ending
}

// HandleMessage implements Interceptor
func (i *LoggingInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	msg.Set(i.startKey, time.Now())

	i.logger.Info("processing message",
		"messageId", msg.ID(),
		"operation", msg.Operation(),
		"correlationId", msg.CorrelationID(),
		"inbound", msg.IsInbound(),
	)
	return contracts.Continue()
}

// HandleFault implements Interceptor
func (i *LoggingInterceptor) HandleFault(ctx context.Context, msg *contracts.Message) error {
	i.logger.Error("message processing failed",
		"messageId", msg.ID(),
		"operation", msg.Operation(),
		"duration", i.elapsed(msg),
		"error", msg.Fault(),
	)
	return nil
}

func (i *LoggingInterceptor) elapsed(msg *contracts.Message) time.Duration {
	v, ok := msg.Get(i.startKey)
	if !ok {
		return 0
	}
	start, _ := v.(time.Time)
	return time.Since(start)
}

// HandleMessage implements Interceptor
func (e *loggingEnding) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	e.parent.logger.Info("message processed successfully",
		"messageId", msg.ID(),
		"operation", msg.Operation(),
		"duration", e.parent.elapsed(msg),
	)
	return contracts.Continue()
}
