package bridge

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/events/bus"
)

// Handler observes one bridge event. Handlers run synchronously on the
// emitting goroutine and must not block.
type Handler func(sessionID string, data map[string]any)

// Emitter dispatches bridge events to local subscribers and mirrors each
// one onto the event bus under its per-session subject.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	bus      bus.EventBus
	log      *logger.Logger
}

// NewEmitter creates an emitter mirroring onto b. A nil bus disables the
// mirror; local handlers still run.
func NewEmitter(b bus.EventBus, log *logger.Logger) *Emitter {
	return &Emitter{
		handlers: make(map[string][]Handler),
		bus:      b,
		log:      log,
	}
}

// On subscribes fn to eventType. Subscriptions are expected at bootstrap,
// before traffic flows.
func (e *Emitter) On(eventType string, fn Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[eventType] = append(e.handlers[eventType], fn)
}

// Emit runs the local handlers for eventType, then publishes the bus
// mirror. Publish failures are logged, never propagated: the in-process
// pipeline does not depend on the bus being up.
func (e *Emitter) Emit(sessionID, eventType string, data map[string]any) {
	e.mu.RLock()
	handlers := e.handlers[eventType]
	e.mu.RUnlock()

	for _, fn := range handlers {
		fn(sessionID, data)
	}

	if e.bus == nil {
		return
	}
	subject := events.BuildSessionSubject(sessionID, eventType)
	event := events.NewSessionEvent(eventType, "bridge", sessionID, data)
	if err := e.bus.Publish(context.Background(), subject, event); err != nil {
		e.log.Warn("event bus publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
