package observability

import (
	"log/slog"

	"merkledrop/core/events"
)

// AuditEmitter implements events.Emitter by writing every engine event to the
// structured audit log. Events are advisory, so emission never fails and is
// never read back by the engine.
type AuditEmitter struct {
	logger *slog.Logger
}

// NewAuditEmitter wraps the supplied logger; a nil logger falls back to the
// process default.
func NewAuditEmitter(logger *slog.Logger) *AuditEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditEmitter{logger: logger}
}

// Emit implements the events.Emitter interface.
func (a *AuditEmitter) Emit(evt events.Event) {
	if a == nil || evt == nil {
		return
	}
	attributes := evt.Attributes()
	attrs := make([]any, 0, 2*len(attributes))
	for key, value := range attributes {
		attrs = append(attrs, slog.String(key, value))
	}
	a.logger.With("event", evt.EventType()).Info("audit", attrs...)
}
