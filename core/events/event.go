package events

// Event represents a structured state change emitted by the distribution
// engine for external observers (audit log, indexers, metrics bridges).
type Event interface {
	EventType() string
	Attributes() map[string]string
}

// Emitter broadcasts events to downstream subscribers. Events are advisory:
// the engine never reads them back, so a lossy emitter cannot corrupt state.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
// It is the default wherever an emitter is optional.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
