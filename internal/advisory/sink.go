package advisory

import "context"

// Sink consumes batches of advisories. Implementations must honor ctx
// deadlines and tolerate repeated Consume calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts individual advisories. Emit must not block the caller.
type Emitter interface {
	Emit(evt Event)
}

// Multi fans a single Emit out to several emitters.
type Multi []Emitter

// Emit forwards evt to every non-nil emitter.
func (m Multi) Emit(evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(evt)
		}
	}
}

// Nop discards every advisory.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
