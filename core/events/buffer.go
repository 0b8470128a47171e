package events

// Buffer collects events emitted during a single call so they can be published
// once the call has been committed, or dropped when it aborts.
type Buffer struct {
	events []Event
}

// Emit implements the Emitter interface.
func (b *Buffer) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	b.events = append(b.events, evt)
}

// Events returns the buffered events in emission order.
func (b *Buffer) Events() []Event {
	if b == nil {
		return nil
	}
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Len reports the number of buffered events.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.events)
}

// Flush forwards every buffered event to the target emitter and resets the
// buffer.
func (b *Buffer) Flush(target Emitter) {
	if b == nil {
		return
	}
	if target != nil {
		for _, evt := range b.events {
			target.Emit(evt)
		}
	}
	b.events = nil
}

// Reset drops every buffered event.
func (b *Buffer) Reset() {
	if b == nil {
		return
	}
	b.events = nil
}

// MultiEmitter fans out events to several emitters in order.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(evt Event) {
	for _, target := range m {
		if target != nil {
			target.Emit(evt)
		}
	}
}
