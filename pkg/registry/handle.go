package registry

// Emitter is the part of a transport connection the registry needs: a way to
// hand it a named event. Emit must not wait for the write to reach the peer.
type Emitter interface {
	Emit(event string, payload interface{}) error
}

// BindListener may be implemented by an Emitter. Bound is called inside Bind
// while the slot is still invisible to Deliver, so anything it queues reaches
// the peer ahead of every delivered event. It must not block.
type BindListener interface {
	Bound(h *Handle)
}

// Handle is a bound connection slot. It is created by Bind and never changes
// afterwards; the registry compares handles by pointer, so a handle can only
// ever remove the slot it was created for.
type Handle struct {
	id        int64
	recipient string
	connID    string
	emitter   Emitter
}

// ID is unique per successful Bind, so two bindings of the same
// (recipient, connection id) pair are distinguishable.
func (h *Handle) ID() int64 { return h.id }

func (h *Handle) Recipient() string { return h.recipient }

func (h *Handle) ConnectionID() string { return h.connID }

func (h *Handle) Emit(event string, payload interface{}) error {
	return h.emitter.Emit(event, payload)
}
