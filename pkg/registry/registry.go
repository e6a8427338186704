package registry

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const shardCount = 64

// Observer is told about every slot transition. Calls are made while the
// recipient's shard lock is held, so for one recipient they arrive in the
// same order as the transitions; implementations must not block or call back
// into the registry.
type Observer interface {
	SlotReserved(recipient, connID string)
	HandleBound(h *Handle)
	HandleUnbound(h *Handle)
}

// a nil *Handle marks a pending slot
type slots map[string]*Handle

type shard struct {
	mu sync.RWMutex
	m  map[string]slots
}

// Registry maps recipients to their connection slots. Every operation is a
// short critical section on the recipient's shard; nothing here blocks on I/O.
type Registry struct {
	shards    [shardCount]shard
	node      *snowflake.Node
	observers []Observer
}

type Option func(*Registry)

// WithObserver adds an observer. Observers are fixed at construction.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithNode sets the snowflake node used to number handles.
func WithNode(node *snowflake.Node) Option {
	return func(r *Registry) {
		if node != nil {
			r.node = node
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{}
	for i := 0; i < shardCount; i++ {
		r.shards[i].m = make(map[string]slots)
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.node == nil {
		node, err := snowflake.NewNode(0)
		if err != nil {
			// node 0 is always within range
			panic(err)
		}
		r.node = node
	}
	return r
}

func (r *Registry) getShard(recipient string) *shard {
	return &r.shards[xxhash.Sum64String(recipient)%shardCount]
}

// Reserve creates a pending slot for (recipient, connID) unless one exists.
// It reports whether a slot was created; reserving an existing slot, pending
// or bound, changes nothing.
func (r *Registry) Reserve(recipient, connID string) bool {
	s := r.getShard(recipient)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.m[recipient]
	if !ok {
		entry = make(slots)
		s.m[recipient] = entry
	}
	if _, exists := entry[connID]; exists {
		return false
	}
	entry[connID] = nil
	for _, o := range r.observers {
		o.SlotReserved(recipient, connID)
	}
	return true
}

// Bind attaches e to the pending slot (recipient, connID). It fails without
// side effects when the slot was never reserved or is already bound; of two
// concurrent binds on one slot exactly one succeeds.
func (r *Registry) Bind(recipient, connID string, e Emitter) (*Handle, bool) {
	if e == nil {
		return nil, false
	}
	s := r.getShard(recipient)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.m[recipient]
	if !ok {
		return nil, false
	}
	current, exists := entry[connID]
	if !exists || current != nil {
		return nil, false
	}
	h := &Handle{
		id:        r.node.Generate().Int64(),
		recipient: recipient,
		connID:    connID,
		emitter:   e,
	}
	entry[connID] = h
	if l, ok := e.(BindListener); ok {
		l.Bound(h)
	}
	for _, o := range r.observers {
		o.HandleBound(h)
	}
	return h, true
}

// Unbind removes the slot h occupies, but only while the slot still holds h.
// Unbinding a stale, foreign or nil handle is a no-op, as is unbinding twice.
func (r *Registry) Unbind(h *Handle) bool {
	if h == nil {
		return false
	}
	s := r.getShard(h.recipient)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.m[h.recipient]
	if !ok || entry[h.connID] != h {
		return false
	}
	delete(entry, h.connID)
	if len(entry) == 0 {
		delete(s.m, h.recipient)
	}
	for _, o := range r.observers {
		o.HandleUnbound(h)
	}
	return true
}

// Delivery summarises one Deliver call.
type Delivery struct {
	Attempted int
	Delivered int
}

// Deliver emits event to every bound slot of recipient. Pending slots and
// unknown recipients are skipped; emit failures are logged and counted, never
// returned. Emits happen outside the shard lock on a snapshot of the bound
// handles taken under it.
func (r *Registry) Deliver(recipient, event string, payload interface{}) Delivery {
	s := r.getShard(recipient)
	s.mu.RLock()
	entry := s.m[recipient]
	targets := make([]*Handle, 0, len(entry))
	for _, h := range entry {
		if h != nil {
			targets = append(targets, h)
		}
	}
	s.mu.RUnlock()

	d := Delivery{Attempted: len(targets)}
	for _, h := range targets {
		if err := h.Emit(event, payload); err != nil {
			zap.L().Warn("emit failed",
				zap.String("user_id", h.recipient),
				zap.String("connection_id", MaskID(h.connID)),
				zap.Int64("handle_id", h.id),
				zap.Error(err))
			continue
		}
		d.Delivered++
	}
	return d
}

// SlotCount is the per-recipient view returned by Lookup.
type SlotCount struct {
	Pending int `json:"pending"`
	Bound   int `json:"bound"`
}

func (r *Registry) Lookup(recipient string) SlotCount {
	s := r.getShard(recipient)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countSlots(s.m[recipient])
}

type Stats struct {
	Recipients int `json:"recipients"`
	Pending    int `json:"pending"`
	Bound      int `json:"bound"`
}

// Stats walks every shard; shards are locked one at a time, so the totals are
// not a single atomic snapshot.
func (r *Registry) Stats() Stats {
	var st Stats
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		st.Recipients += len(s.m)
		for _, entry := range s.m {
			c := countSlots(entry)
			st.Pending += c.Pending
			st.Bound += c.Bound
		}
		s.mu.RUnlock()
	}
	return st
}

func countSlots(entry slots) SlotCount {
	var c SlotCount
	for _, h := range entry {
		if h == nil {
			c.Pending++
		} else {
			c.Bound++
		}
	}
	return c
}

// MaskID shortens an identifier for logs: the first four characters followed
// by "***".
func MaskID(id string) string {
	n := 0
	for i := range id {
		if n == 4 {
			return id[:i] + "***"
		}
		n++
	}
	return id + "***"
}
