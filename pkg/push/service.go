package push

import (
	"PushRelay/pkg/monitor"
	"PushRelay/pkg/registry"

	"go.uber.org/zap"
)

// MessageEvent is the event name pushed messages are emitted under.
const MessageEvent = "message"

// Connection is what the transport hands to the service when a socket asks to
// be bound: something that can be told to emit an event and that reports its
// own close exactly once. OnClose callbacks registered after the close must
// run immediately.
type Connection interface {
	registry.Emitter
	OnClose(func())
}

// Service is the delivery engine. Both the socket event handler and the HTTP
// command handlers call into it; it holds no state besides the registry.
type Service struct {
	reg *registry.Registry
}

func NewService(reg *registry.Registry) *Service {
	return &Service{reg: reg}
}

// RegisterUser reserves a connection slot. It must precede RegisterConnection
// for the same pair.
func (s *Service) RegisterUser(userID, connectionID string) {
	if s.reg.Reserve(userID, connectionID) {
		zap.L().Info("Registered connection for user",
			zap.String("connection_id", registry.MaskID(connectionID)),
			zap.String("user_id", userID))
	}
}

// RegisterConnection binds conn to the reserved slot and arranges for the slot
// to be released when conn closes. When it returns false nothing was bound:
// the caller should close conn and the client has to register again from
// RegisterUser.
func (s *Service) RegisterConnection(userID, connectionID string, conn Connection) (*registry.Handle, bool) {
	h, ok := s.reg.Bind(userID, connectionID, conn)
	if !ok {
		zap.L().Info("Not found empty slot for connection",
			zap.String("connection_id", registry.MaskID(connectionID)),
			zap.String("user_id", userID))
		return nil, false
	}
	conn.OnClose(func() { s.OnDisconnect(h) })
	zap.L().Info("Registered socket for connection",
		zap.String("connection_id", registry.MaskID(connectionID)),
		zap.String("user_id", userID),
		zap.Int64("handle_id", h.ID()))
	return h, true
}

// OnDisconnect releases the slot held by h, if h still holds it.
func (s *Service) OnDisconnect(h *registry.Handle) {
	if s.reg.Unbind(h) {
		zap.L().Info("Removed socket for user",
			zap.String("user_id", h.Recipient()),
			zap.String("connection_id", registry.MaskID(h.ConnectionID())),
			zap.Int64("handle_id", h.ID()))
	}
}

// Push hands message to every live connection of userID and returns how many
// accepted it. An offline or unknown recipient is not an error.
func (s *Service) Push(userID string, message interface{}) int {
	d := s.reg.Deliver(userID, MessageEvent, message)
	monitor.ObservePush(d.Delivered, d.Attempted)
	if d.Attempted == 0 {
		zap.L().Debug("push to offline user dropped", zap.String("user_id", userID))
	}
	return d.Delivered
}

func (s *Service) Status(userID string) registry.SlotCount {
	return s.reg.Lookup(userID)
}

func (s *Service) Stats() registry.Stats {
	return s.reg.Stats()
}
