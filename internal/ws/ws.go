package ws

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"PushRelay/pkg/config"
	"PushRelay/pkg/monitor"
	"PushRelay/pkg/push"
	"PushRelay/pkg/registry"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	EventRegister   = "register"
	EventRegistered = "registered"
	EventError      = "error"
)

var errBadRegistration = errors.New("register needs user_id and connection_id")

// Server upgrades HTTP requests to websockets and binds them to recipients
// through the push service.
type Server struct {
	svc      *push.Service
	upgrader websocket.Upgrader
	opts     connOptions
	pongWait time.Duration
	readLim  int64

	conns sync.Map // *Conn -> struct{}

	mu      sync.Mutex // guards closing and wg.Add
	closing bool
	wg      sync.WaitGroup
}

func NewServer(svc *push.Service, cfg *config.WebSocketConfig) *Server {
	if cfg == nil {
		cfg = config.Default().WebSocketConfig
	}
	pongWait := time.Duration(cfg.PongWait) * time.Second
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	return &Server{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		opts: connOptions{
			sendChannelSize: cfg.SendChannelSize,
			writeWait:       time.Duration(cfg.WriteWait) * time.Second,
			enqueueTimeout:  time.Duration(cfg.EnqueueTimeoutMs) * time.Millisecond,
			emitMon:         monitor.NewMonitor("push_ws", 1000, 60000),
		},
		pongWait: pongWait,
		readLim:  cfg.ReadLimit,
	}
}

// EmitMonitor exposes the emit latency monitor so the caller can Run it.
func (s *Server) EmitMonitor() *monitor.Monitor {
	return s.opts.emitMon
}

// WebSocketHandler serves one client connection for its whole lifetime. A
// client may register at handshake time with user_id and connection_id query
// parameters, or later with a "register" event.
func (s *Server) WebSocketHandler(c *gin.Context) {
	if !s.acquire() {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	wsConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zap.L().Error("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}

	conn := newConn(wsConn, s.opts)
	s.conns.Store(conn, struct{}{})
	conn.OnClose(func() { s.conns.Delete(conn) })
	go conn.writerLoop()
	go s.heartbeat(conn)
	if s.isClosing() {
		// Shutdown swept conns before this one was stored
		conn.CloseWith(websocket.CloseGoingAway, "server shutting down")
		return
	}

	if userID, connID := c.Query("user_id"), c.Query("connection_id"); userID != "" && connID != "" {
		s.register(conn, userID, connID)
	}

	s.readLoop(conn)
	conn.Close()
}

// acquire counts a handler in, unless Shutdown has started.
func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) register(conn *Conn, userID, connID string) {
	if h := conn.Handle(); h != nil {
		_ = conn.Emit(EventError, "connection already registered")
		return
	}
	// the registered ack is queued by conn.Bound during the bind
	if _, ok := s.svc.RegisterConnection(userID, connID, conn); !ok {
		_ = conn.Emit(EventError, "registration rejected")
		conn.closeAfterFlush(websocket.ClosePolicyViolation, "registration rejected")
	}
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// parseRegistration accepts {"user_id":..,"connection_id":..} or the
// positional form ["user", "connection"].
func parseRegistration(data json.RawMessage) (userID, connID string, err error) {
	var obj struct {
		UserID       string `json:"user_id"`
		ConnectionID string `json:"connection_id"`
	}
	if err = json.Unmarshal(data, &obj); err == nil {
		userID, connID = obj.UserID, obj.ConnectionID
	} else {
		var args []string
		if err = json.Unmarshal(data, &args); err != nil {
			return "", "", errBadRegistration
		}
		if len(args) >= 2 {
			userID, connID = args[0], args[1]
		}
	}
	if userID == "" || connID == "" {
		return "", "", errBadRegistration
	}
	return userID, connID, nil
}

func (s *Server) readLoop(conn *Conn) {
	ws := conn.ws
	if s.readLim > 0 {
		ws.SetReadLimit(s.readLim)
	}
	_ = ws.SetReadDeadline(time.Now().Add(s.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			logReadError(conn, err)
			return
		}
		var in inbound
		if err := json.Unmarshal(message, &in); err != nil {
			zap.L().Warn("Failed to unmarshal client frame", zap.Error(err))
			continue
		}
		switch in.Event {
		case EventRegister:
			userID, connID, err := parseRegistration(in.Data)
			if err != nil {
				_ = conn.Emit(EventError, err.Error())
				continue
			}
			s.register(conn, userID, connID)
		default:
			zap.L().Debug("Unknown client event, ignoring", zap.String("event", in.Event))
		}
	}
}

func logReadError(conn *Conn, err error) {
	fields := []zap.Field{zap.Error(err)}
	if h := conn.Handle(); h != nil {
		fields = append(fields,
			zap.String("user_id", h.Recipient()),
			zap.String("connection_id", registry.MaskID(h.ConnectionID())))
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		zap.L().Info("WebSocket closed by peer", fields...)
		return
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		zap.L().Info("WebSocket read timeout (deadline exceeded)", fields...)
		return
	}
	if strings.Contains(err.Error(), "use of closed network connection") || strings.Contains(err.Error(), "EOF") {
		zap.L().Info("WebSocket connection closed (EOF/closed network)", fields...)
		return
	}
	zap.L().Warn("Failed to read WebSocket message", fields...)
}

func (s *Server) heartbeat(conn *Conn) {
	ticker := time.NewTicker(s.pongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-conn.closeCh:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				zap.L().Warn("Failed to queue ping", zap.Error(err))
			}
		}
	}
}

// Shutdown refuses new upgrades with 503, closes every live connection with a
// going-away close frame and waits for their handlers to return.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.conns.Range(func(key, _ interface{}) bool {
		key.(*Conn).CloseWith(websocket.CloseGoingAway, "server shutting down")
		return true
	})
	s.wg.Wait()
}

// Count reports the number of open sockets, registered or not.
func (s *Server) Count() int {
	n := 0
	s.conns.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
