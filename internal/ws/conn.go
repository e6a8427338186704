package ws

import (
	"errors"
	"sync"
	"time"

	"PushRelay/pkg/monitor"
	"PushRelay/pkg/registry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrClosed        = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// Frame is the JSON envelope exchanged in both directions.
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type sendRequest struct {
	frame     *Frame
	ping      bool
	closeCode int
	closeText string
}

// Conn wraps one websocket. All writes go through a single writer goroutine
// fed by a buffered channel, so Emit never waits on the network.
type Conn struct {
	ws             *websocket.Conn
	sendCh         chan sendRequest
	closeCh        chan struct{}
	writeWait      time.Duration
	enqueueTimeout time.Duration
	emitMon        *monitor.Monitor

	mu      sync.Mutex
	closed  bool
	onClose []func()
	handle  *registry.Handle
}

type connOptions struct {
	sendChannelSize int
	writeWait       time.Duration
	enqueueTimeout  time.Duration
	emitMon         *monitor.Monitor
}

func newConn(ws *websocket.Conn, opts connOptions) *Conn {
	if opts.sendChannelSize <= 0 {
		opts.sendChannelSize = 128
	}
	if opts.writeWait <= 0 {
		opts.writeWait = 10 * time.Second
	}
	return &Conn{
		ws:             ws,
		sendCh:         make(chan sendRequest, opts.sendChannelSize),
		closeCh:        make(chan struct{}),
		writeWait:      opts.writeWait,
		enqueueTimeout: opts.enqueueTimeout,
		emitMon:        opts.emitMon,
	}
}

// Emit queues an event for the writer goroutine. It returns ErrClosed after
// the connection closed and ErrSendQueueFull when the peer is not keeping up.
func (c *Conn) Emit(event string, payload interface{}) error {
	task := monitor.NewTask()
	err := c.enqueue(sendRequest{frame: &Frame{Event: event, Data: payload}})
	c.emitMon.CompleteTask(task, err == nil)
	return err
}

func (c *Conn) enqueue(req sendRequest) error {
	select {
	case <-c.closeCh:
		return ErrClosed
	default:
	}
	if c.enqueueTimeout <= 0 {
		return c.offer(req)
	}
	timer := time.NewTimer(c.enqueueTimeout)
	defer timer.Stop()
	select {
	case c.sendCh <- req:
		return nil
	case <-c.closeCh:
		return ErrClosed
	case <-timer.C:
		return ErrSendQueueFull
	}
}

// offer queues req without waiting.
func (c *Conn) offer(req sendRequest) error {
	select {
	case c.sendCh <- req:
		return nil
	case <-c.closeCh:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// OnClose registers fn to run once when the connection closes. If it is
// already closed fn runs immediately.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *Conn) Handle() *registry.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *Conn) setHandle(h *registry.Handle) {
	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()
}

// Bound is called by the registry while binding, before any push can be
// delivered here, so the registered ack is always the first frame after it.
func (c *Conn) Bound(h *registry.Handle) {
	c.setHandle(h)
	ack := &Frame{Event: EventRegistered, Data: map[string]string{
		"user_id":       h.Recipient(),
		"connection_id": h.ConnectionID(),
	}}
	if err := c.offer(sendRequest{frame: ack}); err != nil {
		zap.L().Warn("Failed to queue registered ack", zap.Error(err))
	}
}

func (c *Conn) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith runs the close callbacks, stops the writer and closes the socket
// with the given close code. Only the first call has any effect. Callbacks run
// before the socket is torn down so the registry stops delivering to this
// connection before it becomes unusable.
func (c *Conn) CloseWith(code int, text string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	callbacks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	close(c.closeCh)
	if c.ws != nil {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(c.writeWait))
		_ = c.ws.Close()
	}
}

// closeAfterFlush closes the connection once the frames queued before it were
// written. When the queue is unavailable it closes right away.
func (c *Conn) closeAfterFlush(code int, text string) {
	if err := c.enqueue(sendRequest{closeCode: code, closeText: text}); err != nil {
		c.CloseWith(code, text)
	}
}

func (c *Conn) ping() error {
	return c.enqueue(sendRequest{ping: true})
}

// writerLoop serialises every write to the socket.
func (c *Conn) writerLoop() {
	for {
		select {
		case req := <-c.sendCh:
			var err error
			switch {
			case req.closeCode != 0:
				c.CloseWith(req.closeCode, req.closeText)
				return
			case req.ping:
				err = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
			default:
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
				err = c.ws.WriteJSON(req.frame)
			}
			if err != nil {
				zap.L().Info("websocket write failed, closing", zap.Error(err))
				c.CloseWith(websocket.CloseGoingAway, "")
				return
			}
		case <-c.closeCh:
			return
		}
	}
}
