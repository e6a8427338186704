package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PushRelay/pkg/config"
	"PushRelay/pkg/push"
	"PushRelay/pkg/registry"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type clientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) (*push.Service, *Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := push.NewService(registry.New())
	srv := NewServer(svc, config.Default().WebSocketConfig)
	r := gin.New()
	r.GET("/ws", srv.WebSocketHandler)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return svc, srv, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) clientFrame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f clientFrame
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func register(t *testing.T, c *websocket.Conn, userID, connID string) {
	t.Helper()
	err := c.WriteJSON(Frame{Event: EventRegister, Data: map[string]string{
		"user_id":       userID,
		"connection_id": connID,
	}})
	if err != nil {
		t.Fatalf("write register: %v", err)
	}
}

func TestRegisterPushAndDisconnect(t *testing.T) {
	svc, _, ts := newTestServer(t)
	svc.RegisterUser("alice", "conn1")

	c := dial(t, ts, "")
	register(t, c, "alice", "conn1")
	if f := readFrame(t, c); f.Event != EventRegistered {
		t.Fatalf("got %s %s, want registered", f.Event, f.Data)
	}

	if n := svc.Push("alice", json.RawMessage(`{"text":"hello"}`)); n != 1 {
		t.Fatalf("push delivered to %d connections", n)
	}
	f := readFrame(t, c)
	if f.Event != push.MessageEvent || string(f.Data) != `{"text":"hello"}` {
		t.Fatalf("got %s %s", f.Event, f.Data)
	}

	c.Close()
	waitFor(t, "slot release", func() bool { return svc.Status("alice").Bound == 0 })
	if n := svc.Push("alice", "hello2"); n != 0 {
		t.Fatalf("push after disconnect delivered to %d connections", n)
	}
}

func TestRegisterWithQueryParameters(t *testing.T) {
	svc, srv, ts := newTestServer(t)
	svc.RegisterUser("alice", "conn1")

	c := dial(t, ts, "?user_id=alice&connection_id=conn1")
	if f := readFrame(t, c); f.Event != EventRegistered {
		t.Fatalf("got %s, want registered", f.Event)
	}
	if st := svc.Status("alice"); st.Bound != 1 {
		t.Fatalf("status = %+v", st)
	}
	if srv.Count() != 1 {
		t.Fatalf("open sockets = %d", srv.Count())
	}
}

func TestRejectedRegistrationClosesSocket(t *testing.T) {
	svc, _, ts := newTestServer(t)

	c := dial(t, ts, "")
	register(t, c, "alice", "never-reserved")
	if f := readFrame(t, c); f.Event != EventError {
		t.Fatalf("got %s, want error", f.Event)
	}
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy-violation close, got %v", err)
	}
	if st := svc.Stats(); st.Bound != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSecondRegisterOnSameSocket(t *testing.T) {
	svc, _, ts := newTestServer(t)
	svc.RegisterUser("alice", "conn1")
	svc.RegisterUser("alice", "conn2")

	c := dial(t, ts, "")
	register(t, c, "alice", "conn1")
	readFrame(t, c)
	register(t, c, "alice", "conn2")
	if f := readFrame(t, c); f.Event != EventError {
		t.Fatalf("got %s, want error", f.Event)
	}
	if st := svc.Status("alice"); st != (registry.SlotCount{Pending: 1, Bound: 1}) {
		t.Fatalf("status = %+v", st)
	}
}

func TestMalformedRegisterKeepsSocketOpen(t *testing.T) {
	svc, _, ts := newTestServer(t)
	svc.RegisterUser("alice", "conn1")

	c := dial(t, ts, "")
	if err := c.WriteJSON(Frame{Event: EventRegister, Data: "alice"}); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, c); f.Event != EventError {
		t.Fatalf("got %s, want error", f.Event)
	}
	register(t, c, "alice", "conn1")
	if f := readFrame(t, c); f.Event != EventRegistered {
		t.Fatalf("got %s, want registered", f.Event)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	svc, srv, ts := newTestServer(t)
	svc.RegisterUser("alice", "conn1")
	c := dial(t, ts, "?user_id=alice&connection_id=conn1")
	readFrame(t, c)

	srv.Shutdown()
	if st := svc.Status("alice"); st.Bound != 0 {
		t.Fatalf("status after shutdown = %+v", st)
	}
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestRegisteredAckPrecedesConcurrentPush(t *testing.T) {
	svc, _, ts := newTestServer(t)
	svc.RegisterUser("alice", "conn1")

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				svc.Push("alice", "early")
				time.Sleep(time.Millisecond)
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	c := dial(t, ts, "")
	register(t, c, "alice", "conn1")
	if f := readFrame(t, c); f.Event != EventRegistered {
		t.Fatalf("first frame %s %s, want registered", f.Event, f.Data)
	}
	if f := readFrame(t, c); f.Event != push.MessageEvent {
		t.Fatalf("second frame %s, want message", f.Event)
	}
}

func TestShutdownRefusesNewConnections(t *testing.T) {
	_, srv, ts := newTestServer(t)
	srv.Shutdown()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		c.Close()
		t.Fatal("upgrade succeeded after Shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("dial after shutdown: resp=%v err=%v", resp, err)
	}
	if srv.Count() != 0 {
		t.Fatalf("open sockets = %d", srv.Count())
	}
}

func TestConnEmitQueueAndClose(t *testing.T) {
	c := newConn(nil, connOptions{sendChannelSize: 1})
	if err := c.Emit("message", "a"); err != nil {
		t.Fatalf("first emit: %v", err)
	}
	if err := c.Emit("message", "b"); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("second emit = %v, want ErrSendQueueFull", err)
	}

	calls := 0
	c.OnClose(func() { calls++ })
	c.Close()
	c.Close()
	if calls != 1 {
		t.Fatalf("close callback ran %d times", calls)
	}
	if err := c.Emit("message", "c"); !errors.Is(err, ErrClosed) {
		t.Fatalf("emit after close = %v, want ErrClosed", err)
	}
	late := false
	c.OnClose(func() { late = true })
	if !late {
		t.Fatal("callback registered after close must run immediately")
	}
}

func TestConnEnqueueTimeout(t *testing.T) {
	c := newConn(nil, connOptions{sendChannelSize: 1, enqueueTimeout: 20 * time.Millisecond})
	_ = c.Emit("message", "a")
	start := time.Now()
	if err := c.Emit("message", "b"); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("emit = %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("emit returned before the enqueue timeout")
	}
}

func TestParseRegistration(t *testing.T) {
	cases := []struct {
		in        string
		user, con string
		ok        bool
	}{
		{`{"user_id":"alice","connection_id":"c1"}`, "alice", "c1", true},
		{`["alice","c1"]`, "alice", "c1", true},
		{`{"user_id":"alice"}`, "", "", false},
		{`["alice"]`, "", "", false},
		{`"alice"`, "", "", false},
		{``, "", "", false},
	}
	for _, tc := range cases {
		u, c, err := parseRegistration(json.RawMessage(tc.in))
		if (err == nil) != tc.ok || u != tc.user || c != tc.con {
			t.Errorf("parseRegistration(%s) = %q %q %v", tc.in, u, c, err)
		}
	}
}

func TestConnBoundQueuesAckFirst(t *testing.T) {
	c := newConn(nil, connOptions{sendChannelSize: 4})
	reg := registry.New()
	reg.Reserve("alice", "conn1")
	h, ok := reg.Bind("alice", "conn1", c)
	if !ok || c.Handle() != h {
		t.Fatalf("bind ok=%v handle=%p want %p", ok, c.Handle(), h)
	}
	reg.Deliver("alice", push.MessageEvent, "hi")

	first, second := <-c.sendCh, <-c.sendCh
	if first.frame.Event != EventRegistered || second.frame.Event != push.MessageEvent {
		t.Fatalf("queued %s then %s", first.frame.Event, second.frame.Event)
	}
	data := first.frame.Data.(map[string]string)
	if data["user_id"] != "alice" || data["connection_id"] != "conn1" {
		t.Fatalf("ack data = %v", data)
	}
}
