package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/rts/channel"
	"github.com/alxayo/go-rts/internal/rts/wire"
)

// dialPair upgrades one websocket through an in-process server so tests can
// serve the accepted side and drive the client side raw.
func dialPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn, cleanup func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		accepted <- ws
	}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial failed: %v", err)
	}
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted")
	}
	return server, client, func() {
		_ = client.Close()
		_ = server.Close()
		srv.Close()
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestServeSynthesizesStartAndEnd(t *testing.T) {
	var mu sync.Mutex
	var events []string
	record := func(name string, signal chan struct{}) HandlerFunc {
		return func(ctx context.Context, s *Session) error {
			mu.Lock()
			events = append(events, name)
			mu.Unlock()
			if signal != nil {
				close(signal)
			}
			return nil
		}
	}

	started := make(chan struct{})
	d := New(NewState())
	d.Register(wire.EventStart, record("start", started))
	d.Register(wire.EventEnd, record("end", nil))

	server, client, cleanup := dialPair(t)
	defer cleanup()
	ch := channel.New(server)

	served := make(chan struct{})
	go func() {
		d.Serve(context.Background(), ch)
		close(served)
	}()

	waitFor(t, started, "start handler")

	// An event nobody registered is logged and skipped.
	err := client.WriteMessage(websocket.TextMessage, []byte(`{"event":"bogus","data":""}`))
	if err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	_ = client.Close()
	waitFor(t, served, "serve to return")

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "start" || events[1] != "end" {
		t.Fatalf("expected [start end], got %v", events)
	}
}

func TestHandlerReceivesPayloadAndState(t *testing.T) {
	type tickets struct{ left int }

	st := NewState()
	Set(st, &tickets{left: 7})
	d := New(st)

	got := make(chan wire.Volume, 1)
	d.Register(wire.EventVolume, func(ctx context.Context, s *Session) error {
		dep := MustGet[*tickets](s.State)
		if dep.left != 7 {
			t.Errorf("injected state corrupted: %+v", dep)
		}
		var v wire.Volume
		if err := s.Decode(&v); err != nil {
			return err
		}
		got <- v
		return nil
	})

	server, client, cleanup := dialPair(t)
	defer cleanup()
	ch := channel.New(server)
	go d.Serve(context.Background(), ch)

	frame := `{"event":"volume","data":"{\"volume\":\"0.5\"}"}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	select {
	case v := <-got:
		if v.Volume != "0.5" {
			t.Fatalf("payload mangled: %+v", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("handler never saw the frame")
	}
}

func TestAuthFailureDropsChannel(t *testing.T) {
	d := New(NewState())
	d.Register(wire.EventAuth, func(ctx context.Context, s *Session) error {
		return errors.NewAuth("auth.operator", nil)
	})

	server, client, cleanup := dialPair(t)
	defer cleanup()
	ch := channel.New(server)

	served := make(chan struct{})
	go func() {
		d.Serve(context.Background(), ch)
		close(served)
	}()

	frame := `{"event":"auth","data":"{\"client_id\":\"bad\",\"client_type\":1}"}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	// The server drops the socket without any reply frame.
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatalf("expected the channel to be dropped")
	}
	waitFor(t, served, "serve to return")
}

func TestSlowHandlerDoesNotBlockReader(t *testing.T) {
	release := make(chan struct{})
	fastRan := make(chan struct{})

	d := New(NewState())
	d.Register("slow", func(ctx context.Context, s *Session) error {
		<-release
		return nil
	})
	d.Register("fast", func(ctx context.Context, s *Session) error {
		close(fastRan)
		return nil
	})

	server, client, cleanup := dialPair(t)
	defer cleanup()
	ch := channel.New(server)
	go d.Serve(context.Background(), ch)

	for _, frame := range []string{`{"event":"slow","data":""}`, `{"event":"fast","data":""}`} {
		if err := client.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("client write failed: %v", err)
		}
	}

	select {
	case <-fastRan:
	case <-time.After(2 * time.Second):
		t.Fatalf("reader blocked behind a slow handler")
	}
	close(release)
}

func TestServeReturnsAfterGraceWhenHandlerHangs(t *testing.T) {
	old := handlerGrace
	handlerGrace = 100 * time.Millisecond
	defer func() { handlerGrace = old }()

	hanging := make(chan struct{})
	d := New(NewState())
	d.Register("hang", func(ctx context.Context, s *Session) error {
		close(hanging)
		<-ctx.Done()
		return nil
	})

	server, client, cleanup := dialPair(t)
	defer cleanup()
	ch := channel.New(server)

	served := make(chan struct{})
	go func() {
		d.Serve(context.Background(), ch)
		close(served)
	}()

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"event":"hang","data":""}`)); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	waitFor(t, hanging, "hanging handler to start")
	_ = client.Close()

	// Serve must give up on the handler after the grace period instead of
	// waiting forever.
	waitFor(t, served, "serve to return")
}

func TestSessionDecodeClassifiesProtocolError(t *testing.T) {
	s := &Session{Event: wire.EventSync, Data: "{"}
	var req wire.SyncRequest
	err := s.Decode(&req)
	if err == nil {
		t.Fatalf("expected a decode failure")
	}
	if !errors.IsControlError(err) {
		t.Fatalf("expected a control error, got %v", err)
	}
	if errors.IsTransport(err) {
		t.Fatalf("payload decode misclassified as transport")
	}

	s = &Session{Event: wire.EventSync, Data: `{"local":[1,2]}`}
	if err := s.Decode(&req); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if len(req.Local) != 2 || req.Local[0] != 1 {
		t.Fatalf("payload mangled: %+v", req)
	}
}
