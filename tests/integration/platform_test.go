// Package integration exercises the platform end to end over loopback: a
// real coordinator with both listeners up, real endpoint agents running
// their redial loops, and scripted operator consoles. Everything travels
// through actual websockets; nothing is stubbed below the process boundary.
package integration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/alxayo/go-rts/internal/auth"
	"github.com/alxayo/go-rts/internal/avs"
	"github.com/alxayo/go-rts/internal/rts/handler"
	"github.com/alxayo/go-rts/internal/rts/registry"
	"github.com/alxayo/go-rts/internal/rts/server"
	"github.com/alxayo/go-rts/internal/rts/wire"
	"github.com/alxayo/go-rts/internal/schedule"
	"github.com/alxayo/go-rts/internal/sfu"
	"github.com/alxayo/go-rts/internal/store"
)

const testSecret = "integration-test-secret"

// coordinator is one running server instance plus handles on its internals
// for assertions.
type coordinator struct {
	deps      handler.Deps
	server    *server.Server
	assetsDir string
	wsURL     string
	apiURL    string
}

func startCoordinator(t *testing.T) *coordinator {
	t.Helper()

	repo, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	engine, err := sfu.New(wire.Turn{})
	require.NoError(t, err)

	assetsDir := t.TempDir()
	deps := handler.Deps{
		Store:    repo,
		Registry: registry.New(),
		Engine:   engine,
		Verifier: auth.NewVerifier(testSecret, repo),
		Turn:     wire.Turn{URL: "turn:relay.example.org:3478", Username: "rts", Password: "rts"},
	}

	srv := server.New(server.Config{
		StreamAddr:    "127.0.0.1:0",
		APIAddr:       "127.0.0.1:0",
		AssetsDir:     assetsDir,
		ShutdownGrace: time.Second,
	}, handler.New(deps))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	return &coordinator{
		deps:      deps,
		server:    srv,
		assetsDir: assetsDir,
		wsURL:     "ws://" + srv.StreamAddr().String() + "/ws",
		apiURL:    "http://" + srv.APIAddr().String(),
	}
}

// writeAsset puts a file under the coordinator's asset root and returns its
// download URL.
func (co *coordinator) writeAsset(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(co.assetsDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return co.apiURL + "/assets/" + rel
}

// agentUnderTest is a live endpoint agent plus the paths the test needs to
// look at.
type agentUnderTest struct {
	*avs.Agent
	dataPath string
}

// startAgent runs a real agent against the coordinator with test-sized
// timings and a harmless player.
func startAgent(t *testing.T, co *coordinator, description string) *agentUnderTest {
	t.Helper()
	dataPath := t.TempDir()
	a, err := avs.New(avs.Config{
		APIURL:          co.wsURL,
		DatabasePath:    ":memory:",
		DataPath:        dataPath,
		Description:     description,
		Address:         "test bench",
		RedialWait:      100 * time.Millisecond,
		PingWait:        time.Hour,
		TelemetryPeriod: time.Hour,
		Player: schedule.PlayerConfig{
			FileCommand:   []string{"cat", "{input}"},
			StreamCommand: []string{"cat"},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("agent did not stop")
		}
		_ = a.Close()
	})
	return &agentUnderTest{Agent: a, dataPath: dataPath}
}

// connectAndAccept waits for the agent's session and approves its device.
func connectAndAccept(t *testing.T, co *coordinator, ag *agentUnderTest) string {
	t.Helper()
	uid := ag.Device().UID
	eventually(t, func() bool { return co.deps.Registry.EndpointBound(uid) }, "device to connect")
	require.NoError(t, handler.Accept(co.deps, uid))
	return uid
}

// seedOperator inserts an operator account.
func seedOperator(t *testing.T, co *coordinator, role int) *store.User {
	t.Helper()
	user := &store.User{Name: "announcer", Role: role}
	require.NoError(t, co.deps.Store.CreateUser(user))
	return user
}

func dialWS(t *testing.T, co *coordinator) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(co.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// openConsole dials an operator session and completes the token exchange.
func openConsole(t *testing.T, co *coordinator, user *store.User) *websocket.Conn {
	t.Helper()
	token, err := co.deps.Verifier.IssueToken(user.ID, time.Hour)
	require.NoError(t, err)
	c := dialWS(t, co)
	sendFrame(t, c, wire.EventAuth, wire.Authenticate{ClientID: token, ClientType: wire.ClientOperator})
	require.Equal(t, wire.EventAuthenticated, readFrame(t, c).Event)
	return c
}

func sendFrame(t *testing.T, c *websocket.Conn, event string, payload any) {
	t.Helper()
	data := ""
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		data = string(b)
	}
	b, err := json.Marshal(wire.Message{Event: event, Data: data})
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, b))
}

func readFrame(t *testing.T, c *websocket.Conn) wire.Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := c.ReadMessage()
	require.NoError(t, err, "expected a frame before the deadline")
	var msg wire.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

// readUntil skips frames until one of the wanted events arrives.
func readUntil(t *testing.T, c *websocket.Conn, events ...string) wire.Message {
	t.Helper()
	want := make(map[string]bool, len(events))
	for _, e := range events {
		want[e] = true
	}
	for {
		msg := readFrame(t, c)
		if want[msg.Event] {
			return msg
		}
	}
}

func decodeData(t *testing.T, msg wire.Message, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(msg.Data), v))
}

func decodeJSON(t *testing.T, s string, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(s), v))
}

func expectDropped(t *testing.T, c *websocket.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c.ReadMessage()
	require.Error(t, err, "expected the server to drop the connection")
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newPublishingPeer builds the operator-console side of a live stream and
// returns its serialized offer.
func newPublishingPeer(t *testing.T) (*webrtc.PeerConnection, string) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	b, err := json.Marshal(offer)
	require.NoError(t, err)
	return pc, string(b)
}
