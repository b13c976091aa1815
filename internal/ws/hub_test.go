package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/gangaprasad29/remote-interview/backend/internal/protocol"
	"github.com/gangaprasad29/remote-interview/backend/internal/session"
)

type gateway struct {
	srv   *httptest.Server
	store *session.Store
	hub   *Hub
}

func setupGateway(t *testing.T) *gateway {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := session.NewStore(nil, logger)
	hub := NewHub(store, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, nil, w, r)
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	return &gateway{srv: srv, store: store, hub: hub}
}

func dialGateway(t *testing.T, g *gateway) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := protocol.Encode(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// waitForEvent reads until the named event arrives, skipping unrelated ones.
func waitForEvent(t *testing.T, conn *websocket.Conn, event string) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		if env.Event == event {
			return env
		}
	}
}

// expectSilence asserts the named event does not arrive within d. The read
// deadline it sets poisons the connection, so call it last on a given conn.
func expectSilence(t *testing.T, conn *websocket.Conn, event string, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		require.NotEqual(t, event, env.Event)
	}
}

func waitForState(t *testing.T, g *gateway, sessionID string, present bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := g.store.Snapshot(sessionID)
		return ok == present
	}, 2*time.Second, 10*time.Millisecond)
}

func TestParticipantUpdateThenHostSnapshot(t *testing.T) {
	req := require.New(t)
	g := setupGateway(t)

	participant := dialGateway(t, g)
	sendEvent(t, participant, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleParticipant,
	})
	sendEvent(t, participant, protocol.EventCodeUpdate, protocol.CodeUpdate{
		SessionID: "s1", Code: "print(1)", Language: "python",
		SenderRole: protocol.RoleParticipant,
	})
	waitForState(t, g, "s1", true)

	host := dialGateway(t, g)
	sendEvent(t, host, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleHost,
	})

	env := waitForEvent(t, host, protocol.EventSessionState)
	var st protocol.SessionState
	req.NoError(env.Unmarshal(&st))
	req.NotNil(st.Code)
	req.Equal("print(1)", *st.Code)
	req.NotNil(st.Language)
	req.Equal("python", *st.Language)
	req.JSONEq("null", string(st.Output), "never-run session snapshots carry a null output")

	// The rest of the room learns about the host
	env = waitForEvent(t, participant, protocol.EventUserJoined)
	var joined protocol.UserJoined
	req.NoError(env.Unmarshal(&joined))
	req.Equal(protocol.RoleHost, joined.Role)
	req.NotEmpty(joined.ConnectionID)
}

func TestHostMutationsRejected(t *testing.T) {
	req := require.New(t)
	g := setupGateway(t)

	host := dialGateway(t, g)
	sendEvent(t, host, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleHost,
	})

	sendEvent(t, host, protocol.EventCodeUpdate, protocol.CodeUpdate{
		SessionID: "s1", Code: "malicious", SenderRole: protocol.RoleHost,
	})
	env := waitForEvent(t, host, protocol.EventError)
	var msg protocol.ErrorMessage
	req.NoError(env.Unmarshal(&msg))
	req.Equal("Only participants can send code updates", msg.Message)

	sendEvent(t, host, protocol.EventLanguageUpdate, protocol.LanguageUpdate{
		SessionID: "s1", Language: "go", SenderRole: protocol.RoleHost,
	})
	env = waitForEvent(t, host, protocol.EventError)
	req.NoError(env.Unmarshal(&msg))
	req.Equal("Only participants can send language updates", msg.Message)

	sendEvent(t, host, protocol.EventRunResult, protocol.RunResult{
		SessionID: "s1", Output: []byte(`{"exit":1}`), SenderRole: protocol.RoleHost,
	})
	env = waitForEvent(t, host, protocol.EventError)
	req.NoError(env.Unmarshal(&msg))
	req.Equal("Only participants can send code run output", msg.Message)

	// No sequence of host events may leave a mark on the store, and the
	// connection stays usable after every rejection.
	_, ok := g.store.Snapshot("s1")
	req.False(ok)

	sendEvent(t, host, protocol.EventCodeUpdate, protocol.CodeUpdate{
		SessionID: "s1", Code: "again", SenderRole: protocol.RoleHost,
	})
	waitForEvent(t, host, protocol.EventError)
}

func TestValidationErrors(t *testing.T) {
	req := require.New(t)
	g := setupGateway(t)

	conn := dialGateway(t, g)
	sendEvent(t, conn, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "", Role: protocol.RoleParticipant,
	})
	env := waitForEvent(t, conn, protocol.EventError)
	var msg protocol.ErrorMessage
	req.NoError(env.Unmarshal(&msg))
	req.Equal("Session ID is required", msg.Message)

	sendEvent(t, conn, protocol.EventCodeUpdate, protocol.CodeUpdate{
		SessionID: "", Code: "x", SenderRole: protocol.RoleParticipant,
	})
	env = waitForEvent(t, conn, protocol.EventError)
	req.NoError(env.Unmarshal(&msg))
	req.Equal("Session ID is required", msg.Message)
}

func TestBroadcastReachesRoomNotSender(t *testing.T) {
	req := require.New(t)
	g := setupGateway(t)

	participant := dialGateway(t, g)
	sendEvent(t, participant, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleParticipant,
	})
	host := dialGateway(t, g)
	sendEvent(t, host, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleHost,
	})
	waitForEvent(t, participant, protocol.EventUserJoined)

	sendEvent(t, participant, protocol.EventCodeUpdate, protocol.CodeUpdate{
		SessionID: "s1", Code: "v2", Language: "go",
		SenderRole: protocol.RoleParticipant,
	})

	env := waitForEvent(t, host, protocol.EventCodeUpdate)
	var upd protocol.CodeUpdate
	req.NoError(env.Unmarshal(&upd))
	req.Equal("v2", upd.Code)
	req.Equal("go", upd.Language)
	req.Equal("s1", upd.SessionID)
	req.NotZero(upd.Timestamp)

	expectSilence(t, participant, protocol.EventCodeUpdate, 300*time.Millisecond)
}

func TestRoomIsolation(t *testing.T) {
	g := setupGateway(t)

	participantA := dialGateway(t, g)
	sendEvent(t, participantA, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "room-a", Role: protocol.RoleParticipant,
	})
	hostB := dialGateway(t, g)
	sendEvent(t, hostB, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "room-b", Role: protocol.RoleHost,
	})

	sendEvent(t, participantA, protocol.EventCodeUpdate, protocol.CodeUpdate{
		SessionID: "room-a", Code: "secret", SenderRole: protocol.RoleParticipant,
	})
	waitForState(t, g, "room-a", true)

	expectSilence(t, hostB, protocol.EventCodeUpdate, 300*time.Millisecond)
}

func TestTypingIndicator(t *testing.T) {
	g := setupGateway(t)

	participant := dialGateway(t, g)
	sendEvent(t, participant, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleParticipant,
	})
	host := dialGateway(t, g)
	sendEvent(t, host, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleHost,
	})
	waitForEvent(t, participant, protocol.EventUserJoined)

	sendEvent(t, participant, protocol.EventTyping, protocol.Typing{
		SessionID: "s1", SenderRole: protocol.RoleParticipant,
	})
	waitForEvent(t, host, protocol.EventTyping)

	// Typing from a host is dropped without an error echo and no store write
	sendEvent(t, host, protocol.EventTyping, protocol.Typing{
		SessionID: "s1", SenderRole: protocol.RoleHost,
	})
	_, ok := g.store.Snapshot("s1")
	require.False(t, ok)
	expectSilence(t, host, protocol.EventError, 300*time.Millisecond)
}

func TestRunResultFlow(t *testing.T) {
	req := require.New(t)
	g := setupGateway(t)

	participant := dialGateway(t, g)
	sendEvent(t, participant, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleParticipant,
	})
	host := dialGateway(t, g)
	sendEvent(t, host, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleHost,
	})
	waitForEvent(t, participant, protocol.EventUserJoined)

	sendEvent(t, participant, protocol.EventRunResult, protocol.RunResult{
		SessionID:  "s1",
		Output:     []byte(`{"stdout":"1\n","exit":0}`),
		SenderRole: protocol.RoleParticipant,
	})

	env := waitForEvent(t, host, protocol.EventRunResult)
	var run protocol.RunResult
	req.NoError(env.Unmarshal(&run))
	req.JSONEq(`{"stdout":"1\n","exit":0}`, string(run.Output))

	st, ok := g.store.Snapshot("s1")
	req.True(ok)
	req.JSONEq(`{"stdout":"1\n","exit":0}`, string(st.Output), "output stored verbatim")
}

func TestEndSessionClearsState(t *testing.T) {
	g := setupGateway(t)

	participant := dialGateway(t, g)
	sendEvent(t, participant, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleParticipant,
	})
	sendEvent(t, participant, protocol.EventCodeUpdate, protocol.CodeUpdate{
		SessionID: "s1", Code: "x", SenderRole: protocol.RoleParticipant,
	})
	waitForState(t, g, "s1", true)

	sendEvent(t, participant, protocol.EventEndSession, protocol.EndSession{SessionID: "s1"})
	waitForState(t, g, "s1", false)

	// A host joining the ended session sees a blank slate, no snapshot
	host := dialGateway(t, g)
	sendEvent(t, host, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleHost,
	})
	expectSilence(t, host, protocol.EventSessionState, 300*time.Millisecond)
}

func TestSnapshotOnlyForHosts(t *testing.T) {
	g := setupGateway(t)

	participant := dialGateway(t, g)
	sendEvent(t, participant, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleParticipant,
	})
	sendEvent(t, participant, protocol.EventCodeUpdate, protocol.CodeUpdate{
		SessionID: "s1", Code: "x", SenderRole: protocol.RoleParticipant,
	})
	waitForState(t, g, "s1", true)

	second := dialGateway(t, g)
	sendEvent(t, second, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleParticipant,
	})
	expectSilence(t, second, protocol.EventSessionState, 300*time.Millisecond)
}

func TestHubCounts(t *testing.T) {
	g := setupGateway(t)

	a := dialGateway(t, g)
	sendEvent(t, a, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleParticipant,
	})
	b := dialGateway(t, g)
	sendEvent(t, b, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleHost,
	})

	require.Eventually(t, func() bool {
		return g.hub.ClientCount() == 2 && g.hub.RoomCount() == 1 && g.hub.RoomSizes()["s1"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	sendEvent(t, b, protocol.EventLeaveSession, protocol.LeaveSession{SessionID: "s1"})
	require.Eventually(t, func() bool {
		return g.hub.RoomSizes()["s1"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedFrameSurvivable(t *testing.T) {
	g := setupGateway(t)

	conn := dialGateway(t, g)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json at all")))

	// The connection must remain usable for valid events afterwards
	sendEvent(t, conn, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleParticipant,
	})
	sendEvent(t, conn, protocol.EventCodeUpdate, protocol.CodeUpdate{
		SessionID: "s1", Code: "still alive", SenderRole: protocol.RoleParticipant,
	})
	waitForState(t, g, "s1", true)
}

func TestShutdownReleasesConnectionHandoff(t *testing.T) {
	req := require.New(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := session.NewStore(nil, logger)
	hub := NewHub(store, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, nil, w, r)
	}))
	defer srv.Close()
	g := &gateway{srv: srv, store: store, hub: hub}

	conn := dialGateway(t, g)
	sendEvent(t, conn, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "s1", Role: protocol.RoleParticipant,
	})

	cancel()
	require.Eventually(t, func() bool {
		select {
		case <-hub.done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	// A connection arriving after the dispatcher stopped is closed instead of
	// parked on the register queue forever.
	late := dialGateway(t, g)
	req.NoError(late.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err := late.ReadMessage()
	req.Error(err)
	var nerr net.Error
	if errors.As(err, &nerr) {
		req.False(nerr.Timeout(), "expected an eager close, got a parked connection")
	}

	// Tearing down an established connection must not block its read pump on
	// the stopped dispatcher either.
	req.NoError(conn.Close())
}
