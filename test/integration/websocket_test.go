package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairwire/pairwire/internal/server"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func startTestServer(t *testing.T, cfg *server.Config) *httptest.Server {
	t.Helper()

	if cfg == nil {
		cfg = &server.Config{AllowedOrigins: []string{"*"}}
	}
	server.SetConfig(cfg)
	t.Cleanup(func() { server.SetConfig(nil) })

	hub := server.NewHub()
	server.StartHub(hub)

	ts := httptest.NewServer(server.SetupRoutes(hub))
	t.Cleanup(func() {
		ts.Close()
		if err := hub.Shutdown(5 * time.Second); err != nil {
			t.Logf("hub shutdown: %v", err)
		}
	})
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://localhost:5173"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()

	env := envelope{Event: event}
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		env.Data = b
	}
	require.NoError(t, conn.WriteJSON(env))
}

// waitForEvent reads frames until the named event arrives, skipping unrelated
// broadcasts such as users-updated.
func waitForEvent(t *testing.T, conn *websocket.Conn, event string) envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q", event)

		var env envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Event == event {
			return env
		}
	}
}

// expectSilence asserts no frame other than ambient broadcasts arrives within
// the window.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(window)))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return // deadline hit: silence confirmed
		}
		var env envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Event == "users-updated" {
			continue
		}
		t.Fatalf("expected silence, got %q: %s", env.Event, raw)
	}
}

func matchTwoClients(t *testing.T, ts *httptest.Server) (c1, c2 *websocket.Conn) {
	t.Helper()

	c1 = dial(t, ts)
	c2 = dial(t, ts)
	waitForEvent(t, c1, "connection-success")
	waitForEvent(t, c2, "connection-success")

	sendEvent(t, c1, "join-queue", map[string]string{"name": "one"})
	waitForEvent(t, c1, "queue-joined")
	sendEvent(t, c2, "join-queue", map[string]string{"name": "two"})

	return c1, c2
}

func TestHealthEndpoint(t *testing.T) {
	ts := startTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
}

func TestWebSocketEndpointRejectsPost(t *testing.T) {
	ts := startTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/ws", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDisallowedOriginRefused(t *testing.T) {
	ts := startTestServer(t, &server.Config{AllowedOrigins: []string{"http://localhost:5173"}})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if conn != nil {
		conn.Close()
	}
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestConnectionSuccessCarriesIdentity(t *testing.T) {
	ts := startTestServer(t, nil)
	conn := dial(t, ts)

	env := waitForEvent(t, conn, "connection-success")

	var payload struct {
		UserID      string `json:"userId"`
		ActiveUsers int    `json:"activeUsers"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Len(t, payload.UserID, 26)
	assert.Equal(t, 1, payload.ActiveUsers)
}

func TestTwoClientsGetMatched(t *testing.T) {
	ts := startTestServer(t, nil)
	c1, c2 := matchTwoClients(t, ts)

	type matched struct {
		RoomID    string `json:"roomId"`
		Initiator bool   `json:"initiator"`
		PeerInfo  struct {
			Name string `json:"name"`
		} `json:"peerInfo"`
	}

	var m1, m2 matched
	require.NoError(t, json.Unmarshal(waitForEvent(t, c1, "matched").Data, &m1))
	require.NoError(t, json.Unmarshal(waitForEvent(t, c2, "matched").Data, &m2))

	assert.Equal(t, m1.RoomID, m2.RoomID)
	assert.NotEmpty(t, m1.RoomID)
	assert.NotEqual(t, m1.Initiator, m2.Initiator)
	assert.Equal(t, "two", m1.PeerInfo.Name)
	assert.Equal(t, "one", m2.PeerInfo.Name)
}

func TestSignalRelayPreservesPayload(t *testing.T) {
	ts := startTestServer(t, nil)
	c1, c2 := matchTwoClients(t, ts)
	waitForEvent(t, c1, "matched")
	waitForEvent(t, c2, "matched")

	payload := `{"sdp":"v=0\r\no=- 42 2 IN IP4 127.0.0.1","type":"offer"}`
	sendEvent(t, c1, "signal", map[string]json.RawMessage{
		"type":    json.RawMessage(`"offer"`),
		"payload": json.RawMessage(payload),
	})

	env := waitForEvent(t, c2, "signal")
	var got struct {
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		From      string          `json:"from"`
		RoomID    string          `json:"roomId"`
		Timestamp int64           `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &got))

	assert.Equal(t, "offer", got.Type)
	assert.Equal(t, payload, string(got.Payload))
	assert.NotEmpty(t, got.From)
	assert.NotEmpty(t, got.RoomID)
	assert.Greater(t, got.Timestamp, int64(0))
}

func TestSignalOutsideRoomIsDropped(t *testing.T) {
	ts := startTestServer(t, nil)
	conn := dial(t, ts)
	waitForEvent(t, conn, "connection-success")

	sendEvent(t, conn, "signal", map[string]json.RawMessage{
		"type":    json.RawMessage(`"offer"`),
		"payload": json.RawMessage(`{}`),
	})

	expectSilence(t, conn, 300*time.Millisecond)
}

func TestPeerDisconnectNotifiesPartner(t *testing.T) {
	ts := startTestServer(t, nil)
	c1, c2 := matchTwoClients(t, ts)
	waitForEvent(t, c1, "matched")
	waitForEvent(t, c2, "matched")

	require.NoError(t, c1.Close())

	waitForEvent(t, c2, "peer-disconnected")
}

func TestLeaveRoomNotifiesBothSides(t *testing.T) {
	ts := startTestServer(t, nil)
	c1, c2 := matchTwoClients(t, ts)
	waitForEvent(t, c1, "matched")
	waitForEvent(t, c2, "matched")

	sendEvent(t, c1, "leave-room", nil)

	waitForEvent(t, c1, "room-left")
	waitForEvent(t, c2, "peer-left")
}

func TestChatMessageRelay(t *testing.T) {
	ts := startTestServer(t, nil)
	c1, c2 := matchTwoClients(t, ts)
	waitForEvent(t, c1, "matched")
	waitForEvent(t, c2, "matched")

	data := `{"text":"hello there","sentAt":1714500000}`
	sendEvent(t, c1, "chat-message", json.RawMessage(data))

	env := waitForEvent(t, c2, "chat-message")
	assert.JSONEq(t, data, string(env.Data))
}

func TestQueuePositionBroadcast(t *testing.T) {
	ts := startTestServer(t, &server.Config{
		AllowedOrigins: []string{"*"},
		SweepInterval:  100 * time.Millisecond,
	})

	conn := dial(t, ts)
	waitForEvent(t, conn, "connection-success")
	sendEvent(t, conn, "join-queue", nil)
	waitForEvent(t, conn, "queue-joined")

	env := waitForEvent(t, conn, "queue-position")
	var pos struct {
		Position    int `json:"position"`
		QueueLength int `json:"queueLength"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &pos))
	assert.Equal(t, 1, pos.Position)
	assert.Equal(t, 1, pos.QueueLength)
}

func TestRoomExpiry(t *testing.T) {
	ts := startTestServer(t, &server.Config{
		AllowedOrigins: []string{"*"},
		SweepInterval:  100 * time.Millisecond,
		RoomTTL:        300 * time.Millisecond,
	})

	c1, c2 := matchTwoClients(t, ts)
	waitForEvent(t, c1, "matched")
	waitForEvent(t, c2, "matched")

	waitForEvent(t, c1, "room-expired")
	waitForEvent(t, c2, "room-expired")
}
