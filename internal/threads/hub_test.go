package threads

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflectionguide/reflect/internal/fhir"
	inats "github.com/reflectionguide/reflect/internal/nats"
)

// liveServer registers every upgraded connection under the profile named in
// the ?profile= query.
func liveServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(r.URL.Query().Get("profile"), conn)
		hub.Register(client)
		go func() {
			defer hub.Unregister(client)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, profile string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?profile=" + profile
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func waitOnline(t *testing.T, hub *Hub, profile string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.clients[profile]) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_Empty(t *testing.T) {
	hub := NewHub()
	assert.Zero(t, hub.ConnectionCount())
	assert.False(t, hub.IsOnline(patient))
	assert.NoError(t, hub.SendToProfile(patient, Event{Type: "test"}))
}

func TestHub_SendToProfile_AllConnections(t *testing.T) {
	hub := NewHub()
	srv := liveServer(t, hub)

	a := dial(t, srv, patient)
	b := dial(t, srv, patient)
	other := dial(t, srv, guide)
	waitOnline(t, hub, patient, 2)
	waitOnline(t, hub, guide, 1)
	assert.Equal(t, 3, hub.ConnectionCount())

	require.NoError(t, hub.SendToProfile(patient, Event{Type: EventThread, Data: map[string]string{"id": "t1"}}))

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, EventThread, ev["type"])
		assert.Equal(t, "t1", ev["data"].(map[string]any)["id"])
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "other profile must not receive the event")
}

func TestHub_UnregisterOnDisconnect(t *testing.T) {
	hub := NewHub()
	srv := liveServer(t, hub)

	conn := dial(t, srv, patient)
	waitOnline(t, hub, patient, 1)
	require.NoError(t, conn.Close())

	waitOnline(t, hub, patient, 0)
	assert.False(t, hub.IsOnline(patient))
}

func TestHub_CloseAll(t *testing.T) {
	hub := NewHub()
	srv := liveServer(t, hub)
	dial(t, srv, patient)
	dial(t, srv, guide)
	waitOnline(t, hub, guide, 1)

	hub.CloseAll()
	assert.Zero(t, hub.ConnectionCount())
}

func TestLive_DispatchShapesPerViewer(t *testing.T) {
	hub := NewHub()
	srv := liveServer(t, hub)
	pConn := dial(t, srv, patient)
	gConn := dial(t, srv, guide)
	waitOnline(t, hub, patient, 1)
	waitOnline(t, hub, guide, 1)

	live := NewLive(hub, nil)
	live.Dispatch(fhir.Communication{
		ResourceType: "Communication", ID: "m9",
		PartOf: []fhir.Reference{{Reference: "Communication/t1"}},
		Sender: ref(guide), Recipient: []fhir.Reference{{Reference: patient}},
		Payload: []fhir.CommunicationPayload{{ContentString: "hi"}},
	})

	pEv := readEvent(t, pConn)
	assert.Equal(t, EventMessage, pEv["type"])
	assert.Equal(t, false, pEv["data"].(map[string]any)["mine"])

	gEv := readEvent(t, gConn)
	assert.Equal(t, true, gEv["data"].(map[string]any)["mine"])
}

func TestLive_HandleResourceIgnoresOtherTypes(t *testing.T) {
	hub := NewHub()
	srv := liveServer(t, hub)
	conn := dial(t, srv, patient)
	waitOnline(t, hub, patient, 1)

	live := NewLive(hub, nil)
	live.handleResource(context.Background(), fhir.Resource{"resourceType": "Patient", "id": "1"})
	live.handleResource(context.Background(), fhir.Resource{
		"resourceType": "Communication", "id": "t2",
		"subject": map[string]any{"reference": patient},
		"topic":   map[string]any{"text": "New"},
	})

	ev := readEvent(t, conn)
	assert.Equal(t, EventThread, ev["type"])
	assert.Equal(t, "New", ev["data"].(map[string]any)["topic"])
}

func TestLive_RelayVoiceUsage(t *testing.T) {
	hub := NewHub()
	srv := liveServer(t, hub)
	conn := dial(t, srv, patient)
	waitOnline(t, hub, patient, 1)

	data, err := json.Marshal(inats.VoiceUsageEvent{ProfileID: patient, DailyCount: 3, MonthlyCount: 7})
	require.NoError(t, err)

	live := NewLive(hub, nil)
	live.relay([]byte("not json"))
	live.relay(data)

	ev := readEvent(t, conn)
	assert.Equal(t, EventVoiceUsage, ev["type"])
	assert.EqualValues(t, 3, ev["data"].(map[string]any)["daily_count"])
}
