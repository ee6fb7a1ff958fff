package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()

	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("user"))
	}))

	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return hub, server
}

func dial(t *testing.T, server *httptest.Server, userID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_DeliversToOwnerOnly(t *testing.T) {
	hub, server := newTestHub(t)

	owner := dial(t, server, "user-1")
	other := dial(t, server, "user-2")

	require.Eventually(t, func() bool {
		return hub.ClientCount("user-1") == 1 && hub.ClientCount("user-2") == 1
	}, time.Second, 10*time.Millisecond)

	hub.Notify(context.Background(), Event{
		Type:          EventApplied,
		UserID:        "user-1",
		ApplicationID: "app-1",
		Status:        "applied",
		Timestamp:     time.Now(),
	})

	var got Event
	require.NoError(t, owner.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, owner.ReadJSON(&got))
	assert.Equal(t, EventApplied, got.Type)
	assert.Equal(t, "app-1", got.ApplicationID)
	assert.Equal(t, "user-1", got.UserID)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)
}

func TestHub_UnregistersOnClose(t *testing.T) {
	hub, server := newTestHub(t)

	conn := dial(t, server, "user-1")
	require.Eventually(t, func() bool {
		return hub.ClientCount("user-1") == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool {
		return hub.ClientCount("user-1") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHub_NotifyWithoutUserIsIgnored(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	hub.Notify(context.Background(), Event{Type: EventApplied})

	assert.Len(t, hub.broadcast, 0)
}
