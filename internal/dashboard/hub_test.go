package dashboard

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ksred/fleet-api/internal/database"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Subscribe(w, r)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubDeliversChangeEvents(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	// Subscription registration races the dial returning; wait for it.
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, time.Second, 5*time.Millisecond)

	hub.Notify(ChangeEvent{Table: "orders", Action: "insert"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev ChangeEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, ChangeEvent{Table: "orders", Action: "insert"}, ev)
}

func TestHubDropsSubscriberOnDisconnect(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, time.Second, 5*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 0
	}, time.Second, 5*time.Millisecond)

	// Notifying with no subscribers must not block or panic.
	hub.Notify(ChangeEvent{Table: "orders", Action: "update"})
}

func TestChangeNotifierEmitsRowChanges(t *testing.T) {
	db := newTestGorm(t)
	hub := NewHub()
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, database.RegisterChangeNotifier(db, func(table, action string) {
		hub.Notify(ChangeEvent{Table: table, Action: action})
	}))

	require.NoError(t, db.Create(&types.Signal{
		Exchange: "binance", Symbol: "BTCUSDT", Direction: "long", Confidence: 80,
	}).Error)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev ChangeEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, ChangeEvent{Table: "signals", Action: "insert"}, ev)
}
