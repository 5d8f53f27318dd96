package realtime

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/findrhealth/booking-platform/internal/booking"
	"github.com/findrhealth/booking-platform/pkg/logging"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		n := len(hub.clients)
		hub.mu.RUnlock()
		if n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d clients", want)
}

func statusBooking(number string) *booking.Booking {
	return &booking.Booking{
		ID:         uuid.New(),
		Number:     number,
		ProviderID: uuid.New(),
		Status:     booking.StatusConfirmed,
		Payment:    booking.Payment{Status: booking.PaymentDepositCharged},
		UpdatedAt:  time.Now().UTC(),
	}
}

func TestBroadcastReachesUnfilteredClient(t *testing.T) {
	hub := NewHub(logging.Default(), nil)
	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	b := statusBooking("FH-2026-0042")
	hub.BroadcastStatus(b, booking.StatusPendingConfirmation)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var update StatusUpdate
	require.NoError(t, json.Unmarshal(raw, &update))
	assert.Equal(t, "status_changed", update.Type)
	assert.Equal(t, "FH-2026-0042", update.BookingNumber)
	assert.Equal(t, "confirmed", update.Status)
	assert.Equal(t, "pending_confirmation", update.PreviousStatus)
}

func TestSubscriptionFiltersTopics(t *testing.T) {
	hub := NewHub(logging.Default(), nil)
	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(subscribeMessage{Subscribe: "FH-2026-0001"}))

	// Give the read pump a moment to apply the subscription.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		var subscribed bool
		for c := range hub.clients {
			c.mu.Lock()
			_, subscribed = c.topics["FH-2026-0001"]
			c.mu.Unlock()
		}
		hub.mu.RUnlock()
		if subscribed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.BroadcastStatus(statusBooking("FH-2026-9999"), "")
	hub.BroadcastStatus(statusBooking("FH-2026-0001"), "")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var update StatusUpdate
	require.NoError(t, json.Unmarshal(raw, &update))
	assert.Equal(t, "FH-2026-0001", update.BookingNumber)
}

func TestShutdownDetachesClients(t *testing.T) {
	hub := NewHub(logging.Default(), nil)
	dialHub(t, hub)
	waitForClients(t, hub, 1)

	require.NoError(t, hub.Shutdown(t.Context()))
	waitForClients(t, hub, 0)
}
