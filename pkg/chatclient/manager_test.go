package chatclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"property-chat/internal/models"
)

func waitEvent(t *testing.T, ch <-chan models.ChatEvent) models.ChatEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.ChatEvent{}
	}
}

func waitUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func newTestRelayServer(t *testing.T) (*httptest.Server, chan models.ChatEvent, chan models.ChatEvent) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	received := make(chan models.ChatEvent, 16)
	toSend := make(chan models.ChatEvent, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case ev := <-toSend:
					if err := conn.WriteJSON(ev); err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()
		for {
			var ev models.ChatEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			received <- ev
		}
	}))
	t.Cleanup(srv.Close)
	return srv, received, toSend
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectEmitsJoinAndReplaysHistory(t *testing.T) {
	srv, received, toSend := newTestRelayServer(t)

	m := New(Options{
		URL:        wsURL(srv),
		UserID:     42,
		Username:   "alice",
		Role:       models.RoleTenant,
		PropertyID: 100,
		BaseDelay:  10 * time.Millisecond,
	})
	defer m.Close()
	m.Connect()

	join := waitEvent(t, received)
	require.Equal(t, models.KindJoin, join.Kind)
	require.Equal(t, 42, join.UserID)
	require.Equal(t, models.RoleTenant, join.Role)
	require.Equal(t, 100, join.PropertyID)
	require.NotZero(t, join.Timestamp)

	toSend <- models.ChatEvent{
		Kind:       models.KindHistory,
		PropertyID: 100,
		Messages: []models.ChatEvent{
			{Kind: models.KindMessage, UserID: 7, Username: "bob", Content: "earlier", PropertyID: 100, Timestamp: 500},
		},
	}

	update := waitUpdate(t, m.Updates())
	require.Equal(t, UpdateHistory, update.Kind)
	require.Len(t, m.Events(), 1)
	require.Equal(t, "earlier", m.Events()[0].Content)
	require.Equal(t, StateOpen, m.State())
}

func TestDuplicateEventsAreSuppressed(t *testing.T) {
	srv, received, toSend := newTestRelayServer(t)

	m := New(Options{
		URL:        wsURL(srv),
		UserID:     42,
		Username:   "alice",
		Role:       models.RoleTenant,
		PropertyID: 100,
		BaseDelay:  10 * time.Millisecond,
	})
	defer m.Close()
	m.Connect()
	waitEvent(t, received) // join

	live := models.ChatEvent{Kind: models.KindMessage, UserID: 7, Username: "bob", Content: "hi", PropertyID: 100, Timestamp: 1000}
	toSend <- live
	update := waitUpdate(t, m.Updates())
	require.Equal(t, UpdateEvent, update.Kind)

	// The same event delivered again, as after a reconnect replay race.
	toSend <- live
	select {
	case u := <-m.Updates():
		t.Fatalf("expected duplicate to be dropped, got %s update", u.Kind)
	case <-time.After(200 * time.Millisecond):
	}
	require.Len(t, m.Events(), 1)
}

func TestDeleteRewritesLocalLog(t *testing.T) {
	srv, received, toSend := newTestRelayServer(t)

	m := New(Options{
		URL:        wsURL(srv),
		UserID:     42,
		Username:   "alice",
		Role:       models.RoleTenant,
		PropertyID: 100,
		BaseDelay:  10 * time.Millisecond,
	})
	defer m.Close()
	m.Connect()
	waitEvent(t, received) // join

	toSend <- models.ChatEvent{Kind: models.KindMessage, UserID: 42, Username: "alice", Content: "hi", PropertyID: 100, Timestamp: 1000}
	waitUpdate(t, m.Updates())

	toSend <- models.ChatEvent{Kind: models.KindDelete, UserID: 42, Username: "alice", Content: models.Tombstone, PropertyID: 100, Timestamp: 1000, IsDeleted: true}
	waitUpdate(t, m.Updates())

	events := m.Events()
	require.Len(t, events, 1)
	require.Equal(t, models.Tombstone, events[0].Content)
	require.True(t, events[0].IsDeleted)
	require.Equal(t, int64(1000), events[0].Timestamp)
}

func TestSendAndCloseHandshake(t *testing.T) {
	srv, received, _ := newTestRelayServer(t)

	m := New(Options{
		URL:        wsURL(srv),
		UserID:     42,
		Username:   "alice",
		Role:       models.RoleTenant,
		PropertyID: 100,
		BaseDelay:  10 * time.Millisecond,
	})
	m.Connect()
	waitEvent(t, received) // join

	m.Send("hi")
	msg := waitEvent(t, received)
	require.Equal(t, models.KindMessage, msg.Kind)
	require.Equal(t, "hi", msg.Content)
	require.NotZero(t, msg.Timestamp)

	m.SendDelete(msg.Timestamp)
	del := waitEvent(t, received)
	require.Equal(t, models.KindDelete, del.Kind)
	require.Equal(t, msg.Timestamp, del.Timestamp)

	m.Close()
	leave := waitEvent(t, received)
	require.Equal(t, models.KindLeave, leave.Kind)
}

func TestSendBeforeConnectIsNoop(t *testing.T) {
	m := New(Options{UserID: 42, Username: "alice", PropertyID: 100})
	m.Send("hi") // must not panic
	require.Empty(t, m.Events())
	require.Equal(t, StateIdle, m.State())
}

func TestReconnectCeilingEmitsTerminalNoticeOnce(t *testing.T) {
	// Nothing listens here, so every dial fails immediately.
	m := New(Options{
		URL:        "ws://127.0.0.1:1/ws/properties/100",
		UserID:     42,
		Username:   "alice",
		Role:       models.RoleTenant,
		PropertyID: 100,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	})
	defer m.Close()
	m.Connect()

	update := waitUpdate(t, m.Updates())
	require.Equal(t, UpdateConnectionLost, update.Kind)
	require.Equal(t, StateExhausted, m.State())

	// No further retries or notices once exhausted.
	select {
	case u, ok := <-m.Updates():
		if ok {
			t.Fatalf("unexpected update after exhaustion: %s", u.Kind)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectAfterDropResendsJoin(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan models.ChatEvent, 16)
	var dials int32

	// The first accepted connection is dropped right after the join; later
	// ones stay up so the reconnect can settle.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dial := atomic.AddInt32(&dials, 1)
		for {
			var ev models.ChatEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			received <- ev
			if dial == 1 {
				conn.Close()
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	m := New(Options{
		URL:        wsURL(srv),
		UserID:     42,
		Username:   "alice",
		Role:       models.RoleTenant,
		PropertyID: 100,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
	})
	defer m.Close()
	m.Connect()

	first := waitEvent(t, received)
	require.Equal(t, models.KindJoin, first.Kind)

	// The drop must trigger a re-dial that replays the join handshake.
	second := waitEvent(t, received)
	require.Equal(t, models.KindJoin, second.Kind)
	require.Equal(t, 42, second.UserID)
	require.Equal(t, 100, second.PropertyID)

	require.Equal(t, StateOpen, m.State())
	m.mu.Lock()
	require.Zero(t, m.attempts) // a successful dial resets the retry budget
	m.mu.Unlock()
}

func TestConcurrentConnectKeepsSingleTransport(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var open int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&open, 1)
		defer atomic.AddInt32(&open, -1)
		for {
			var ev models.ChatEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	m := New(Options{
		URL:        wsURL(srv),
		UserID:     42,
		Username:   "alice",
		Role:       models.RoleTenant,
		PropertyID: 100,
		BaseDelay:  10 * time.Millisecond,
	})
	defer m.Close()

	// Racing dials: whichever installs second must discard its transport
	// instead of silently orphaning the first.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Connect()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&open) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, StateOpen, m.State())
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	m := New(Options{BaseDelay: time.Second, MaxDelay: 4 * time.Second})

	for attempt, wantFloor := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second} {
		delay := m.backoffDelay(attempt)
		require.GreaterOrEqual(t, delay, wantFloor)
		require.Less(t, delay, wantFloor+m.opts.BaseDelay)
	}
}
