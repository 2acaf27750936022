// Package chatclient maintains one logical chat session per (user, property)
// pair across transport interruptions and exposes a narrow send surface to
// the UI. The raw websocket is never exposed.
package chatclient

import (
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"property-chat/internal/models"
)

// State of the manager's connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnectPending
	StateExhausted
)

// UpdateKind tags updates emitted to the UI.
type UpdateKind string

const (
	UpdateEvent          UpdateKind = "event"
	UpdateHistory        UpdateKind = "history"
	UpdateConnectionLost UpdateKind = "connection_lost"
)

// Update is the typed notification the UI subscribes to.
type Update struct {
	Kind  UpdateKind
	Event *models.ChatEvent
}

// Options configures a Manager.
type Options struct {
	URL        string // websocket endpoint for the target property
	Token      string
	UserID     int
	Username   string
	Role       string
	PropertyID int

	MaxRetries int           // reconnect ceiling, default 5
	BaseDelay  time.Duration // backoff base, default 1s
	MaxDelay   time.Duration // backoff cap, default 30s
	Dialer     *websocket.Dialer
}

// dedupWindow bounds how far back the duplicate check looks.
const dedupWindow = 50

// Manager owns a single transport, the reconnect cycle and the local event
// log. At most one live transport and one pending reconnect timer exist at a
// time.
type Manager struct {
	opts Options

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	attempts     int
	timer        *time.Timer
	events       []models.ChatEvent
	updates      chan Update
	closed       bool
	lostNotified bool
}

// New constructs a Manager. Connect must be called to open the session.
func New(opts Options) *Manager {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Manager{
		opts:    opts,
		updates: make(chan Update, 256),
	}
}

// Connect opens the transport, tearing down any previous one first. On
// success it emits the join handshake and resets the retry counter. On
// failure it schedules a reconnect.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}
	conn, _, err := m.opts.Dialer.Dial(m.opts.URL, header)
	if err != nil {
		log.Printf("chatclient: dial failed: %v", err)
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	if m.closed || m.conn != nil {
		// A concurrent Connect already installed a transport while this dial
		// was in flight; at most one live transport may exist, so this one
		// loses and is discarded.
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	join := models.ChatEvent{
		Kind:       models.KindJoin,
		UserID:     m.opts.UserID,
		Username:   m.opts.Username,
		Role:       m.opts.Role,
		PropertyID: m.opts.PropertyID,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := conn.WriteJSON(join); err != nil {
		log.Printf("chatclient: join send failed: %v", err)
	}
	m.mu.Unlock()

	go m.readLoop(conn)
}

// Send emits a message event stamped with the current time. Outside the Open
// state, or without identity, it is a no-op with a logged warning.
func (m *Manager) Send(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateOpen || m.conn == nil {
		log.Printf("chatclient: send while not connected, dropping")
		return
	}
	if m.opts.UserID == 0 || m.opts.Username == "" {
		log.Printf("chatclient: send without identity, dropping")
		return
	}

	ev := models.ChatEvent{
		Kind:       models.KindMessage,
		UserID:     m.opts.UserID,
		Username:   m.opts.Username,
		Content:    content,
		PropertyID: m.opts.PropertyID,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := m.conn.WriteJSON(ev); err != nil {
		log.Printf("chatclient: message send failed: %v", err)
	}
}

// SendDelete emits a delete event targeting the message the caller authored
// at the given timestamp.
func (m *Manager) SendDelete(timestamp int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateOpen || m.conn == nil {
		log.Printf("chatclient: delete while not connected, dropping")
		return
	}

	ev := models.ChatEvent{
		Kind:       models.KindDelete,
		UserID:     m.opts.UserID,
		Username:   m.opts.Username,
		PropertyID: m.opts.PropertyID,
		Timestamp:  timestamp,
	}
	if err := m.conn.WriteJSON(ev); err != nil {
		log.Printf("chatclient: delete send failed: %v", err)
	}
}

// Updates returns the channel the UI consumes. It is closed by Close.
func (m *Manager) Updates() <-chan Update {
	return m.updates
}

// Events returns a snapshot of the local event log.
func (m *Manager) Events() []models.ChatEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]models.ChatEvent, len(m.events))
	copy(snapshot, m.events)
	return snapshot
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close shuts the manager down: emits a leave while the transport is still
// open, cancels any pending reconnect and closes the updates channel.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	if conn != nil && m.state == StateOpen {
		leave := models.ChatEvent{
			Kind:       models.KindLeave,
			UserID:     m.opts.UserID,
			Username:   m.opts.Username,
			PropertyID: m.opts.PropertyID,
			Timestamp:  time.Now().UnixMilli(),
		}
		_ = conn.WriteJSON(leave)
	}
	m.state = StateIdle
	close(m.updates)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		var ev models.ChatEvent
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		m.handleEvent(ev)
	}
	m.handleDisconnect(conn)
}

func (m *Manager) handleEvent(ev models.ChatEvent) {
	if ev.Kind == "" {
		log.Printf("chatclient: event without kind, dropping")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	switch ev.Kind {
	case models.KindHistory:
		// Replay replaces the local log wholesale, ordered as received.
		m.events = append([]models.ChatEvent(nil), ev.Messages...)
		m.emitLocked(Update{Kind: UpdateHistory})

	case models.KindDelete:
		if m.applyTombstoneLocked(ev) {
			m.emitLocked(Update{Kind: UpdateEvent, Event: &ev})
			return
		}
		m.appendLocked(ev)

	default:
		m.appendLocked(ev)
	}
}

// appendLocked adds the event unless it duplicates a recent entry, guarding
// against a message arriving both live and via a later history replay.
func (m *Manager) appendLocked(ev models.ChatEvent) {
	if m.isDuplicateLocked(ev) {
		return
	}
	m.events = append(m.events, ev)
	m.emitLocked(Update{Kind: UpdateEvent, Event: &ev})
}

func (m *Manager) isDuplicateLocked(ev models.ChatEvent) bool {
	start := len(m.events) - dedupWindow
	if start < 0 {
		start = 0
	}
	for i := len(m.events) - 1; i >= start; i-- {
		prev := m.events[i]
		if prev.Kind == ev.Kind && prev.UserID == ev.UserID &&
			prev.Content == ev.Content && prev.Timestamp == ev.Timestamp {
			return true
		}
	}
	return false
}

// applyTombstoneLocked rewrites the deleted message in place so the log shows
// the tombstone at the original timestamp.
func (m *Manager) applyTombstoneLocked(ev models.ChatEvent) bool {
	for i := len(m.events) - 1; i >= 0; i-- {
		entry := &m.events[i]
		if entry.Kind == models.KindMessage && entry.UserID == ev.UserID && entry.Timestamp == ev.Timestamp {
			entry.Content = ev.Content
			entry.IsDeleted = true
			return true
		}
	}
	return false
}

func (m *Manager) emitLocked(update Update) {
	select {
	case m.updates <- update:
	default:
		log.Printf("chatclient: updates channel full, dropping %s", update.Kind)
	}
}

func (m *Manager) handleDisconnect(conn *websocket.Conn) {
	m.mu.Lock()
	if m.closed || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateReconnectPending
	m.mu.Unlock()
	conn.Close()

	m.scheduleReconnect()
}

// scheduleReconnect arms a single backoff timer, clearing any stale one
// first. At the ceiling it emits exactly one terminal notice and stops.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.state == StateExhausted {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.attempts >= m.opts.MaxRetries {
		m.state = StateExhausted
		if !m.lostNotified {
			m.lostNotified = true
			m.emitLocked(Update{Kind: UpdateConnectionLost})
		}
		return
	}

	delay := m.backoffDelay(m.attempts)
	m.attempts++
	m.state = StateReconnectPending
	m.timer = time.AfterFunc(delay, m.Connect)
}

func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.opts.BaseDelay << attempt
	if delay > m.opts.MaxDelay {
		delay = m.opts.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(m.opts.BaseDelay)))
	return delay + jitter
}
