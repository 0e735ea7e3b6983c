package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voicechat/internal/domain"
	"voicechat/internal/orchestrator"
)

const helloWait = 10 * time.Second

// Bridge accepts terminal websocket sessions and routes conversation events
// back to the terminal a conversation runs on.
type Bridge struct {
	registry *Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu           sync.Mutex
	conns        map[string]*Conn
	sessions     map[string]string
	onDisconnect func(terminalID string)
}

func NewBridge(registry *Registry, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   logger,
		conns:    make(map[string]*Conn),
		sessions: make(map[string]string),
	}
}

// OnDisconnect registers fn to run after a terminal's websocket closes.
func (b *Bridge) OnDisconnect(fn func(terminalID string)) {
	b.mu.Lock()
	b.onDisconnect = fn
	b.mu.Unlock()
}

func (b *Bridge) Conn(terminalID string) (*Conn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[terminalID]
	return c, ok
}

// ServeHTTP upgrades the request and serves the terminal until it goes away.
// The first message must be a hello naming the terminal.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("terminal upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	hello, err := readHello(ws)
	if err != nil {
		b.logger.Warn("terminal handshake failed", "remote", r.RemoteAddr, "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()), time.Now().Add(writeWait))
		return
	}

	caps := Capabilities{}
	if hello.Capabilities != nil {
		caps = *hello.Capabilities
	}
	c := newConn(ws, hello.TerminalID, caps, b.logger)
	if b.registry != nil {
		c.setHeartbeat(func() { b.registry.Touch(c.id) })
	}
	b.attach(c)
	defer b.detach(c)

	c.logger.Info("terminal connected", "capture", caps.Capture, "playback", caps.Playback, "recognition", caps.RecognitionURL != "")
	c.run()
	c.logger.Info("terminal disconnected")
}

func readHello(ws *websocket.Conn) (Event, error) {
	_ = ws.SetReadDeadline(time.Now().Add(helloWait))
	kind, payload, err := ws.ReadMessage()
	if err != nil {
		return Event{}, fmt.Errorf("read hello: %w", err)
	}
	if kind != websocket.TextMessage {
		return Event{}, fmt.Errorf("hello must be a text message")
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode hello: %w", err)
	}
	ev.TerminalID = strings.TrimSpace(ev.TerminalID)
	if ev.Type != evHello || ev.TerminalID == "" {
		return Event{}, fmt.Errorf("expected hello with terminal_id, got %q", ev.Type)
	}
	return ev, nil
}

func (b *Bridge) attach(c *Conn) {
	b.mu.Lock()
	prev := b.conns[c.id]
	b.conns[c.id] = c
	b.mu.Unlock()
	// A reconnecting terminal replaces its stale session.
	if prev != nil {
		prev.logger.Info("terminal replaced by a new connection")
		_ = prev.Close()
	}
	if b.registry != nil {
		b.registry.SetConnected(c.id, c.caps)
	}
}

func (b *Bridge) detach(c *Conn) {
	b.mu.Lock()
	current := b.conns[c.id] == c
	if current {
		delete(b.conns, c.id)
	}
	fn := b.onDisconnect
	b.mu.Unlock()
	if !current {
		return
	}
	if b.registry != nil {
		b.registry.SetDisconnected(c.id)
	}
	if fn != nil {
		fn(c.id)
	}
}

// Close drops every terminal connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (b *Bridge) connForSession(sessionID string) (*Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	terminalID, ok := b.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: no terminal for session %s", ErrTerminalNotConnected, sessionID)
	}
	c, ok := b.conns[terminalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTerminalNotConnected, terminalID)
	}
	return c, nil
}

func (b *Bridge) PublishState(_ context.Context, snap orchestrator.Snapshot) error {
	b.mu.Lock()
	b.sessions[snap.SessionID] = snap.TerminalID
	c, ok := b.conns[snap.TerminalID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTerminalNotConnected, snap.TerminalID)
	}
	return c.send(Command{Type: cmdState, SessionID: snap.SessionID, State: string(snap.State), Text: snap.LastError})
}

func (b *Bridge) PublishMessage(_ context.Context, sessionID string, msg domain.Message) error {
	c, err := b.connForSession(sessionID)
	if err != nil {
		return err
	}
	return c.send(Command{Type: cmdMessage, SessionID: sessionID, ID: msg.ID, Role: string(msg.Role), Text: msg.Text})
}

func (b *Bridge) PublishError(_ context.Context, sessionID, message string) error {
	c, err := b.connForSession(sessionID)
	if err != nil {
		return err
	}
	return c.send(Command{Type: cmdError, SessionID: sessionID, Text: message})
}

func (b *Bridge) PublishEnded(_ context.Context, session domain.ConversationSession, persisted bool) error {
	c, err := b.connForSession(session.ID)
	b.mu.Lock()
	delete(b.sessions, session.ID)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return c.send(Command{Type: cmdEnded, SessionID: session.ID, Persisted: persisted})
}
