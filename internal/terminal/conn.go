package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrDisconnected         = errors.New("terminal disconnected")
	ErrTerminalNotConnected = errors.New("terminal not connected")
)

const (
	pongWait   = 70 * time.Second
	pingPeriod = 25 * time.Second
	writeWait  = 10 * time.Second

	acquireWait = 30 * time.Second
	resumeWait  = 5 * time.Second
	flushWait   = 3 * time.Second
	playWait    = 10 * time.Second
)

type waiter struct {
	keys []string
	ch   chan Event
}

// Conn is one connected terminal. It is the microphone device and the audio
// output for the conversations running on that terminal.
type Conn struct {
	id     string
	caps   Capabilities
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	waiters   []*waiter
	level     float64
	micGen    int
	micEnded  bool
	sink      func([]byte)
	playbacks map[string]*playback
	onBeat    func()

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, id string, caps Capabilities, logger *slog.Logger) *Conn {
	if caps.MimeType == "" {
		caps.MimeType = defaultMimeType
	}
	return &Conn{
		id:        id,
		caps:      caps,
		ws:        ws,
		logger:    logger.With("terminal_id", id),
		playbacks: make(map[string]*playback),
		done:      make(chan struct{}),
	}
}

func (c *Conn) ID() string                 { return c.id }
func (c *Conn) Capabilities() Capabilities { return c.caps }
func (c *Conn) Done() <-chan struct{}      { return c.done }

// run reads until the connection fails. Writes are serialized by writeMu so
// the keepalive pings never interleave with commands.
func (c *Conn) run() {
	defer c.close()

	c.ws.SetReadLimit(maxMessageLength)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	go c.keepalive(stopPing)
	defer close(stopPing)

	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("terminal read failed", "error", err)
			}
			return
		}
		if kind == websocket.BinaryMessage {
			c.deliverSlice(payload)
			continue
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			c.logger.Debug("skip invalid terminal event", "error", err)
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Conn) keepalive(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Conn) deliverSlice(data []byte) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		c.logger.Debug("drop recorder slice without active recording", "bytes", len(data))
		return
	}
	sink(data)
}

func (c *Conn) dispatch(ev Event) {
	var beat func()
	c.mu.Lock()
	switch ev.Type {
	case evLevel:
		c.level = ev.RMS
	case evMicReady:
		c.micGen++
		c.micEnded = false
	case evMicEnded:
		c.micEnded = true
	case evPlaybackEnded:
		if pb, ok := c.playbacks[ev.ID]; ok {
			var err error
			if ev.Error != "" {
				err = fmt.Errorf("terminal playback failed: %s", ev.Error)
			}
			pb.finish(err)
		}
	case evHeartbeat:
		beat = c.onBeat
	}

	key := eventKey(ev.Type, ev.ID)
	for i, w := range c.waiters {
		if w.matches(ev.Type, key) {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			w.ch <- ev
			break
		}
	}
	c.mu.Unlock()

	if beat != nil {
		beat()
	}
}

func (w *waiter) matches(typ, key string) bool {
	for _, k := range w.keys {
		if k == key || k == typ {
			return true
		}
	}
	return false
}

func (c *Conn) addWaiter(keys ...string) *waiter {
	w := &waiter{keys: keys, ch: make(chan Event, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return w
}

func (c *Conn) removeWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.waiters {
		if cur == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// request sends cmd and waits for the first event matching one of keys.
func (c *Conn) request(ctx context.Context, cmd Command, keys ...string) (Event, error) {
	w := c.addWaiter(keys...)
	defer c.removeWaiter(w)
	if err := c.send(cmd); err != nil {
		return Event{}, err
	}
	select {
	case ev := <-w.ch:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-c.done:
		return Event{}, ErrDisconnected
	}
}

func (c *Conn) send(cmd Command) error {
	return c.write(cmd, nil)
}

// sendQuiet is for commands nobody can act on a failure of.
func (c *Conn) sendQuiet(cmd Command) {
	if err := c.send(cmd); err != nil {
		c.logger.Debug("send terminal command failed", "command", cmd.Type, "error", err)
	}
}

// write sends cmd and, when payload is set, one binary frame right after it.
func (c *Conn) write(cmd Command, payload []byte) error {
	select {
	case <-c.done:
		return ErrDisconnected
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Type, err)
	}
	if payload == nil {
		return nil
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("send %s payload: %w", cmd.Type, err)
	}
	return nil
}

func (c *Conn) setSink(fn func([]byte)) {
	c.mu.Lock()
	c.sink = fn
	c.mu.Unlock()
}

// beginRecording routes recorder slices to fn and forgets the level left
// over from the previous turn.
func (c *Conn) beginRecording(fn func([]byte)) {
	c.mu.Lock()
	c.sink = fn
	c.level = 0
	c.mu.Unlock()
}

func (c *Conn) currentLevel() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

func (c *Conn) setHeartbeat(fn func()) {
	c.mu.Lock()
	c.onBeat = fn
	c.mu.Unlock()
}

// Close drops the connection. Outstanding requests fail with ErrDisconnected.
func (c *Conn) Close() error {
	c.close()
	return c.ws.Close()
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.micEnded = true
		c.sink = nil
		pbs := make([]*playback, 0, len(c.playbacks))
		for _, pb := range c.playbacks {
			pbs = append(pbs, pb)
		}
		c.mu.Unlock()
		for _, pb := range pbs {
			pb.finish(ErrDisconnected)
		}
	})
}
