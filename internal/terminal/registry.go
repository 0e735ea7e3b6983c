package terminal

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type State struct {
	TerminalID   string       `json:"terminal_id"`
	Capabilities Capabilities `json:"capabilities"`
	Connected    bool         `json:"connected"`
	Online       bool         `json:"online"`
	LastUpdated  time.Time    `json:"last_updated"`
}

// Registry tracks terminal presence from websocket sessions and MQTT
// online/heartbeat topics. Entries not refreshed within the TTL read as gone.
type Registry struct {
	mu   sync.RWMutex
	data map[string]State
	ttl  time.Duration
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Registry{
		data: make(map[string]State),
		ttl:  ttl,
	}
}

func (r *Registry) SetConnected(terminalID string, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[terminalID] = State{
		TerminalID:   terminalID,
		Capabilities: caps,
		Connected:    true,
		Online:       true,
		LastUpdated:  time.Now(),
	}
}

func (r *Registry) SetDisconnected(terminalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.data[terminalID]
	if !ok {
		return
	}
	state.Connected = false
	state.LastUpdated = time.Now()
	r.data[terminalID] = state
}

// SetOnline records presence reported out of band. Capabilities stay as the
// last websocket hello left them.
func (r *Registry) SetOnline(terminalID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.data[terminalID]
	state.TerminalID = terminalID
	state.Online = online
	state.LastUpdated = time.Now()
	r.data[terminalID] = state
}

func (r *Registry) Touch(terminalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.data[terminalID]
	if !ok {
		return
	}
	state.Online = true
	state.LastUpdated = time.Now()
	r.data[terminalID] = state
}

func (r *Registry) Get(terminalID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.data[terminalID]
	if !ok || r.isExpired(state) {
		return State{}, false
	}
	return state, true
}

// ListOnline returns live terminals sorted by id.
func (r *Registry) ListOnline() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]State, 0, len(r.data))
	for _, state := range r.data {
		if strings.TrimSpace(state.TerminalID) == "" {
			continue
		}
		if !state.Online || r.isExpired(state) {
			continue
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TerminalID < out[j].TerminalID })
	return out
}

// A terminal holding a websocket is never expired; its keepalive proves it.
func (r *Registry) isExpired(state State) bool {
	if state.Connected || r.ttl <= 0 {
		return false
	}
	return time.Since(state.LastUpdated) > r.ttl
}
