package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicechat/internal/db"
	"voicechat/internal/domain"
	"voicechat/internal/listen"
	"voicechat/internal/orchestrator"
	"voicechat/internal/terminal"
)

type fakeConversations struct {
	snap     orchestrator.Snapshot
	err      error
	got      orchestrator.StartRequest
	stopped  []string
	known    map[string]orchestrator.Snapshot
	stopFail error
}

func (f *fakeConversations) Begin(_ context.Context, req orchestrator.StartRequest) (orchestrator.Snapshot, error) {
	f.got = req
	return f.snap, f.err
}

func (f *fakeConversations) Snapshot(id string) (orchestrator.Snapshot, bool) {
	s, ok := f.known[id]
	return s, ok
}

func (f *fakeConversations) Stop(id string) error {
	if _, ok := f.known[id]; !ok {
		return orchestrator.ErrConversationNotFound
	}
	f.stopped = append(f.stopped, id)
	return f.stopFail
}

func (f *fakeConversations) List() []orchestrator.Snapshot {
	out := make([]orchestrator.Snapshot, 0, len(f.known))
	for _, s := range f.known {
		out = append(out, s)
	}
	return out
}

type fakeTerminals []terminal.State

func (f fakeTerminals) ListOnline() []terminal.State { return f }

func newTestRouter(conv *fakeConversations, store *db.MemoryStore) http.Handler {
	return NewRouter(Deps{
		Conversations: conv,
		Sessions:      store,
		Terminals:     fakeTerminals{{TerminalID: "desk", Online: true}},
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestStartConversation(t *testing.T) {
	conv := &fakeConversations{snap: orchestrator.Snapshot{SessionID: "s1", State: domain.StateProcessing, Listener: listen.KindCapture}}
	h := newTestRouter(conv, db.NewMemoryStore(5))

	rec, out := do(t, h, http.MethodPost, "/v1/conversations",
		`{"terminal_id":"desk","participant":{"target_language":"es"},"silence_ms":1200}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "s1", out["session_id"])
	assert.Equal(t, "capture", out["listener"])
	assert.Equal(t, "desk", conv.got.TerminalID)
	assert.Equal(t, 1200, conv.got.SilenceMs)

	rec, _ = do(t, h, http.MethodPost, "/v1/conversations", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartConversationErrors(t *testing.T) {
	tests := []struct {
		name string
		snap orchestrator.Snapshot
		err  error
		want int
	}{
		{name: "busy", err: fmt.Errorf("%w: desk", orchestrator.ErrTerminalBusy), want: http.StatusConflict},
		{name: "offline", err: fmt.Errorf("%w: desk", terminal.ErrTerminalNotConnected), want: http.StatusNotFound},
		{name: "no input", err: listen.ErrNoListener, want: http.StatusUnprocessableEntity},
		{name: "prepare failed", snap: orchestrator.Snapshot{SessionID: "s2", LastError: "Microphone access was denied."}, err: errors.New("denied"), want: http.StatusUnprocessableEntity},
		{name: "unexpected", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(&fakeConversations{snap: tt.snap, err: tt.err}, db.NewMemoryStore(5))
			rec, out := do(t, h, http.MethodPost, "/v1/conversations", `{"terminal_id":"desk"}`)
			assert.Equal(t, tt.want, rec.Code)
			if tt.snap.LastError != "" {
				assert.Equal(t, tt.snap.LastError, out["error"])
			}
		})
	}
}

func TestConversationLookupAndStop(t *testing.T) {
	conv := &fakeConversations{known: map[string]orchestrator.Snapshot{"s1": {SessionID: "s1", State: domain.StateListening}}}
	h := newTestRouter(conv, db.NewMemoryStore(5))

	rec, out := do(t, h, http.MethodGet, "/v1/conversations/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "listening", out["state"])

	rec, _ = do(t, h, http.MethodGet, "/v1/conversations/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/v1/conversations/s1/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"s1"}, conv.stopped)

	rec, _ = do(t, h, http.MethodPost, "/v1/conversations/nope/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionsEndpoints(t *testing.T) {
	store := db.NewMemoryStore(5)
	ctx := context.Background()
	require.NoError(t, store.SaveSession(ctx, domain.ConversationSession{ID: "a", Status: domain.StatusCompleted}))
	require.NoError(t, store.SaveSession(ctx, domain.ConversationSession{ID: "b", Status: domain.StatusError}))
	h := newTestRouter(&fakeConversations{}, store)

	rec, out := do(t, h, http.MethodGet, "/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["sessions"], 2)

	rec, _ = do(t, h, http.MethodDelete, "/v1/sessions/a", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodDelete, "/v1/sessions/a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/v1/sessions/b", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodDelete, "/v1/sessions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	_, out = do(t, h, http.MethodGet, "/v1/sessions", "")
	assert.Empty(t, out["sessions"])
}

func TestHealthAndTerminals(t *testing.T) {
	h := newTestRouter(&fakeConversations{}, db.NewMemoryStore(5))
	rec, out := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ok"])

	rec, out = do(t, h, http.MethodGet, "/v1/terminals", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["terminals"], 1)
}
