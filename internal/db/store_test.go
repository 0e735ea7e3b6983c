package db

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicechat/internal/domain"
)

func sampleSession(id string, startedAt time.Time) domain.ConversationSession {
	return domain.ConversationSession{
		ID:          id,
		Participant: domain.ParticipantContext{ProjectID: "p1", TargetLanguage: "es", Vocabulary: []string{"manzana"}},
		Messages: []domain.Message{
			{ID: "m1", Role: domain.RoleAI, Text: "¡Hola!", Timestamp: startedAt},
			{ID: "m2", Role: domain.RoleUser, Text: "Hola", Timestamp: startedAt.Add(time.Second)},
		},
		Summary:   &domain.Summary{Score: 70, Feedback: "ok"},
		StartedAt: startedAt,
		EndedAt:   startedAt.Add(time.Minute),
		Status:    domain.StatusCompleted,
	}
}

// exerciseStore runs the shared contract against any SessionStore holding at
// most three sessions.
func exerciseStore(t *testing.T, store SessionStore) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = uuid.NewString()
		require.NoError(t, store.SaveSession(ctx, sampleSession(ids[i], base.Add(time.Duration(i)*time.Hour))))
	}

	list, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3, "oldest sessions evicted beyond the cap")
	assert.Equal(t, []string{ids[4], ids[3], ids[2]}, []string{list[0].ID, list[1].ID, list[2].ID})

	_, err = store.GetSession(ctx, ids[0])
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Saving the same id replaces it.
	replaced := sampleSession(ids[4], base.Add(4*time.Hour))
	replaced.Status = domain.StatusError
	replaced.Summary = nil
	require.NoError(t, store.SaveSession(ctx, replaced))
	got, err := store.GetSession(ctx, ids[4])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Nil(t, got.Summary)
	assert.Len(t, got.Messages, 2)
	assert.Equal(t, "es", got.Participant.TargetLanguage)
	list, err = store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	require.NoError(t, store.DeleteSession(ctx, ids[3]))
	assert.ErrorIs(t, store.DeleteSession(ctx, ids[3]), ErrSessionNotFound)

	require.NoError(t, store.DeleteAllSessions(ctx))
	list, err = store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(3))
}

func TestMemoryStoreCopiesMessages(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)
	s := sampleSession("a", time.Now())
	require.NoError(t, store.SaveSession(ctx, s))
	s.Messages[0].Text = "mutated"

	got, err := store.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "¡Hola!", got.Messages[0].Text)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	ctx := context.Background()
	store, err := New(ctx, dsn, 3)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.DeleteAllSessions(ctx))

	exerciseStore(t, store)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	store := newRedisStore(redis.NewClient(opts), fmt.Sprintf("voicechat-test-%d", time.Now().UnixNano()), 3)
	defer store.Close()
	defer store.DeleteAllSessions(context.Background())

	exerciseStore(t, store)
}
