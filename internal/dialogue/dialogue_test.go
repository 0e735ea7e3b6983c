package dialogue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicechat/internal/domain"
	"voicechat/internal/llm"
)

type fakeProvider struct {
	reply string
	err   error
	last  llm.Request
}

func (f *fakeProvider) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.last = req
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Content: f.reply}, nil
}

var spanish = domain.ParticipantContext{
	TargetLanguage: "es",
	NativeLanguage: "en",
	Topic:          "la comida",
	Vocabulary:     []string{"manzana", "cocinar"},
	Grammar:        []string{"preterite"},
}

func TestReplyOpeningLine(t *testing.T) {
	p := &fakeProvider{reply: "  ¡Hola! ¿Qué te gusta cocinar?  "}
	svc := NewService(p, "m")

	reply, err := svc.Reply(context.Background(), nil, spanish)
	require.NoError(t, err)
	assert.Equal(t, "¡Hola! ¿Qué te gusta cocinar?", reply)
	assert.Empty(t, p.last.Messages)
	assert.Contains(t, p.last.System, "Spanish")
	assert.Contains(t, p.last.System, "manzana, cocinar")
	assert.Contains(t, p.last.System, "greet the learner")
}

func TestReplyMapsRoles(t *testing.T) {
	p := &fakeProvider{reply: "Muy bien."}
	svc := NewService(p, "m")

	history := []domain.Message{
		{Role: domain.RoleAI, Text: "Hola"},
		{Role: domain.RoleUser, Text: "Hola, me gusta cocinar"},
	}
	_, err := svc.Reply(context.Background(), history, spanish)
	require.NoError(t, err)
	require.Len(t, p.last.Messages, 2)
	assert.Equal(t, "assistant", p.last.Messages[0].Role)
	assert.Equal(t, "user", p.last.Messages[1].Role)
	assert.NotContains(t, p.last.System, "greet the learner")
}

func TestReplyErrors(t *testing.T) {
	_, err := NewService(&fakeProvider{reply: "   "}, "m").Reply(context.Background(), nil, spanish)
	assert.ErrorIs(t, err, ErrMalformedReply)

	_, err = NewService(&fakeProvider{err: llm.ErrRateLimited}, "m").Reply(context.Background(), nil, spanish)
	assert.ErrorIs(t, err, llm.ErrRateLimited)
}

func TestSummarizeParsesFencedJSON(t *testing.T) {
	p := &fakeProvider{reply: "```json\n{\"score\": 82, \"sentences\": [{\"text\": \"Yo cociné\", \"correct\": true}], " +
		"\"vocabulary_used\": [\"cocinar\"], \"grammar_used\": [\"preterite\"], \"feedback\": \"Good job\"}\n```"}
	ev := NewEvaluator(p, "m")

	summary, err := ev.Summarize(context.Background(), []domain.Message{{Role: domain.RoleUser, Text: "Yo cociné"}}, spanish)
	require.NoError(t, err)
	assert.Equal(t, 82, summary.Score)
	assert.Equal(t, []string{"cocinar"}, summary.VocabularyUsed)
	assert.True(t, p.last.JSON)
	assert.Contains(t, p.last.Messages[0].Content, "LEARNER: Yo cociné")
}

func TestSummarizeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{name: "not json", reply: "great conversation"},
		{name: "score out of range", reply: `{"score": 140, "feedback": "ok"}`},
		{name: "missing feedback", reply: `{"score": 50}`},
		{name: "sentence without text", reply: `{"score": 50, "feedback": "ok", "sentences": [{"correct": false}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEvaluator(&fakeProvider{reply: tt.reply}, "m").Summarize(context.Background(), nil, spanish)
			assert.True(t, errors.Is(err, ErrInvalidSummary), "err=%v", err)
		})
	}
}

func TestLanguageName(t *testing.T) {
	assert.Equal(t, "Spanish", languageName("es-MX"))
	assert.Equal(t, "French", languageName("FR"))
	assert.Equal(t, "tl", languageName("tl"))
}
