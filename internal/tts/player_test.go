package tts_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicechat/internal/domain"
	"voicechat/internal/tts"
	"voicechat/internal/tts/ttstest"
)

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("%s not closed in time", what)
	}
}

func nextPlayback(t *testing.T, out *ttstest.Output) *ttstest.Playback {
	t.Helper()
	select {
	case pb := <-out.Played():
		return pb
	case <-time.After(time.Second):
		t.Fatalf("no playback started")
		return nil
	}
}

func TestSpeakPlaysAndReleases(t *testing.T) {
	out := ttstest.NewOutput()
	p := tts.NewPlayer(&ttstest.Synthesizer{}, out, nil)

	u := p.Speak(context.Background(), "Hola", domain.VoiceProfile{Voice: "nova"}, "")
	waitClosed(t, u.Started(), "started")
	pb := nextPlayback(t, out)
	assert.Equal(t, "audio:Hola", string(pb.Audio.Data))
	assert.True(t, p.IsPlaying())

	pb.Finish()
	waitClosed(t, u.Done(), "done")
	outcome, err := u.Result()
	require.NoError(t, err)
	assert.Equal(t, tts.OutcomeFinished, outcome)
	assert.True(t, pb.Released())
	assert.False(t, p.IsPlaying())
}

func TestSpeakSameTextToggles(t *testing.T) {
	out := ttstest.NewOutput()
	p := tts.NewPlayer(&ttstest.Synthesizer{}, out, nil)

	first := p.Speak(context.Background(), "Hola", domain.VoiceProfile{}, "")
	pb := nextPlayback(t, out)

	second := p.Speak(context.Background(), "Hola", domain.VoiceProfile{}, "")
	assert.Same(t, first, second)
	waitClosed(t, first.Done(), "done")
	outcome, _ := first.Result()
	assert.Equal(t, tts.OutcomeStopped, outcome)
	assert.True(t, pb.Stopped())
	assert.True(t, pb.Released())
	assert.Len(t, out.Playbacks(), 1, "toggle must not start new playback")
}

func TestSpeakDifferentTextStopsCurrent(t *testing.T) {
	out := ttstest.NewOutput()
	p := tts.NewPlayer(&ttstest.Synthesizer{}, out, nil)

	first := p.Speak(context.Background(), "uno", domain.VoiceProfile{}, "")
	pb1 := nextPlayback(t, out)
	second := p.Speak(context.Background(), "dos", domain.VoiceProfile{}, "")

	waitClosed(t, first.Done(), "first done")
	assert.True(t, pb1.Stopped())
	pb2 := nextPlayback(t, out)
	assert.Equal(t, "audio:dos", string(pb2.Audio.Data))
	pb2.Finish()
	waitClosed(t, second.Done(), "second done")
}

func TestSynthesisFailureClosesDoneBeforeStarted(t *testing.T) {
	boom := errors.New("tts down")
	p := tts.NewPlayer(&ttstest.Synthesizer{Err: boom}, ttstest.NewOutput(), nil)

	u := p.Speak(context.Background(), "Hola", domain.VoiceProfile{}, "")
	waitClosed(t, u.Started(), "started")
	select {
	case <-u.Done():
	default:
		t.Fatalf("Done must already be closed when synthesis failed")
	}
	outcome, err := u.Result()
	assert.Equal(t, tts.OutcomeFailed, outcome)
	assert.ErrorIs(t, err, boom)
}

func TestStopDuringSynthesis(t *testing.T) {
	synth := &ttstest.Synthesizer{Gate: make(chan struct{})}
	out := ttstest.NewOutput()
	p := tts.NewPlayer(synth, out, nil)

	u := p.Speak(context.Background(), "Hola", domain.VoiceProfile{}, "")
	p.Stop()
	waitClosed(t, u.Done(), "done")
	outcome, err := u.Result()
	assert.Equal(t, tts.OutcomeStopped, outcome)
	assert.NoError(t, err)
	assert.Empty(t, out.Playbacks())
}

func TestPrimeForAutoplayOnce(t *testing.T) {
	out := ttstest.NewOutput()
	p := tts.NewPlayer(&ttstest.Synthesizer{}, out, nil)
	require.NoError(t, p.PrimeForAutoplay())
	require.NoError(t, p.PrimeForAutoplay())
	assert.Equal(t, 1, out.Unlocks())
}

func TestCachedSynthesizer(t *testing.T) {
	inner := &ttstest.Synthesizer{}
	c := tts.NewCachedSynthesizer(inner, time.Minute)
	req := tts.Request{Text: "Hola", Voice: domain.VoiceProfile{Voice: "nova"}}

	a1, err := c.Synthesize(context.Background(), req)
	require.NoError(t, err)
	a2, err := c.Synthesize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Equal(t, 1, inner.Calls)

	_, err = c.Synthesize(context.Background(), tts.Request{Text: "Hola", Voice: domain.VoiceProfile{Voice: "onyx"}})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.Calls)
}
