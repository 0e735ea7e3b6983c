package capture_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicechat/internal/capture"
	"voicechat/internal/capture/capturetest"
)

func fastOptions() capture.Options {
	return capture.Options{
		RMSThreshold:   15,
		PollInterval:   2 * time.Millisecond,
		SilenceTimeout: 30 * time.Millisecond,
		NoSpeechAfter:  150 * time.Millisecond,
		MaxDuration:    2 * time.Second,
		Timeslice:      10 * time.Millisecond,
	}
}

func waitReason(t *testing.T, ch <-chan capture.Reason, within time.Duration) capture.Reason {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(within):
		t.Fatalf("onSilence not called within %s", within)
		return 0
	}
}

func TestAcquiresOnceAcrossTurns(t *testing.T) {
	ctx := context.Background()
	dev := capturetest.NewDevice()
	m := capture.NewManager(dev, fastOptions(), nil)

	require.NoError(t, m.Init(ctx))
	for turn := 0; turn < 5; turn++ {
		require.NoError(t, m.Init(ctx), "turn %d", turn)
		require.NoError(t, m.StartCapture(ctx, nil))
		assert.True(t, dev.Current().Enabled())
		_, err := m.StopCapture(ctx)
		require.NoError(t, err)
		assert.False(t, dev.Current().Enabled())
		require.NoError(t, m.RefreshStream(ctx))
	}

	assert.Equal(t, 1, dev.Acquired())
	assert.Equal(t, 1, m.Acquisitions())
	assert.False(t, dev.Current().Stopped(), "soft mute must never release hardware")
}

func TestLifecycleGuards(t *testing.T) {
	ctx := context.Background()
	m := capture.NewManager(capturetest.NewDevice(), fastOptions(), nil)

	assert.ErrorIs(t, m.StartCapture(ctx, nil), capture.ErrNotReady)
	_, err := m.StopCapture(ctx)
	assert.ErrorIs(t, err, capture.ErrNotRecording)

	require.NoError(t, m.Init(ctx))
	_, err = m.StopCapture(ctx)
	assert.ErrorIs(t, err, capture.ErrNotRecording)

	require.NoError(t, m.StartCapture(ctx, nil))
	assert.ErrorIs(t, m.StartCapture(ctx, nil), capture.ErrNotReady)
	assert.Equal(t, capture.StateRecording, m.State())
}

func TestStopCaptureFlushesSegment(t *testing.T) {
	ctx := context.Background()
	dev := capturetest.NewDevice()
	m := capture.NewManager(dev, fastOptions(), nil)
	require.NoError(t, m.Init(ctx))
	require.NoError(t, m.StartCapture(ctx, nil))

	seg, err := m.StopCapture(ctx)
	require.NoError(t, err)
	assert.Equal(t, "audio/webm", seg.MimeType)
	assert.Equal(t, "01234567890123456789", string(seg.Data), "final slice must be included")
	assert.Equal(t, capture.StateReady, m.State())
}

func TestInitFailureStaysIdle(t *testing.T) {
	dev := capturetest.NewDevice()
	dev.Err = fmt.Errorf("browser said no: %w", capture.ErrPermissionDenied)
	m := capture.NewManager(dev, fastOptions(), nil)

	err := m.Init(context.Background())
	assert.ErrorIs(t, err, capture.ErrPermissionDenied)
	assert.Equal(t, capture.StateIdle, m.State())
}

func TestTrackEndedRequiresReinit(t *testing.T) {
	ctx := context.Background()
	dev := capturetest.NewDevice()
	m := capture.NewManager(dev, fastOptions(), nil)
	require.NoError(t, m.Init(ctx))

	dev.Current().End()
	assert.ErrorIs(t, m.StartCapture(ctx, nil), capture.ErrTrackEnded)
	assert.Equal(t, capture.StateReady, m.State())

	require.NoError(t, m.Init(ctx))
	assert.Equal(t, 2, dev.Acquired())
	require.NoError(t, m.StartCapture(ctx, nil))
}

func TestSilenceRequiresSpeechFirst(t *testing.T) {
	ctx := context.Background()
	dev := capturetest.NewDevice()
	m := capture.NewManager(dev, fastOptions(), nil)
	require.NoError(t, m.Init(ctx))

	reasons := make(chan capture.Reason, 1)
	start := time.Now()
	require.NoError(t, m.StartCapture(ctx, func(r capture.Reason) { reasons <- r }))

	got := waitReason(t, reasons, time.Second)
	assert.Equal(t, capture.ReasonNoSpeech, got)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "no silence trigger before the no-speech timeout")
}

func TestSilenceAfterSpeech(t *testing.T) {
	ctx := context.Background()
	dev := capturetest.NewDevice()
	m := capture.NewManager(dev, fastOptions(), nil)
	require.NoError(t, m.Init(ctx))

	reasons := make(chan capture.Reason, 1)
	dev.SetLevel(40)
	require.NoError(t, m.StartCapture(ctx, func(r capture.Reason) { reasons <- r }))
	time.Sleep(20 * time.Millisecond)
	dev.SetLevel(2)

	assert.Equal(t, capture.ReasonSilence, waitReason(t, reasons, time.Second))
	assert.True(t, dev.Current().Analysers()[0].Resumed(), "audio graph must be resumed before analysis")
}

func TestPerCaptureSilenceOverride(t *testing.T) {
	ctx := context.Background()
	dev := capturetest.NewDevice()
	m := capture.NewManager(dev, fastOptions(), nil)
	require.NoError(t, m.Init(ctx))

	reasons := make(chan capture.Reason, 1)
	dev.SetLevel(40)
	require.NoError(t, m.StartCapture(ctx, func(r capture.Reason) { reasons <- r },
		capture.WithSilenceTimeout(120*time.Millisecond)))
	time.Sleep(10 * time.Millisecond)
	dev.SetLevel(0)
	quietAt := time.Now()

	assert.Equal(t, capture.ReasonSilence, waitReason(t, reasons, time.Second))
	assert.GreaterOrEqual(t, time.Since(quietAt), 110*time.Millisecond)
}

func TestCeilingWithContinuousSpeech(t *testing.T) {
	ctx := context.Background()
	dev := capturetest.NewDevice()
	m := capture.NewManager(dev, fastOptions(), nil)
	require.NoError(t, m.Init(ctx))

	reasons := make(chan capture.Reason, 1)
	dev.SetLevel(60)
	require.NoError(t, m.StartCapture(ctx, func(r capture.Reason) { reasons <- r }, capture.WithMaxDuration(80*time.Millisecond)))

	assert.Equal(t, capture.ReasonMaxDuration, waitReason(t, reasons, time.Second))
}

func TestStopCaptureCancelsDetection(t *testing.T) {
	ctx := context.Background()
	m := capture.NewManager(capturetest.NewDevice(), fastOptions(), nil)
	require.NoError(t, m.Init(ctx))

	reasons := make(chan capture.Reason, 1)
	require.NoError(t, m.StartCapture(ctx, func(r capture.Reason) { reasons <- r }))
	_, err := m.StopCapture(ctx)
	require.NoError(t, err)

	select {
	case r := <-reasons:
		t.Fatalf("unexpected onSilence(%s) after StopCapture", r)
	case <-time.After(250 * time.Millisecond):
	}
}

func TestRefreshStream(t *testing.T) {
	ctx := context.Background()
	dev := capturetest.NewDevice()
	m := capture.NewManager(dev, fastOptions(), nil)
	require.NoError(t, m.Init(ctx))
	first := dev.Current()

	require.NoError(t, m.RefreshStream(ctx))
	assert.Equal(t, 1, dev.Acquired())
	require.Len(t, first.Analysers(), 2)
	assert.True(t, first.Analysers()[0].Closed())

	first.End()
	require.NoError(t, m.RefreshStream(ctx))
	assert.Equal(t, 2, dev.Acquired())
	assert.Equal(t, capture.StateReady, m.State())
	assert.NotSame(t, first, dev.Current())
}

func TestDestroyReleasesHardware(t *testing.T) {
	ctx := context.Background()
	dev := capturetest.NewDevice()
	m := capture.NewManager(dev, fastOptions(), nil)
	require.NoError(t, m.Init(ctx))
	require.NoError(t, m.StartCapture(ctx, nil))

	require.NoError(t, m.Destroy())
	assert.True(t, dev.Current().Stopped())
	assert.Equal(t, capture.StateIdle, m.State())
	require.NoError(t, m.RefreshStream(ctx), "refresh without a handle is a no-op")
	assert.Equal(t, 1, dev.Acquired())
}
