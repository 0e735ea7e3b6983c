package capture

import (
	"context"
	"time"
)

// Device is the microphone provider. Acquire may prompt the user and must be
// triggered from a user action on platforms that enforce it.
type Device interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is an acquired input handle. Stop releases the hardware.
type Stream interface {
	SetEnabled(enabled bool)
	Ended() bool
	MimeType() string
	NewRecorder() (Recorder, error)
	NewAnalyser() (Analyser, error)
	Stop() error
}

type Recorder interface {
	Start(timeslice time.Duration, onData func([]byte)) error
	// Stop halts recording. The returned channel is closed after the last
	// slice has been delivered to onData.
	Stop() <-chan struct{}
}

// Analyser reports the short-time RMS energy of the input, on the same scale
// as Options.RMSThreshold.
type Analyser interface {
	Resume(ctx context.Context) error
	Level() float64
	Close() error
}

type quietAnalyser struct{}

func (quietAnalyser) Resume(context.Context) error { return nil }
func (quietAnalyser) Level() float64               { return 0 }
func (quietAnalyser) Close() error                 { return nil }
