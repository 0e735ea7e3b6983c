package tts

import "context"

// Output is the single audio output channel of the device.
type Output interface {
	// Unlock plays a near-silent clip so later programmatic playback is
	// allowed. It must run synchronously inside the user gesture.
	Unlock() error
	Play(ctx context.Context, audio Audio) (Playback, error)
}

type Playback interface {
	// Done is closed when playback ends on its own or after Stop.
	Done() <-chan struct{}
	Err() error
	Stop()
	// Release frees the decoded audio so the hardware can route back to the microphone.
	Release()
}
