package capture

import (
	"context"
	"time"
)

type Reason int

const (
	// ReasonSilence: speech was heard and then the input stayed quiet.
	ReasonSilence Reason = iota
	// ReasonNoSpeech: nothing above the threshold before the no-speech timeout.
	ReasonNoSpeech
	// ReasonMaxDuration: the hard ceiling elapsed.
	ReasonMaxDuration
)

func (r Reason) String() string {
	switch r {
	case ReasonSilence:
		return "silence"
	case ReasonNoSpeech:
		return "no_speech"
	case ReasonMaxDuration:
		return "max_duration"
	default:
		return "unknown"
	}
}

func detectSilence(ctx context.Context, analyser Analyser, p Options, onSilence func(Reason)) {
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	noSpeech := time.NewTimer(p.NoSpeechAfter)
	defer noSpeech.Stop()
	noSpeechC := noSpeech.C

	ceiling := time.NewTimer(p.MaxDuration)
	defer ceiling.Stop()

	var silence *time.Timer
	var silenceC <-chan time.Time
	defer func() { stopTimer(silence) }()

	speechSeen := false
	fire := func(r Reason) {
		if ctx.Err() != nil || onSilence == nil {
			return
		}
		onSilence(r)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if analyser.Level() > p.RMSThreshold {
				if !speechSeen {
					speechSeen = true
					noSpeech.Stop()
					noSpeechC = nil
				}
				if silence != nil {
					stopTimer(silence)
					silence = nil
					silenceC = nil
				}
				continue
			}
			if speechSeen && silence == nil {
				silence = time.NewTimer(p.SilenceTimeout)
				silenceC = silence.C
			}
		case <-silenceC:
			fire(ReasonSilence)
			return
		case <-noSpeechC:
			fire(ReasonNoSpeech)
			return
		case <-ceiling.C:
			fire(ReasonMaxDuration)
			return
		}
	}
}

func stopTimer(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
