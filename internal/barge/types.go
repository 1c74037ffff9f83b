package barge

import "time"

// Frame10ms represents a 10ms mono PCM frame at SampleRate Hz.
// For 16kHz mono, this is 160 samples of int16.
type Frame10ms []int16

// Config holds the sensitivity knobs for the interruption detector.
type Config struct {
	VoiceRMS        float64 // per-frame energy threshold to count as voice
	MinTriggerWords int     // new transcript words required to confirm caller speech
	FuseWinMs       int     // voting window over which energy votes accumulate
	HysteresisOffMs int     // sustained-silence window that clears accumulated votes
	PreRollMs       int     // caller audio handed back on trigger so the ASR misses nothing
	SampleRate      int     // 16000 or 8000 (engine expects 10ms frames at this rate)
}

// DefaultConfig is tuned for WebRTC headset audio at 16kHz.
func DefaultConfig() Config {
	return Config{
		VoiceRMS:        300,
		MinTriggerWords: 3,
		FuseWinMs:       150,
		HysteresisOffMs: 200,
		PreRollMs:       220,
		SampleRate:      16000,
	}
}

// Cues indicates which detectors voted true at trigger time.
type Cues struct{ Energy, Transcript bool }

// Events allows the host to react to a detected interruption.
type Events struct {
	// OnTrigger fires at most once per speaking episode; preRoll contains the
	// last PreRollMs of caller audio as PCM16LE at SampleRate.
	OnTrigger func(ts time.Time, cues Cues, preRoll []byte)
}
