package audio

import "time"

// Validator defaults.
const (
	DefaultEnergyThreshold = 500.0
	DefaultSpeechRatio     = 0.03
	DefaultVoicedFloor     = 300.0
	DefaultVADWindow       = 30 * time.Millisecond
)

// Rejection reasons reported in Result.Reason.
const (
	ReasonTooShort  = "too_short"
	ReasonLowEnergy = "low_energy"
	ReasonNoSpeech  = "low_speech_ratio"
)

// Validator decides whether a clip holds enough speech to be worth
// transcribing. It keeps no state between calls.
type Validator struct {
	SampleRate      int
	EnergyThreshold float64
	SpeechRatio     float64
	VoicedFloor     float64
	Window          time.Duration
}

// Result describes one validation.
type Result struct {
	Accepted    bool
	Energy      float64
	SpeechRatio float64
	Reason      string
}

// NewValidator returns a validator for s16le mono audio at sampleRate.
// speechRatio is clamped to [0.01, 0.5].
func NewValidator(sampleRate int, energyThreshold, speechRatio float64) Validator {
	if energyThreshold <= 0 {
		energyThreshold = DefaultEnergyThreshold
	}
	if speechRatio <= 0 {
		speechRatio = DefaultSpeechRatio
	}
	speechRatio = min(0.5, max(0.01, speechRatio))
	return Validator{
		SampleRate:      sampleRate,
		EnergyThreshold: energyThreshold,
		SpeechRatio:     speechRatio,
		VoicedFloor:     DefaultVoicedFloor,
		Window:          DefaultVADWindow,
	}
}

// Validate runs the energy gate then the voiced-window ratio gate.
func (v Validator) Validate(clip []byte) Result {
	pcm := StripWAVHeader(clip)
	win := BytesFor(v.SampleRate, v.Window)
	if win <= 0 || len(pcm) < win {
		return Result{Energy: RMS(pcm), Reason: ReasonTooShort}
	}

	res := Result{Energy: RMS(pcm)}
	if res.Energy < v.EnergyThreshold {
		res.Reason = ReasonLowEnergy
		return res
	}

	total, voiced := 0, 0
	for off := 0; off+win <= len(pcm); off += win {
		total++
		if RMS(pcm[off:off+win]) >= v.VoicedFloor {
			voiced++
		}
	}
	res.SpeechRatio = float64(voiced) / float64(total)
	if res.SpeechRatio < v.SpeechRatio {
		res.Reason = ReasonNoSpeech
		return res
	}
	res.Accepted = true
	return res
}
