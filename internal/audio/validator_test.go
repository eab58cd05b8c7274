package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidator(t *testing.T) {
	v := NewValidator(16000, 0, 0)
	speech := pcmSine(16000, 220, 8000, 1000)
	quiet := pcmSine(16000, 220, 100, 1000)

	// loud burst on a mostly silent clip: energy passes, voiced ratio does not
	sparse := append(pcmSilence(16000, 1970), pcmSine(16000, 220, 30000, 30)...)

	cases := []struct {
		name   string
		clip   []byte
		accept bool
		reason string
	}{
		{"speech", speech, true, ""},
		{"speech_wav", EncodeWAV(speech, 16000), true, ""},
		{"silence", pcmSilence(16000, 1000), false, ReasonLowEnergy},
		{"quiet_noise", quiet, false, ReasonLowEnergy},
		{"too_short", pcmSine(16000, 220, 8000, 10), false, ReasonTooShort},
		{"empty", nil, false, ReasonTooShort},
		{"header_only", EncodeWAV(nil, 16000), false, ReasonTooShort},
		{"sparse_burst", sparse, false, ReasonNoSpeech},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := v.Validate(tc.clip)
			assert.Equal(t, tc.accept, res.Accepted)
			assert.Equal(t, tc.reason, res.Reason)
		})
	}
}

func TestValidator_Deterministic(t *testing.T) {
	v := NewValidator(16000, 0, 0)
	clips := [][]byte{
		pcmSine(16000, 220, 8000, 500),
		pcmSilence(16000, 500),
		pcmSine(16000, 440, 600, 300),
	}
	first := make([]Result, len(clips))
	for i, c := range clips {
		first[i] = v.Validate(c)
	}
	for round := 0; round < 3; round++ {
		for i := len(clips) - 1; i >= 0; i-- {
			assert.Equal(t, first[i], v.Validate(clips[i]))
		}
	}
}

func TestNewValidator_ClampsSpeechRatio(t *testing.T) {
	assert.Equal(t, 0.5, NewValidator(16000, 500, 0.9).SpeechRatio)
	assert.Equal(t, 0.01, NewValidator(16000, 500, 0.001).SpeechRatio)
	assert.Equal(t, DefaultSpeechRatio, NewValidator(16000, 500, 0).SpeechRatio)
}
