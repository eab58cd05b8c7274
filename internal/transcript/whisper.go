package transcript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/audio"
)

const DefaultWhisperModel = "whisper-1"

// Whisper transcribes clips through an OpenAI-compatible
// /audio/transcriptions endpoint.
type Whisper struct {
	client     openai.Client
	model      string
	language   string
	sampleRate int
	hasKey     bool
	log        *slog.Logger
}

// WhisperOptions configures a Whisper transcriber. BaseURL may point at any
// compatible server.
type WhisperOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	Language   string
	SampleRate int
}

func NewWhisper(opts WhisperOptions, log *slog.Logger) *Whisper {
	if opts.Model == "" {
		opts.Model = DefaultWhisperModel
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if log == nil {
		log = slog.Default()
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(1),
		option.WithRequestTimeout(20 * time.Second),
	}
	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	return &Whisper{
		client:     openai.NewClient(reqOpts...),
		model:      opts.Model,
		language:   opts.Language,
		sampleRate: opts.SampleRate,
		hasKey:     opts.APIKey != "",
		log:        log.With("provider", "whisper"),
	}
}

// Transcribe uploads clip as a WAV file.
func (w *Whisper) Transcribe(ctx context.Context, clip []byte) (string, error) {
	if !w.hasKey {
		return "", errors.New("whisper: API key is empty")
	}
	wav := audio.EncodeWAV(audio.StripWAVHeader(clip), w.sampleRate)
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wav), "clip.wav", "audio/wav"),
		Model: openai.AudioModel(w.model),
	}
	if w.language != "" {
		params.Language = openai.String(w.language)
	}

	start := time.Now()
	res, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("whisper: transcribe: %w", err)
	}
	text := strings.TrimSpace(res.Text)
	w.log.Debug("transcribed", "elapsed", time.Since(start), "chars", len(text))
	return text, nil
}
