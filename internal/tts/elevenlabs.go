package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/pipeline"
)

const (
	elevenLabsBaseURL = "https://api.elevenlabs.io"
	elevenLabsModel   = "eleven_flash_v2_5"
	elevenLabsFormat  = "mp3_44100_128"
)

// ElevenLabs streams mp3 over the HTTP streaming endpoint.
type ElevenLabs struct {
	APIKey  string
	VoiceID string
	Model   string
	BaseURL string
	Client  *http.Client
	log     *slog.Logger
}

func NewElevenLabs(apiKey, voiceID string, log *slog.Logger) *ElevenLabs {
	if log == nil {
		log = slog.Default()
	}
	return &ElevenLabs{
		APIKey:  apiKey,
		VoiceID: voiceID,
		Model:   elevenLabsModel,
		BaseURL: elevenLabsBaseURL,
		Client:  &http.Client{},
		log:     log.With("provider", "elevenlabs"),
	}
}

func (e *ElevenLabs) Name() string                { return "elevenlabs" }
func (e *ElevenLabs) Encoding() pipeline.Encoding { return pipeline.EncodingMP3 }

func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	out := make(chan []byte, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(out)
		if e.APIKey == "" || e.VoiceID == "" {
			errCh <- errors.New("elevenlabs: api key or voice id missing")
			return
		}
		if err := e.stream(ctx, text, out); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()
	return out, errCh
}

func (e *ElevenLabs) stream(ctx context.Context, text string, out chan<- []byte) error {
	base := e.BaseURL
	if base == "" {
		base = elevenLabsBaseURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/v1/text-to-speech/" + url.PathEscape(e.VoiceID) + "/stream")
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("output_format", elevenLabsFormat)
	// 0..4, lower trades quality for latency
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": e.Model,
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{80, 120, 160, 200},
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("elevenlabs: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	chunk := make([]byte, 4096)
	total := 0
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			if total == 0 {
				e.log.Debug("receiving audio stream", "first_chunk", n)
			}
			total += n
			b := make([]byte, n)
			copy(b, chunk[:n])
			select {
			case out <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if errors.Is(rerr, io.EOF) {
			if total == 0 {
				return errors.New("elevenlabs: empty audio stream")
			}
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("elevenlabs: read: %w", rerr)
		}
	}
}
