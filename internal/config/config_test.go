package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("ICE_SERVERS_JSON", "")
	t.Setenv("LLM_MODEL", "")
	t.Setenv("CEREBRAS_MODEL_ID", "")
	t.Setenv("BUFFER_FLUSH_WINDOW", "")
	t.Setenv("FRAME_QUEUE_DEPTH", "")
	t.Setenv("LOG_LEVEL", "")
	cfg := Load()
	assert.Equal(t, ":8080", cfg.HTTPAddress)
	assert.NotEmpty(t, cfg.ICEServersJSON)
	assert.Equal(t, "gpt-oss-120b", cfg.LLMModel)
	assert.Equal(t, 1500*time.Millisecond, cfg.FlushWindow)
	assert.Equal(t, 50, cfg.FrameQueueDepth)
	assert.Equal(t, 16000, cfg.InboundSampleRate)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", ":9000")
	t.Setenv("TTS_PROVIDER", "Deepgram")
	t.Setenv("BUFFER_FLUSH_WINDOW", "2")
	t.Setenv("SESSION_IDLE_TIMEOUT", "90s")
	t.Setenv("VALIDATOR_SPEECH_RATIO", "0.1")
	t.Setenv("MAX_SESSIONS", "12")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("CEREBRAS_API_KEY", "legacy")
	cfg := Load()
	assert.Equal(t, ":9000", cfg.HTTPAddress)
	assert.Equal(t, "deepgram", cfg.TTSProvider)
	assert.Equal(t, 2*time.Second, cfg.FlushWindow)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.InDelta(t, 0.1, cfg.SpeechRatio, 1e-9)
	assert.Equal(t, 12, cfg.MaxSessions)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "legacy", cfg.LLMKey)
}

func TestEnvHelpers_InvalidFallBack(t *testing.T) {
	t.Setenv("X_INT", "many")
	t.Setenv("X_FLOAT", "lots")
	t.Setenv("X_DUR", "soon")
	t.Setenv("X_LEVEL", "loud")
	assert.Equal(t, 7, envInt("X_INT", 7))
	assert.Equal(t, 0.5, envFloat("X_FLOAT", 0.5))
	assert.Equal(t, time.Second, envDuration("X_DUR", time.Second))
	assert.Equal(t, slog.LevelWarn, envLevel("X_LEVEL", slog.LevelWarn))
}
