package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	LogLevel       slog.Level
	AuthPassword   string
	ICEServersJSON string

	Transcriber   string
	AssemblyAIKey string
	OpenAIKey     string
	WhisperModel  string

	LLMKey          string
	LLMBaseURL      string
	LLMModel        string
	LLMSystemPrompt string

	TTSProvider       string
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	DeepgramKey       string
	DeepgramModel     string
	FFmpegPath        string

	FlushWindow       time.Duration
	MinChunks         int
	InboundSampleRate int
	EnergyThreshold   float64
	SpeechRatio       float64
	FrameQueueDepth   int
	IdleTimeout       time.Duration
	MaxSessions       int
}

const defaultICEServers = `[{"urls":["stun:stun.l.google.com:19302"]},{"urls":["stun:stun1.l.google.com:19302"]}]`

// Load reads .env and the environment and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "error", err)
	}

	cfg := Config{
		HTTPAddress:    envStr("HTTP_ADDRESS", ":8080"),
		LogLevel:       envLevel("LOG_LEVEL", slog.LevelInfo),
		AuthPassword:   os.Getenv("AUTH_PASSWORD"),
		ICEServersJSON: envStr("ICE_SERVERS_JSON", defaultICEServers),

		Transcriber:   strings.ToLower(envStr("TRANSCRIBER", "assemblyai")),
		AssemblyAIKey: os.Getenv("ASSEMBLYAI_API_KEY"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		WhisperModel:  envStr("WHISPER_MODEL", "whisper-1"),

		// CEREBRAS_* are accepted for older deployments
		LLMKey:          envStr("LLM_API_KEY", os.Getenv("CEREBRAS_API_KEY")),
		LLMBaseURL:      envStr("LLM_BASE_URL", "https://api.cerebras.ai/v1"),
		LLMModel:        envStr("LLM_MODEL", envStr("CEREBRAS_MODEL_ID", "gpt-oss-120b")),
		LLMSystemPrompt: os.Getenv("LLM_SYSTEM_PROMPT"),

		TTSProvider:       strings.ToLower(envStr("TTS_PROVIDER", "elevenlabs")),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
		DeepgramKey:       os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:     envStr("DEEPGRAM_MODEL", "aura-2-thalia-en"),
		FFmpegPath:        envStr("FFMPEG_PATH", "ffmpeg"),

		FlushWindow:       envDuration("BUFFER_FLUSH_WINDOW", 1500*time.Millisecond),
		MinChunks:         envInt("BUFFER_MIN_CHUNKS", 1),
		InboundSampleRate: envInt("INBOUND_SAMPLE_RATE", 16000),
		EnergyThreshold:   envFloat("VALIDATOR_ENERGY_THRESHOLD", 500),
		SpeechRatio:       envFloat("VALIDATOR_SPEECH_RATIO", 0.03),
		FrameQueueDepth:   envInt("FRAME_QUEUE_DEPTH", 50),
		IdleTimeout:       envDuration("SESSION_IDLE_TIMEOUT", 60*time.Second),
		MaxSessions:       envInt("MAX_SESSIONS", 0),
	}
	cfg.warnMissing()
	slog.Info("config loaded", "http_address", cfg.HTTPAddress, "transcriber", cfg.Transcriber,
		"tts", cfg.TTSProvider, "llm_model", cfg.LLMModel, "auth", cfg.AuthPassword != "")
	return cfg
}

func (c Config) warnMissing() {
	switch c.Transcriber {
	case "whisper":
		if c.OpenAIKey == "" {
			slog.Warn("OPENAI_API_KEY not set - transcription will not work")
		}
	default:
		if c.AssemblyAIKey == "" {
			slog.Warn("ASSEMBLYAI_API_KEY not set - transcription will not work")
		}
	}
	if c.LLMKey == "" {
		slog.Warn("LLM_API_KEY not set - agent replies will not work")
	}
	switch c.TTSProvider {
	case "deepgram":
		if c.DeepgramKey == "" {
			slog.Warn("DEEPGRAM_API_KEY not set - TTS will not work")
		}
	default:
		if c.ElevenLabsKey == "" || c.ElevenLabsVoiceID == "" {
			slog.Warn("ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - TTS will not work")
		}
	}
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid number, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

// envDuration accepts Go durations ("1.5s") or bare seconds ("1.5").
func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	slog.Warn("invalid duration, using default", "key", key, "value", v, "default", def)
	return def
}

func envLevel(key string, def slog.Level) slog.Level {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		slog.Warn("invalid log level, using default", "key", key, "value", v)
		return def
	}
	return l
}
