package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/audio"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/config"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/httpserver"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/llm"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/pipeline"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/rtc"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/session"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/signaling"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/transcript"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/tts"
)

func main() {
	cfg := config.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	avail := session.NewAvailability()

	ffmpeg := pipeline.NewFFmpeg(cfg.FFmpegPath, log)
	if version, err := ffmpeg.Probe(ctx); err != nil {
		log.Warn("ffmpeg unavailable, transcoded replies disabled", "error", err)
		avail.Set(session.ComponentTranscoder, false)
	} else {
		log.Info("ffmpeg found", "version", version)
	}

	var transcriber session.Transcriber
	switch cfg.Transcriber {
	case "whisper":
		transcriber = transcript.NewWhisper(transcript.WhisperOptions{
			APIKey:     cfg.OpenAIKey,
			Model:      cfg.WhisperModel,
			SampleRate: cfg.InboundSampleRate,
		}, log)
		avail.Set(session.ComponentASR, cfg.OpenAIKey != "")
	default:
		transcriber = transcript.NewAssemblyAI(cfg.AssemblyAIKey, cfg.InboundSampleRate, log)
		avail.Set(session.ComponentASR, cfg.AssemblyAIKey != "")
	}

	agent := llm.NewAgent(llm.Options{
		APIKey:       cfg.LLMKey,
		BaseURL:      cfg.LLMBaseURL,
		Model:        cfg.LLMModel,
		SystemPrompt: cfg.LLMSystemPrompt,
	}, log)
	avail.Set(session.ComponentAgent, cfg.LLMKey != "")

	var synth pipeline.Synthesizer
	switch cfg.TTSProvider {
	case "deepgram":
		synth = tts.NewDeepgram(cfg.DeepgramKey, cfg.DeepgramModel, log)
		avail.Set(session.ComponentTTS, cfg.DeepgramKey != "")
	default:
		synth = tts.NewElevenLabs(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, log)
		avail.Set(session.ComponentTTS, cfg.ElevenLabsKey != "" && cfg.ElevenLabsVoiceID != "")
	}

	iceServers := rtc.ParseICEServers(cfg.ICEServersJSON)
	factory := rtc.NewFactory(iceServers, cfg.FrameQueueDepth, log)
	if err := factory.Check(); err != nil {
		log.Error("media stack unavailable, offers will be refused", "error", err)
		avail.Set(session.ComponentWebRTC, false)
	}

	reg := session.NewRegistry(session.Config{
		Transcriber: transcriber,
		Agent:       agent,
		Streamer:    pipeline.New(synth, ffmpeg, avail, log),
		Decoder:     ffmpeg,
		NewTransport: func(sessionID string) (session.Transport, error) {
			t, err := factory.New(sessionID)
			if err != nil {
				return nil, err
			}
			return t, nil
		},
		ICEServers:        iceServers,
		Availability:      avail,
		Validator:         audio.NewValidator(cfg.InboundSampleRate, cfg.EnergyThreshold, cfg.SpeechRatio),
		InboundSampleRate: cfg.InboundSampleRate,
		FlushWindow:       cfg.FlushWindow,
		MinChunks:         cfg.MinChunks,
		Logger:            log,
	}, cfg.MaxSessions)
	go reg.Reap(ctx, cfg.IdleTimeout, 0)

	srv := httpserver.New(httpserver.Deps{
		Registry:  reg,
		Signaling: signaling.NewHandler(reg, cfg.AuthPassword, log),
		Logger:    log,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// hijacked websockets are not tracked by Shutdown
	reg.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", "error", err)
		_ = server.Close()
	}
}
