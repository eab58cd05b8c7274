package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_sessions_active",
		Help: "Currently registered voice sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_sessions_total",
		Help: "Total voice sessions created",
	})

	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_control_events_received_total",
		Help: "Inbound control-channel events by name",
	}, []string{"event"})

	EventsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_control_events_sent_total",
		Help: "Outbound control-channel events by name",
	}, []string{"event"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_errors_total",
		Help: "Errors surfaced to clients by taxonomy code",
	}, []string{"error_type"})

	ClipsValidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_clips_validated_total",
		Help: "Flushed inbound clips by validation outcome",
	}, []string{"outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_stage_duration_seconds",
		Help:    "Per-stage latency of a conversational turn",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	StreamsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_streams_started_total",
		Help: "Streaming pipeline runs started",
	})

	StreamsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_streams_finished_total",
		Help: "Streaming pipeline runs by outcome",
	}, []string{"outcome"})

	FramesProduced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_frames_produced_total",
		Help: "PCM frames handed to outbound queues",
	})

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_frames_sent_total",
		Help: "Opus frames written to outbound tracks",
	})

	FramesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_frames_discarded_total",
		Help: "Queued frames dropped by interruption",
	})
)
