package rtc

import (
	"context"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/audio"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/metrics"
)

type sampleWriter interface {
	WriteSample(s media.Sample) error
}

type frameEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// Pacer drains a frame queue at wall-clock frame rate, Opus-encodes each 20ms
// PCM frame and writes it to the outbound track.
type Pacer struct {
	queue    *audio.FrameQueue
	track    sampleWriter
	enc      frameEncoder
	interval time.Duration
	log      *slog.Logger
}

func newPacer(queue *audio.FrameQueue, track sampleWriter, enc frameEncoder, log *slog.Logger) *Pacer {
	return &Pacer{queue: queue, track: track, enc: enc, interval: audio.FrameDuration, log: log}
}

// Run sends at most one frame per tick until ctx is done. An empty queue
// skips the tick.
func (p *Pacer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	opusBuf := make([]byte, 4000)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, ok := p.queue.TryPop()
			if !ok {
				continue
			}
			p.send(frame, opusBuf)
		}
	}
}

func (p *Pacer) send(frame []byte, opusBuf []byte) {
	data := frame
	if p.enc != nil {
		n, err := p.enc.Encode(audio.Samples(frame), opusBuf)
		if err != nil {
			p.log.Debug("opus encode failed", "error", err)
			return
		}
		data = make([]byte, n)
		copy(data, opusBuf[:n])
	}
	if err := p.track.WriteSample(media.Sample{Data: data, Duration: p.interval}); err != nil {
		p.log.Debug("write sample failed", "error", err)
		return
	}
	metrics.FramesSent.Inc()
}
