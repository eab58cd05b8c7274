package audio

import (
	"bytes"
	"sync"
	"time"
)

// DefaultFlushWindow is how much audio is accumulated before an automatic flush.
const DefaultFlushWindow = 1500 * time.Millisecond

// Fragment is one inbound audio chunk with its arrival time.
type Fragment struct {
	Data    []byte
	Arrived time.Time
}

// Clip is the contiguous audio handed off by a flush.
// Duration is zero for compressed clips; their length is unknown until decoded.
type Clip struct {
	Data      []byte
	Format    Format
	Fragments int
	Duration  time.Duration
	Started   time.Time
}

// InboundBuffer accumulates inbound audio until the flush window is reached or
// an explicit flush is requested.
type InboundBuffer struct {
	mu          sync.Mutex
	fragments   []Fragment
	format      Format
	size        int
	first       time.Time
	sampleRate  int
	flushWindow time.Duration
	minChunks   int
}

// NewInboundBuffer returns a buffer for s16le mono audio at sampleRate.
func NewInboundBuffer(sampleRate int, flushWindow time.Duration, minChunks int) *InboundBuffer {
	if flushWindow <= 0 {
		flushWindow = DefaultFlushWindow
	}
	if minChunks < 1 {
		minChunks = 1
	}
	return &InboundBuffer{sampleRate: sampleRate, flushWindow: flushWindow, minChunks: minChunks}
}

// Append adds a PCM fragment and flushes if the accumulated audio covers the
// flush window. The returned clip is only valid when flushed is true.
func (b *InboundBuffer) Append(data []byte, now time.Time) (clip Clip, flushed bool) {
	return b.AppendFormat(data, FormatPCM, now)
}

// AppendFormat adds a fragment of the given format. Compressed bytes say
// nothing about duration, so compressed audio only flushes on the wall-clock
// window or explicitly. A fragment whose format differs from what is
// buffered first hands off the buffered clip and starts a new one.
func (b *InboundBuffer) AppendFormat(data []byte, format Format, now time.Time) (clip Clip, flushed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(data) == 0 {
		return Clip{}, false
	}
	if len(b.fragments) > 0 && format != b.format {
		clip = b.takeLocked()
		b.startLocked(data, format, now)
		return clip, true
	}
	if len(b.fragments) == 0 {
		b.first = now
		b.format = format
	}
	b.fragments = append(b.fragments, Fragment{Data: data, Arrived: now})
	b.size += len(data)
	if format.Compressed() || DurationOf(b.sampleRate, b.size) < b.flushWindow {
		return Clip{}, false
	}
	return b.takeLocked(), true
}

func (b *InboundBuffer) startLocked(data []byte, format Format, now time.Time) {
	b.first = now
	b.format = format
	b.fragments = append(b.fragments, Fragment{Data: data, Arrived: now})
	b.size = len(data)
}

// Flush hands off everything buffered if at least minChunks fragments are
// present. An empty buffer is a no-op.
func (b *InboundBuffer) Flush() (Clip, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.fragments) == 0 || len(b.fragments) < b.minChunks {
		return Clip{}, false
	}
	return b.takeLocked(), true
}

// Due reports whether the wall-clock flush window since the first unflushed
// fragment has elapsed.
func (b *InboundBuffer) Due(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fragments) > 0 && now.Sub(b.first) >= b.flushWindow
}

// Window returns the configured flush window.
func (b *InboundBuffer) Window() time.Duration { return b.flushWindow }

// Len reports the number of buffered fragments.
func (b *InboundBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fragments)
}

// Duration reports the buffered PCM duration; zero while compressed audio
// is buffered.
func (b *InboundBuffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.format.Compressed() {
		return 0
	}
	return DurationOf(b.sampleRate, b.size)
}

// Reset discards the buffer without handing anything off.
func (b *InboundBuffer) Reset() {
	b.mu.Lock()
	b.fragments = nil
	b.size = 0
	b.first = time.Time{}
	b.mu.Unlock()
}

func (b *InboundBuffer) takeLocked() Clip {
	var buf bytes.Buffer
	buf.Grow(b.size)
	for _, f := range b.fragments {
		buf.Write(f.Data)
	}
	clip := Clip{
		Data:      buf.Bytes(),
		Format:    b.format,
		Fragments: len(b.fragments),
		Started:   b.first,
	}
	if !b.format.Compressed() {
		clip.Duration = DurationOf(b.sampleRate, b.size)
	}
	b.fragments = nil
	b.size = 0
	b.first = time.Time{}
	return clip
}
