package audio

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundBuffer_ConcatenatesInArrivalOrder(t *testing.T) {
	b := NewInboundBuffer(16000, DefaultFlushWindow, 1)
	now := time.Now()
	var want bytes.Buffer
	for i := 0; i < 5; i++ {
		chunk := bytes.Repeat([]byte{byte(i + 1)}, 100+i*7)
		want.Write(chunk)
		_, flushed := b.Append(chunk, now.Add(time.Duration(i)*time.Millisecond))
		require.False(t, flushed)
	}
	clip, ok := b.Flush()
	require.True(t, ok)
	assert.Equal(t, want.Bytes(), clip.Data)
	assert.Equal(t, 5, clip.Fragments)
	assert.Equal(t, now, clip.Started)
	assert.Equal(t, 0, b.Len())
}

func TestInboundBuffer_AutoFlushAtWindow(t *testing.T) {
	b := NewInboundBuffer(16000, 1500*time.Millisecond, 1)
	now := time.Now()
	// three chunks spanning 1.6s
	chunks := [][]byte{pcmSilence(16000, 600), pcmSilence(16000, 600), pcmSilence(16000, 400)}
	_, flushed := b.Append(chunks[0], now)
	require.False(t, flushed)
	_, flushed = b.Append(chunks[1], now)
	require.False(t, flushed)
	clip, flushed := b.Append(chunks[2], now)
	require.True(t, flushed)
	assert.Equal(t, 1600*time.Millisecond, clip.Duration)
	assert.Equal(t, 3, clip.Fragments)
	assert.Equal(t, 0, b.Len())
}

func TestInboundBuffer_FlushEmptyIsNoop(t *testing.T) {
	b := NewInboundBuffer(16000, 0, 0)
	_, ok := b.Flush()
	assert.False(t, ok)
	_, flushed := b.Append(nil, time.Now())
	assert.False(t, flushed)
	assert.Equal(t, 0, b.Len())
}

func TestInboundBuffer_MinChunks(t *testing.T) {
	b := NewInboundBuffer(16000, DefaultFlushWindow, 2)
	b.Append([]byte{1, 2}, time.Now())
	_, ok := b.Flush()
	assert.False(t, ok)
	b.Append([]byte{3, 4}, time.Now())
	clip, ok := b.Flush()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, clip.Data)
}

func TestInboundBuffer_Due(t *testing.T) {
	b := NewInboundBuffer(16000, 100*time.Millisecond, 1)
	start := time.Now()
	assert.False(t, b.Due(start.Add(time.Hour)))
	b.Append([]byte{1, 2}, start)
	assert.False(t, b.Due(start.Add(50*time.Millisecond)))
	assert.True(t, b.Due(start.Add(100*time.Millisecond)))
	b.Reset()
	assert.False(t, b.Due(start.Add(time.Hour)))
}
