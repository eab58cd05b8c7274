package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// OutputSampleRate is the rate of PCM frames sent on the outbound track.
	OutputSampleRate = 48000
	// FrameDuration is the fixed duration of one outbound frame.
	FrameDuration = 20 * time.Millisecond
	// FrameBytes is the size of one 20ms 48kHz s16le mono frame.
	FrameBytes = OutputSampleRate * 2 * int(FrameDuration/time.Millisecond) / 1000

	wavHeaderSize = 44
)

// BytesFor returns the byte length of d worth of s16le mono PCM at sampleRate.
func BytesFor(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second) * 2)
}

// DurationOf returns the playback duration of n bytes of s16le mono PCM at sampleRate.
func DurationOf(sampleRate, n int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n/2) * int64(time.Second) / int64(sampleRate))
}

// StripWAVHeader drops a canonical 44-byte RIFF header when present.
func StripWAVHeader(b []byte) []byte {
	if len(b) >= 4 && string(b[:4]) == "RIFF" {
		if len(b) <= wavHeaderSize {
			return nil
		}
		return b[wavHeaderSize:]
	}
	return b
}

// Samples decodes s16le bytes; a trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes samples as s16le.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// RMS returns the root mean square amplitude of s16le PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// EncodeWAV wraps s16le mono PCM in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	dataLen := len(pcm)
	buf := make([]byte, wavHeaderSize+dataLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)-8))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}
