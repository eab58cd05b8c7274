package audio

import "bytes"

// Format is the container of an inbound audio chunk.
type Format string

const (
	FormatPCM  Format = "pcm"
	FormatWAV  Format = "wav"
	FormatWebM Format = "webm"
	FormatOgg  Format = "ogg"
	FormatMP3  Format = "mp3"
)

var (
	ebmlMagic   = []byte{0x1A, 0x45, 0xDF, 0xA3}
	clusterID   = []byte{0x1F, 0x43, 0xB6, 0x75}
	oggMagic    = []byte("OggS")
	id3Magic    = []byte("ID3")
	riffMagic   = []byte("RIFF")
	waveMagic   = []byte("WAVE")
	contentType = map[Format]string{
		FormatPCM:  "audio/L16",
		FormatWAV:  "audio/wav",
		FormatWebM: "audio/webm",
		FormatOgg:  "audio/ogg",
		FormatMP3:  "audio/mpeg",
	}
)

// DetectFormat classifies a chunk by its leading magic bytes. Anything
// unrecognized is raw PCM. Bare MPEG frame sync is not sniffed: random PCM
// matches it too often.
func DetectFormat(b []byte) Format {
	switch {
	case bytes.HasPrefix(b, ebmlMagic):
		return FormatWebM
	case bytes.HasPrefix(b, oggMagic):
		return FormatOgg
	case bytes.HasPrefix(b, id3Magic):
		return FormatMP3
	case len(b) >= 12 && bytes.HasPrefix(b, riffMagic) && bytes.Equal(b[8:12], waveMagic):
		return FormatWAV
	}
	return FormatPCM
}

// Compressed reports whether the format needs decoding before its bytes
// can be read as samples.
func (f Format) Compressed() bool {
	return f == FormatWebM || f == FormatOgg || f == FormatMP3
}

// ContentType is the MIME type of the format.
func (f Format) ContentType() string {
	if ct, ok := contentType[f]; ok {
		return ct
	}
	return "application/octet-stream"
}

// WebMInitSegment returns the header of a WebM stream, everything before its
// first cluster, or nil if b holds no complete header.
func WebMInitSegment(b []byte) []byte {
	if !bytes.HasPrefix(b, ebmlMagic) {
		return nil
	}
	i := bytes.Index(b, clusterID)
	if i <= 0 {
		return nil
	}
	return append([]byte(nil), b[:i]...)
}
