package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/audio"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/session"
)

const stderrLimit = 4096

// FFmpeg transcodes through an ffmpeg child process, one per run.
type FFmpeg struct {
	Path string
	log  *slog.Logger
}

func NewFFmpeg(path string, log *slog.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if log == nil {
		log = slog.Default()
	}
	return &FFmpeg{Path: path, log: log.With("component", "ffmpeg")}
}

// Probe checks the binary can be executed and returns its version line.
func (f *FFmpeg) Probe(ctx context.Context) (string, error) {
	bin, err := exec.LookPath(f.Path)
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, bin, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("ffmpeg -version: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	f.log.Info("ffmpeg found", "path", bin, "version", strings.TrimSpace(line))
	return strings.TrimSpace(line), nil
}

func (f *FFmpeg) args(in Encoding) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if in == EncodingPCM48k {
		args = append(args, "-f", "s16le", "-ar", strconv.Itoa(audio.OutputSampleRate), "-ac", "1")
	}
	return append(args,
		"-i", "pipe:0",
		"-f", "s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(audio.OutputSampleRate),
		"-acodec", "pcm_s16le",
		"pipe:1",
	)
}

// Start launches ffmpeg bound to ctx; cancelling ctx kills it.
func (f *FFmpeg) Start(ctx context.Context, in Encoding) (Process, error) {
	cmd := exec.CommandContext(ctx, f.Path, f.args(in)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	p := &ffmpegProcess{cmd: cmd, stdin: stdin, stdout: stdout}
	cmd.Stderr = &p.stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	f.log.Debug("ffmpeg started", "pid", cmd.Process.Pid, "input", string(in))
	return p, nil
}

// demuxers for inbound containers; ffmpeg reads WebM through its matroska demuxer.
var demuxers = map[audio.Format]string{
	audio.FormatWebM: "matroska",
	audio.FormatOgg:  "ogg",
	audio.FormatMP3:  "mp3",
}

func (f *FFmpeg) decodeArgs(format audio.Format, sampleRate int) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if d, ok := demuxers[format]; ok {
		args = append(args, "-f", d)
	}
	return append(args,
		"-i", "pipe:0",
		"-vn",
		"-f", "s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-acodec", "pcm_s16le",
		"pipe:1",
	)
}

// Decode converts one compressed inbound clip to s16le mono PCM at sampleRate.
func (f *FFmpeg) Decode(ctx context.Context, data []byte, format audio.Format, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	var stdout bytes.Buffer
	var stderr limitedBuffer
	cmd := exec.CommandContext(ctx, f.Path, f.decodeArgs(format, sampleRate)...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &session.TranscodeError{Stderr: strings.TrimSpace(stderr.String()), Cause: err}
	}
	if stdout.Len() == 0 {
		return nil, &session.TranscodeError{Cause: fmt.Errorf("no audio decoded from %d bytes of %s", len(data), format)}
	}
	f.log.Debug("clip decoded", "format", string(format), "in_bytes", len(data), "pcm_bytes", stdout.Len())
	return stdout.Bytes(), nil
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr limitedBuffer

	waitOnce sync.Once
	waitErr  error
}

func (p *ffmpegProcess) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *ffmpegProcess) Close() error                { return p.stdin.Close() }
func (p *ffmpegProcess) Output() io.Reader           { return p.stdout }

func (p *ffmpegProcess) Wait() error {
	p.waitOnce.Do(func() {
		_ = p.stdin.Close()
		if err := p.cmd.Wait(); err != nil {
			p.waitErr = &session.TranscodeError{Stderr: strings.TrimSpace(p.stderr.String()), Cause: err}
		}
	})
	return p.waitErr
}

// limitedBuffer keeps the first stderrLimit bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := stderrLimit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
