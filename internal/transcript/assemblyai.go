package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/audio"
)

const (
	AssemblyAIURL = "wss://streaming.assemblyai.com/v3/ws"
	// v3 accepts 50ms..1000ms of audio per message
	assemblyChunk = 100 * time.Millisecond
)

// AssemblyAI transcribes one clip per streaming session against the v3
// websocket API.
type AssemblyAI struct {
	apiKey     string
	url        string
	sampleRate int
	dialer     websocket.Dialer
	log        *slog.Logger
}

// AssemblyAI message types
type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnMessage struct {
	Type          string `json:"type"`
	TurnOrder     int    `json:"turn_order"`
	Transcript    string `json:"transcript"`
	EndOfTurn     bool   `json:"end_of_turn"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewAssemblyAI(apiKey string, sampleRate int, log *slog.Logger) *AssemblyAI {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if log == nil {
		log = slog.Default()
	}
	return &AssemblyAI{
		apiKey:     apiKey,
		url:        AssemblyAIURL,
		sampleRate: sampleRate,
		dialer:     websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:        log.With("provider", "assemblyai"),
	}
}

// WithURL points the client at another endpoint.
func (a *AssemblyAI) WithURL(u string) *AssemblyAI {
	a.url = u
	return a
}

func (a *AssemblyAI) endpoint() string {
	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(a.sampleRate))
	params.Set("encoding", "pcm_s16le")
	params.Set("format_turns", "true")
	return a.url + "?" + params.Encode()
}

// Transcribe streams clip and returns the formatted transcript once the
// server terminates the session.
func (a *AssemblyAI) Transcribe(ctx context.Context, clip []byte) (string, error) {
	if a.apiKey == "" {
		return "", errors.New("assemblyai: API key is empty")
	}
	pcm := audio.StripWAVHeader(clip)

	headers := http.Header{"Authorization": {a.apiKey}}
	conn, resp, err := a.dialer.DialContext(ctx, a.endpoint(), headers)
	if err != nil {
		if resp != nil {
			return "", fmt.Errorf("assemblyai: connect status=%d: %w", resp.StatusCode, err)
		}
		return "", fmt.Errorf("assemblyai: connect: %w", err)
	}
	defer conn.Close()

	// unblock reads and writes on cancel
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	result := make(chan readResult, 1)
	go func() { result <- a.readTurns(conn) }()

	step := audio.BytesFor(a.sampleRate, assemblyChunk)
	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("assemblyai: send audio: %w", err)
		}
	}
	if err := conn.WriteJSON(map[string]string{"type": "Terminate"}); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("assemblyai: terminate: %w", err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-result:
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return r.text, r.err
	}
}

type readResult struct {
	text string
	err  error
}

// readTurns collects the latest transcript per turn until Termination.
func (a *AssemblyAI) readTurns(conn *websocket.Conn) readResult {
	turns := map[int]string{}
	join := func() string {
		keys := make([]int, 0, len(turns))
		for k := range turns {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if t := strings.TrimSpace(turns[k]); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, " ")
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return readResult{text: join()}
			}
			return readResult{err: fmt.Errorf("assemblyai: read: %w", err)}
		}
		var base struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &base); err != nil {
			a.log.Warn("unparseable message", "error", err)
			continue
		}
		switch base.Type {
		case "Begin":
			var msg BeginMessage
			if json.Unmarshal(message, &msg) == nil {
				a.log.Debug("session began", "id", msg.ID, "expires_at", time.Unix(msg.ExpiresAt, 0).Format(time.RFC3339))
			}
		case "Turn":
			var msg TurnMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				continue
			}
			// later updates of a turn, ending with the formatted one, replace earlier ones
			turns[msg.TurnOrder] = msg.Transcript
		case "Termination":
			var msg TerminationMessage
			_ = json.Unmarshal(message, &msg)
			a.log.Debug("session terminated", "audio_seconds", msg.AudioDurationSeconds, "session_seconds", msg.SessionDurationSeconds)
			return readResult{text: join()}
		case "Error":
			var msg ErrorMessage
			_ = json.Unmarshal(message, &msg)
			return readResult{err: fmt.Errorf("assemblyai: %s", msg.Error)}
		default:
			a.log.Debug("unknown message type", "type", base.Type)
		}
	}
}
