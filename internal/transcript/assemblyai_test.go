package transcript

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/audio"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeAssembly speaks enough of the v3 protocol for one clip: it counts the
// audio it receives and answers Terminate with the scripted messages.
type fakeAssembly struct {
	script   []any
	received atomic.Int64
	query    atomic.Value
}

func (f *fakeAssembly) handler(t *testing.T) http.HandlerFunc {
	up := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		f.query.Store(r.URL.RawQuery)
		conn, err := up.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(BeginMessage{Type: "Begin", ID: "sess", ExpiresAt: time.Now().Add(time.Hour).Unix()})
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				f.received.Add(int64(len(msg)))
				continue
			}
			var m map[string]string
			if json.Unmarshal(msg, &m) == nil && m["type"] == "Terminate" {
				for _, s := range f.script {
					_ = conn.WriteJSON(s)
				}
				return
			}
		}
	}
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func TestAssemblyAI_TranscribesClip(t *testing.T) {
	fake := &fakeAssembly{script: []any{
		TurnMessage{Type: "Turn", TurnOrder: 0, Transcript: "hello"},
		TurnMessage{Type: "Turn", TurnOrder: 0, Transcript: "hello there", EndOfTurn: true},
		TurnMessage{Type: "Turn", TurnOrder: 0, Transcript: "Hello there.", EndOfTurn: true, TurnFormatted: true},
		TurnMessage{Type: "Turn", TurnOrder: 1, Transcript: "How are you?", EndOfTurn: true, TurnFormatted: true},
		TerminationMessage{Type: "Termination", AudioDurationSeconds: 1.6},
	}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	a := NewAssemblyAI("key", 16000, quietLogger()).WithURL(wsURL(srv))
	clip := make([]byte, audio.BytesFor(16000, 1600*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	text, err := a.Transcribe(ctx, audio.EncodeWAV(clip, 16000))
	require.NoError(t, err)
	assert.Equal(t, "Hello there. How are you?", text)
	assert.Equal(t, int64(len(clip)), fake.received.Load(), "wav header must not be streamed")
	assert.Contains(t, fake.query.Load().(string), "sample_rate=16000")
	assert.Contains(t, fake.query.Load().(string), "encoding=pcm_s16le")
}

func TestAssemblyAI_ServerError(t *testing.T) {
	fake := &fakeAssembly{script: []any{ErrorMessage{Type: "Error", Error: "bad audio"}}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	a := NewAssemblyAI("key", 16000, quietLogger()).WithURL(wsURL(srv))
	_, err := a.Transcribe(context.Background(), make([]byte, 3200))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad audio")
}

func TestAssemblyAI_Unauthorized(t *testing.T) {
	srv := httptest.NewServer((&fakeAssembly{}).handler(t))
	defer srv.Close()

	a := NewAssemblyAI("wrong", 16000, quietLogger()).WithURL(wsURL(srv))
	_, err := a.Transcribe(context.Background(), make([]byte, 3200))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=401")
}

func TestAssemblyAI_NoKey(t *testing.T) {
	_, err := NewAssemblyAI("", 16000, quietLogger()).Transcribe(context.Background(), nil)
	assert.Error(t, err)
}

func TestAssemblyAI_CancelUnblocks(t *testing.T) {
	// never answers Terminate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	a := NewAssemblyAI("key", 16000, quietLogger()).WithURL(wsURL(srv))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := a.Transcribe(ctx, make([]byte, 3200))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
