package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

const (
	DefaultBaseURL      = "https://api.cerebras.ai/v1"
	DefaultModel        = "gpt-oss-120b"
	DefaultSystemPrompt = "You are a helpful, concise voice AI agent. Answer clearly and briefly, in plain sentences without markdown."
	defaultHistoryTurns = 10
)

// Options configures an Agent.
type Options struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int64
	HistoryTurns int
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Agent answers transcripts through an OpenAI-compatible chat completions
// endpoint and keeps a bounded history per session.
type Agent struct {
	client  openai.Client
	opts    Options
	hasKey  bool
	log     *slog.Logger
	mu      sync.Mutex
	history map[string][]openai.ChatCompletionMessageParamUnion
}

func NewAgent(opts Options, log *slog.Logger) *Agent {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(opts.BaseURL, "/") {
		opts.BaseURL += "/"
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = defaultHistoryTurns
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithBaseURL(opts.BaseURL),
		option.WithMaxRetries(1),
		option.WithRequestTimeout(opts.Timeout),
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	return &Agent{
		client:  openai.NewClient(reqOpts...),
		opts:    opts,
		hasKey:  opts.APIKey != "",
		log:     log.With("component", "agent", "model", opts.Model),
		history: make(map[string][]openai.ChatCompletionMessageParamUnion),
	}
}

// Respond sends text with the session's prior turns and records the exchange.
func (a *Agent) Respond(ctx context.Context, sessionID, text string) (string, error) {
	if !a.hasKey {
		return "", errors.New("llm: api key missing")
	}

	// the entry marks the session live; Forget removes it and a reply that
	// lands afterwards is not recorded
	a.mu.Lock()
	if err := ctx.Err(); err != nil {
		a.mu.Unlock()
		return "", err
	}
	prior, live := a.history[sessionID]
	if !live {
		a.history[sessionID] = nil
	}
	prior = append([]openai.ChatCompletionMessageParamUnion(nil), prior...)
	a.mu.Unlock()

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(prior)+2)
	msgs = append(msgs, openai.SystemMessage(a.opts.SystemPrompt))
	msgs = append(msgs, prior...)
	msgs = append(msgs, openai.UserMessage(text))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(a.opts.Model),
		Messages: msgs,
	}
	if a.opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(a.opts.MaxTokens)
	}

	start := time.Now()
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: empty choices")
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", errors.New("llm: empty reply")
	}
	a.log.Debug("reply", "session_id", sessionID, "elapsed", time.Since(start), "chars", len(reply))

	a.mu.Lock()
	defer a.mu.Unlock()
	h, live := a.history[sessionID]
	if !live || ctx.Err() != nil {
		a.log.Debug("session forgotten during reply, not recorded", "session_id", sessionID)
		return reply, nil
	}
	h = append(h, openai.UserMessage(text), openai.AssistantMessage(reply))
	if limit := a.opts.HistoryTurns * 2; len(h) > limit {
		h = h[len(h)-limit:]
	}
	a.history[sessionID] = h
	return reply, nil
}

// Forget drops a session's history.
func (a *Agent) Forget(sessionID string) {
	a.mu.Lock()
	delete(a.history, sessionID)
	a.mu.Unlock()
}

func (a *Agent) tracked(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.history[sessionID]
	return ok
}

func (a *Agent) turns(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history[sessionID]) / 2
}
