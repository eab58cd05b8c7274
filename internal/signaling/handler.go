package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/session"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 20 * time.Second
	maxMessage   = 1 << 20
	eventAuth    = "auth"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	// any origin; put a proxy in front to restrict it
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler serves the control channel: one websocket per session.
type Handler struct {
	reg      *session.Registry
	password string
	log      *slog.Logger
}

func NewHandler(reg *session.Registry, password string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{reg: reg, password: password, log: log.With("component", "signaling")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(maxMessage)

	// Authorization: Bearer <pwd>, ?password=, X-Auth-Token, or an auth event as the first frame
	if h.password != "" && !authOK(r, h.password) {
		if !h.awaitAuth(conn) {
			return
		}
	}

	sender := &connSender{conn: conn}
	s, err := h.reg.Create(sender, r.URL.Query().Get("user_id"))
	if err != nil {
		if errors.Is(err, session.ErrRegistryFull) {
			h.log.Warn("session rejected, registry full")
			_ = sender.Send(session.Event{Event: session.EventError, Data: session.ErrorData{
				ErrorType: session.CodeInternal, Message: "server at capacity",
			}})
			sender.close(websocket.CloseTryAgainLater, "at capacity")
			return
		}
		h.log.Error("create session", "error", err)
		return
	}
	defer h.reg.Remove(s.ID())
	log := h.log.With("session_id", s.ID())
	log.Info("control channel open", "remote", r.RemoteAddr)

	done := make(chan struct{})
	defer close(done)
	go h.keepalive(conn, s, done)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("control channel read", "error", err)
			} else {
				log.Info("control channel closed")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var msg session.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			if err == nil {
				err = errors.New("missing event")
			}
			bad := &session.InvalidMessageError{Event: msg.Event, Cause: err}
			_ = sender.Send(session.Event{Event: session.EventError, SessionID: s.ID(), Data: session.ErrorData{
				ErrorType: bad.Code(), Message: bad.Error(), SessionID: s.ID(),
			}})
			continue
		}
		if id := msg.SessionIDOf(); id != "" && id != s.ID() {
			log.Debug("message for another session id", "claimed", id)
		}
		if err := s.Dispatch(msg); err != nil {
			var closed *session.SessionClosedError
			if errors.As(err, &closed) {
				return
			}
		}
	}
}

// awaitAuth reads one frame and accepts it only if it is an auth event
// carrying the password.
func (h *Handler) awaitAuth(conn *websocket.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	reject := func(reason string) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteJSON(session.Event{Event: session.EventError, Data: session.ErrorData{
			ErrorType: "unauthorized", Message: reason,
		}})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
		return false
	}

	mt, data, err := conn.ReadMessage()
	if err != nil {
		return reject("auth required")
	}
	if mt != websocket.TextMessage {
		return reject("invalid auth frame")
	}
	var m struct {
		Event string `json:"event"`
		Data  struct {
			Password string `json:"password"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &m); err != nil || strings.ToLower(m.Event) != eventAuth || m.Data.Password != h.password {
		h.log.Warn("unauthorized control channel")
		return reject("unauthorized")
	}
	return true
}

// keepalive pings the client and closes the socket once the session ends
// from the server side, e.g. on idle timeout.
func (h *Handler) keepalive(conn *websocket.Conn, s *session.Session, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"), time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// authOK checks the password against the query, a bearer token or X-Auth-Token.
func authOK(r *http.Request, password string) bool {
	if password == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}

// connSender serializes writes to one websocket.
type connSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *connSender) Send(ev session.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(ev)
}

func (c *connSender) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
