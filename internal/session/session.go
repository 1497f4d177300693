package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cm64-studio/llmule-broker/internal/activity"
)

// registerTimeout bounds how long a connection may sit in `connecting`
// before the handshake must complete (spec §4.6, Handshake).
const registerTimeout = 10 * time.Second

// Status mirrors the provider session half of spec §4.5.2's state machine,
// as seen from the Session Layer's side of the handshake.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusClosed     Status = "closed"
)

// Callbacks wires a Session's lifecycle events back to the owner (the
// broker's serve wiring) without the session package importing the
// registry or dispatcher packages directly — the same inversion the
// teacher achieves with its `debugFunc func(format string, args ...any)`
// callback fields, generalized to the handshake and demux events this
// layer needs.
type Callbacks struct {
	// OnRegister is invoked once, synchronously, when the provider's first
	// message arrives. It should verify the credential and admit the
	// session; the returned handle is sent back in the `registered` ack.
	OnRegister func(sess *Session, credential string, advertisedModels []string) (handle string, err error)

	// OnReregister is invoked for a `register` message arriving on an
	// already-active session (spec §4.6: "idempotent acks").
	OnReregister func(sess *Session)

	// OnPong is invoked when a pong arrives in answer to a ping.
	OnPong func(sess *Session)

	// OnCompletionResponse demuxes a completion_response to the
	// dispatcher's pending-request table by correlation id.
	OnCompletionResponse func(sess *Session, resp CompletionResponse)

	// OnClosed is invoked exactly once when the session's read loop exits,
	// for any reason (write failure, protocol violation, normal close).
	OnClosed func(sess *Session, reason string)

	Logger activity.Logger
}

// wsConn is the subset of *websocket.Conn the Session Layer needs,
// narrowed to an interface so tests can exercise handshake and demux logic
// against a fake connection instead of a live socket.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Session is one provider's duplex transport. It owns the underlying
// websocket connection and enforces the single-writer discipline
// gorilla/websocket requires — exactly one goroutine may call WriteMessage
// at a time — the same way WSClient.sendMessage serializes writes behind
// connMu, except here a dedicated mutex guards writes only, since reads
// happen exclusively in the owning readLoop goroutine.
type Session struct {
	ID   string
	conn wsConn
	cb   Callbacks

	writeMu sync.Mutex

	mu     sync.RWMutex
	status Status
	handle string
}

// Accept wraps an already-upgraded websocket connection; Run starts its
// read loop. The returned Session is in `connecting` until the handshake
// completes; Run blocks until the connection closes, so callers typically
// invoke it in its own goroutine (one per accepted connection, following
// the teacher's one-goroutine-per-connection scheduling model, spec §5).
func Accept(conn *websocket.Conn, cb Callbacks) *Session {
	if cb.Logger == nil {
		cb.Logger = activity.Noop()
	}
	return &Session{
		ID:     uuid.New().String(),
		conn:   conn,
		cb:     cb,
		status: StatusConnecting,
	}
}

// Status returns the session's current handshake status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Handle returns the provider's stable public handle once registered.
func (s *Session) Handle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// Send marshals v as JSON and writes it as a single text frame, satisfying
// the registry's WriteHandle interface by structural typing.
func (s *Session) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal session message: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run reads frames until the connection closes or a protocol violation
// occurs, dispatching each to the matching callback. It enforces the
// handshake deadline by closing the connection if `register` doesn't
// arrive in time.
func (s *Session) Run() {
	deadline := time.AfterFunc(registerTimeout, func() {
		if s.Status() == StatusConnecting {
			activity.Logf(s.cb.Logger, "warning", "session %s: handshake timed out", s.ID)
			s.conn.Close()
		}
	})
	defer deadline.Stop()

	reason := "closed"
	defer func() {
		s.mu.Lock()
		s.status = StatusClosed
		s.mu.Unlock()
		if s.cb.OnClosed != nil {
			s.cb.OnClosed(s, reason)
		}
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			reason = err.Error()
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			activity.Logf(s.cb.Logger, "warning", "session %s: malformed frame: %v", s.ID, err)
			if s.Status() == StatusConnecting {
				reason = "malformed handshake"
				return
			}
			continue
		}

		if err := s.dispatch(Kind(env.Op), data); err != nil {
			activity.Logf(s.cb.Logger, "warning", "session %s: %v", s.ID, err)
			if s.Status() == StatusConnecting {
				reason = err.Error()
				return
			}
		}
	}
}

func (s *Session) dispatch(kind Kind, data []byte) error {
	if kind != KindRegister && s.Status() == StatusConnecting {
		return fmt.Errorf("first message was %q, want register", kind)
	}
	switch kind {
	case KindRegister:
		return s.handleRegister(data)
	case KindPong:
		if s.cb.OnPong != nil {
			s.cb.OnPong(s)
		}
		return nil
	case KindCompletionResponse:
		var resp CompletionResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("malformed completion_response: %w", err)
		}
		if s.cb.OnCompletionResponse != nil {
			s.cb.OnCompletionResponse(s, resp)
		}
		return nil
	default:
		activity.Logf(s.cb.Logger, "warning", "session %s: unknown op %q dropped", s.ID, kind)
		return nil
	}
}

func (s *Session) handleRegister(data []byte) error {
	var msg RegisterMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("malformed register: %w", err)
	}

	if s.Status() == StatusActive {
		if s.cb.OnReregister != nil {
			s.cb.OnReregister(s)
		}
		return s.Send(RegisteredMessage{Op: string(KindRegistered), Handle: s.Handle()})
	}

	if s.cb.OnRegister == nil {
		return fmt.Errorf("no registration handler configured")
	}
	handle, err := s.cb.OnRegister(s, msg.Credential, msg.AdvertisedModels)
	if err != nil {
		_ = s.Send(ErrorMessage{Op: string(KindError), Message: err.Error()})
		return err
	}

	s.mu.Lock()
	s.status = StatusActive
	s.handle = handle
	s.mu.Unlock()

	return s.Send(RegisteredMessage{Op: string(KindRegistered), Handle: handle})
}

// Ping sends a keep-alive probe with a fresh correlation id (spec §4.4,
// Heartbeat protocol).
func (s *Session) Ping() error {
	return s.Send(PingMessage{Op: string(KindPing), ID: uuid.New().String()})
}
