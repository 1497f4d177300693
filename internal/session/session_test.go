package session

import (
	"encoding/json"
	"testing"
)

type fakeConn struct {
	written [][]byte
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, nil }
func (f *fakeConn) Close() error                      { return nil }

func TestHandleRegisterCallsOnRegisterOnce(t *testing.T) {
	calls := 0
	sess := &Session{
		ID:     "sess-1",
		conn:   &fakeConn{},
		status: StatusConnecting,
		cb: Callbacks{
			OnRegister: func(s *Session, credential string, models []string) (string, error) {
				calls++
				if credential != "cred-abc" {
					t.Errorf("credential = %q, want cred-abc", credential)
				}
				if len(models) != 2 {
					t.Errorf("models = %v, want 2 entries", models)
				}
				return "user_42", nil
			},
		},
	}

	msg, _ := json.Marshal(RegisterMessage{Op: "register", Credential: "cred-abc", AdvertisedModels: []string{"a", "b"}})
	// The `registered` ack goes to the fake conn; handleRegister's status
	// transition happens before the Send call, so we assert on status/handle.
	_ = sess.handleRegister(msg)

	if calls != 1 {
		t.Fatalf("OnRegister called %d times, want 1", calls)
	}
	if sess.Status() != StatusActive {
		t.Errorf("Status = %v, want active", sess.Status())
	}
	if sess.Handle() != "user_42" {
		t.Errorf("Handle = %q, want user_42", sess.Handle())
	}
}

func TestHandleRegisterRejection(t *testing.T) {
	sess := &Session{
		ID:     "sess-1",
		conn:   &fakeConn{},
		status: StatusConnecting,
		cb: Callbacks{
			OnRegister: func(s *Session, credential string, models []string) (string, error) {
				return "", errInvalidForTest
			},
		},
	}

	msg, _ := json.Marshal(RegisterMessage{Op: "register", Credential: "bad"})
	err := sess.handleRegister(msg)
	if err == nil {
		t.Fatal("expected error from rejected registration")
	}
	if sess.Status() != StatusConnecting {
		t.Errorf("Status = %v, want still connecting after rejection", sess.Status())
	}
}

func TestReregisterOnActiveSessionIsIdempotent(t *testing.T) {
	reregisterCalls := 0
	sess := &Session{
		ID:     "sess-1",
		conn:   &fakeConn{},
		status: StatusActive,
		handle: "user_7",
		cb: Callbacks{
			OnReregister: func(s *Session) { reregisterCalls++ },
		},
	}

	msg, _ := json.Marshal(RegisterMessage{Op: "register", Credential: "cred-abc"})
	_ = sess.handleRegister(msg)

	if reregisterCalls != 1 {
		t.Errorf("OnReregister called %d times, want 1", reregisterCalls)
	}
	if sess.Status() != StatusActive {
		t.Errorf("Status = %v, want still active", sess.Status())
	}
}

func TestDispatchBeforeRegisterRejectsOtherKinds(t *testing.T) {
	sess := &Session{ID: "sess-1", status: StatusConnecting}
	msg, _ := json.Marshal(PingMessage{Op: "pong"})
	if err := sess.dispatch(KindPong, msg); err == nil {
		t.Fatal("expected dispatch of non-register message pre-handshake to fail")
	}
}

func TestDispatchCompletionResponseDemuxes(t *testing.T) {
	var got CompletionResponse
	sess := &Session{
		ID:     "sess-1",
		status: StatusActive,
		cb: Callbacks{
			OnCompletionResponse: func(s *Session, resp CompletionResponse) { got = resp },
		},
	}

	msg, _ := json.Marshal(CompletionResponse{
		Op:       "completion_response",
		ID:       "corr-1",
		Response: &ChatCompletionResponse{Usage: &ReportedUsage{TotalTokens: 42}},
	})
	if err := sess.dispatch(KindCompletionResponse, msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got.ID != "corr-1" || got.Response == nil || got.Response.Usage == nil || got.Response.Usage.TotalTokens != 42 {
		t.Errorf("demuxed response = %+v, want id=corr-1 usage.total_tokens=42", got)
	}
}

var errInvalidForTest = &testErr{"invalid credential"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
