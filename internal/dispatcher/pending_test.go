package dispatcher

import (
	"testing"

	"github.com/cm64-studio/llmule-broker/internal/session"
)

func TestPendingRegisterAndResolve(t *testing.T) {
	p := newPendingTable()
	ch := p.register("corr-1", "sess-a")

	resp := session.CompletionResponse{ID: "corr-1"}
	if !p.resolve("corr-1", resp) {
		t.Fatal("resolve should succeed for a registered correlation id")
	}

	select {
	case got := <-ch:
		if got.ID != "corr-1" {
			t.Errorf("got.ID = %q, want corr-1", got.ID)
		}
	default:
		t.Fatal("resolve should have delivered on the channel")
	}

	if p.resolve("corr-1", resp) {
		t.Error("resolve should return false once the entry has been consumed")
	}
}

func TestPendingResolveUnknownCorrelationID(t *testing.T) {
	p := newPendingTable()
	if p.resolve("nonexistent", session.CompletionResponse{}) {
		t.Error("resolve should return false for an id that was never registered")
	}
}

func TestPendingRelease(t *testing.T) {
	p := newPendingTable()
	p.register("corr-1", "sess-a")
	p.release("corr-1")

	if p.resolve("corr-1", session.CompletionResponse{}) {
		t.Error("resolve should fail after release")
	}
	if len(p.bySession["sess-a"]) != 0 {
		t.Error("release should also drop the bySession index entry")
	}
}

func TestPendingCancelSessionOnlyAffectsItsOwnEntries(t *testing.T) {
	p := newPendingTable()
	chA := p.register("corr-a", "sess-a")
	chB := p.register("corr-b", "sess-b")

	p.cancelSession("sess-a", "provider connection lost: timeout")

	select {
	case resp := <-chA:
		if resp.Error == "" {
			t.Error("canceled entry should carry a non-empty error")
		}
	default:
		t.Fatal("cancelSession should have resolved sess-a's pending entry")
	}

	select {
	case <-chB:
		t.Fatal("cancelSession(sess-a) should not affect sess-b's pending entry")
	default:
	}

	if p.resolve("corr-b", session.CompletionResponse{ID: "corr-b"}) == false {
		t.Error("sess-b's entry should still be resolvable")
	}
	<-chB
}

func TestPendingCancelSessionKeepsMapsInSync(t *testing.T) {
	p := newPendingTable()
	p.register("corr-1", "sess-a")
	p.register("corr-2", "sess-a")

	p.cancelSession("sess-a", "gone")

	if len(p.waiting) != 0 {
		t.Errorf("waiting should be empty after canceling every entry for the only session, got %d", len(p.waiting))
	}
	if len(p.bySession) != 0 {
		t.Errorf("bySession should be empty after canceling every entry for the only session, got %d", len(p.bySession))
	}
}
