package dispatcher

import (
	"sync"

	"github.com/cm64-studio/llmule-broker/internal/session"
)

// pendingTable is the pending-request map spec §4.5.2 describes: one slot
// per in-flight correlation id, resolved exactly once by the Session
// Layer's demux or released on timeout/cancellation. Guarded by a single
// mutex — the table itself is the "no torn reads of an entry" boundary
// spec §5 requires, not a per-entry lock, since entries are short-lived
// and contention is naturally low (one entry per in-flight request).
type pendingTable struct {
	mu        sync.Mutex
	waiting   map[string]pendingEntry
	bySession map[string]map[string]bool // sessionID -> set of correlation ids
}

type pendingEntry struct {
	ch        chan session.CompletionResponse
	sessionID string
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		waiting:   make(map[string]pendingEntry),
		bySession: make(map[string]map[string]bool),
	}
}

// register allocates a buffered slot for correlationID, bound to
// sessionID so registry.Remove's "cancel all pending requests bound to
// that session" requirement (spec §4.4) can find it later. The buffer of 1
// means a resolve that arrives after the waiter has already given up
// (timeout) still completes without blocking the Session Layer's read
// loop.
func (p *pendingTable) register(correlationID, sessionID string) chan session.CompletionResponse {
	ch := make(chan session.CompletionResponse, 1)
	p.mu.Lock()
	p.waiting[correlationID] = pendingEntry{ch: ch, sessionID: sessionID}
	if p.bySession[sessionID] == nil {
		p.bySession[sessionID] = make(map[string]bool)
	}
	p.bySession[sessionID][correlationID] = true
	p.mu.Unlock()
	return ch
}

// removeLocked drops correlationID from both indexes. Caller must hold mu.
func (p *pendingTable) removeLocked(correlationID string) {
	entry, ok := p.waiting[correlationID]
	if !ok {
		return
	}
	delete(p.waiting, correlationID)
	if set, ok := p.bySession[entry.sessionID]; ok {
		delete(set, correlationID)
		if len(set) == 0 {
			delete(p.bySession, entry.sessionID)
		}
	}
}

// resolve delivers resp to its waiter, if one is still registered. Returns
// false for an unknown correlation id — the Session Layer logs and drops
// those (spec §4.6, Demux).
func (p *pendingTable) resolve(correlationID string, resp session.CompletionResponse) bool {
	p.mu.Lock()
	entry, ok := p.waiting[correlationID]
	if ok {
		p.removeLocked(correlationID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	entry.ch <- resp
	return true
}

// release removes correlationID's slot without resolving it, for the
// timeout and cancellation paths (spec §5, Cancellation and timeouts).
func (p *pendingTable) release(correlationID string) {
	p.mu.Lock()
	p.removeLocked(correlationID)
	p.mu.Unlock()
}

// cancelSession resolves every pending entry bound to sessionID with a
// synthetic provider-lost error, for registry.Remove's "cancels all
// pending requests bound to that session" requirement (spec §4.4, remove).
func (p *pendingTable) cancelSession(sessionID, errMsg string) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.bySession[sessionID]))
	for id := range p.bySession[sessionID] {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.resolve(id, session.CompletionResponse{ID: id, Error: errMsg})
	}
}
