package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is a provider session's position in the state machine
// `connecting → active ⇄ inactive → removed` (spec §4.5.2).
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusRemoved    Status = "removed"
)

// WriteHandle is whatever the Session Layer uses to push a message to a
// provider connection. The registry only needs to know whether it is still
// usable and how to close it — the session package owns the actual framing.
type WriteHandle interface {
	Send(v interface{}) error
	Close() error
}

// Entry is one live provider session (spec §4.4, State).
type Entry struct {
	SessionID        string
	AccountID        string
	Handle           string // stable public handle, user_<N>
	AdvertisedModels []string
	RegisteredAt     time.Time

	mu               sync.RWMutex
	status           Status
	readyForRequests bool
	lastHeartbeat    time.Time
	writeHandle      WriteHandle

	inFlight int64
	perf     perfRing
}

// View is a read-only snapshot of an Entry for the Dispatcher's filter/score
// pass (spec §4.4, list_active). Snapshots avoid holding an Entry's lock
// across the whole selection algorithm.
type View struct {
	SessionID        string
	AccountID        string
	Handle           string
	AdvertisedModels []string
	RegisteredAt     time.Time
	Status           Status
	ReadyForRequests bool
	HandleOpen       bool
	InFlight         int64
	TPSEWMA          float64

	// LastHeartbeat, TotalRequests, SuccessCount, and MaxTPS feed the
	// /v1/models catalog's per-provider performance block (spec §6); they
	// play no part in scoring or filtering.
	LastHeartbeat time.Time
	TotalRequests int
	SuccessCount  int
	MaxTPS        float64
}

func newEntry(sessionID, accountID, handle string, models []string, writeHandle WriteHandle, now time.Time) *Entry {
	return &Entry{
		SessionID:        sessionID,
		AccountID:        accountID,
		Handle:           handle,
		AdvertisedModels: dedupeModels(models),
		RegisteredAt:     now,
		status:           StatusActive,
		readyForRequests: true,
		lastHeartbeat:    now,
		writeHandle:      writeHandle,
	}
}

func dedupeModels(models []string) []string {
	seen := make(map[string]bool, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func (e *Entry) snapshot() View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stats := e.perf.stats()
	return View{
		SessionID:        e.SessionID,
		AccountID:        e.AccountID,
		Handle:           e.Handle,
		AdvertisedModels: e.AdvertisedModels,
		RegisteredAt:     e.RegisteredAt,
		Status:           e.status,
		ReadyForRequests: e.readyForRequests,
		HandleOpen:       e.writeHandle != nil,
		InFlight:         atomic.LoadInt64(&e.inFlight),
		TPSEWMA:          stats.avgTPS,
		LastHeartbeat:    e.lastHeartbeat,
		TotalRequests:    stats.totalRequests,
		SuccessCount:     stats.successCount,
		MaxTPS:           stats.maxTPS,
	}
}

func (e *Entry) heartbeat(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastHeartbeat = now
	if e.status == StatusInactive {
		e.status = StatusActive
	}
}

func (e *Entry) markInactive() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusActive {
		e.status = StatusInactive
	}
}

func (e *Entry) lastHeartbeatAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastHeartbeat
}

func (e *Entry) markRemoved() WriteHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = StatusRemoved
	e.readyForRequests = false
	wh := e.writeHandle
	e.writeHandle = nil
	return wh
}

func (e *Entry) incInFlight() int64 {
	return atomic.AddInt64(&e.inFlight, 1)
}

func (e *Entry) decInFlight() int64 {
	return atomic.AddInt64(&e.inFlight, -1)
}

func (e *Entry) recordSample(s Sample) {
	e.perf.push(s)
}

func (e *Entry) send(v interface{}) error {
	e.mu.RLock()
	wh := e.writeHandle
	e.mu.RUnlock()
	if wh == nil {
		return errClosedHandle
	}
	return wh.Send(v)
}
