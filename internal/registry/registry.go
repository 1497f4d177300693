// Package registry is the Provider Registry (spec §4.4): the in-memory
// catalog of connected providers, their advertised models, health, load,
// and rolling performance.
//
// Grounded on other_examples/gaspardpetit-nfrx__spi.go's WorkerRegistry —
// a map of live workers keyed by session, with IncInFlight/DecInFlight and
// a WorkerStatus enum — generalized to the broker's own state machine and
// combined with the teacher's ticker-based Start(ctx) monitor loop idiom
// (internal/heartbeat's APIPublisher.Start) for the heartbeat sweep.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cm64-studio/llmule-broker/internal/activity"
)

var errClosedHandle = errors.New("registry: write handle is closed")

// Outcome is the result of a registration attempt (spec §4.4, register).
type Outcome string

const (
	OutcomeRegistered        Outcome = "registered"
	OutcomeAlreadyRegistered Outcome = "already_registered"
)

// ErrInvalidCredential and friends are the rejection reasons register can
// surface; the caller (the Session Layer) decides how to translate them
// into a wire-level error message.
var (
	ErrInvalidCredential = errors.New("registry: invalid credential")
	ErrAccountNotActive  = errors.New("registry: account not active")
	ErrUnusableHandle    = errors.New("registry: write handle is unusable")
	ErrUnknownSession    = errors.New("registry: unknown session")
)

// CredentialVerifier checks a provider's credential against the external
// authorization service (spec §1: auth and node provisioning are out of
// scope for the broker core itself — this is the seam where that system is
// consulted).
type CredentialVerifier func(credential string) (accountID string, active bool, err error)

// Config configures a Registry.
type Config struct {
	VerifyCredential CredentialVerifier
	PingInterval     time.Duration // T_ping, default 15s
	HeartbeatTimeout time.Duration // T_timeout, default 45s
	LoadThreshold    int           // default 5
	Logger           activity.Logger

	// OnRemoved is invoked after a session is purged, so the dispatcher
	// can cancel any pending requests bound to it with a provider-lost
	// error (spec §4.4, remove).
	OnRemoved func(sessionID, reason string)
}

// Registry is the Provider Registry's live state: entries keyed by session
// id, plus an index from account id to that account's session ids.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*Entry   // session id -> entry
	byAccount map[string][]string // account id -> session ids

	verify           CredentialVerifier
	pingInterval     time.Duration
	heartbeatTimeout time.Duration
	loadThreshold    int
	log              activity.Logger
	onRemoved        func(sessionID, reason string)
}

// New constructs a Registry. A nil VerifyCredential accepts every
// credential as already-verified — useful for tests and for deployments
// where authentication happens upstream of the broker.
func New(cfg Config) *Registry {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 45 * time.Second
	}
	if cfg.LoadThreshold == 0 {
		cfg.LoadThreshold = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = activity.Noop()
	}
	if cfg.VerifyCredential == nil {
		cfg.VerifyCredential = func(credential string) (string, bool, error) {
			return credential, true, nil
		}
	}
	return &Registry{
		entries:          make(map[string]*Entry),
		byAccount:        make(map[string][]string),
		verify:           cfg.VerifyCredential,
		pingInterval:     cfg.PingInterval,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		loadThreshold:    cfg.LoadThreshold,
		log:              cfg.Logger,
		onRemoved:        cfg.OnRemoved,
	}
}

// SetOnRemoved wires the removal hook after construction, for callers that
// build the Dispatcher (whose OnSessionRemoved this typically points at)
// from an already-constructed Registry rather than the other way around.
func (r *Registry) SetOnRemoved(fn func(sessionID, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemoved = fn
}

// LoadThreshold returns the configured in_flight ceiling used by both the
// dispatcher's candidate filter and its scoring formula.
func (r *Registry) LoadThreshold() int { return r.loadThreshold }

// Handle derives the deterministic public handle for accountID (spec
// §4.5.1, Provider handles): the first 4 bytes of the account id's SHA-256
// digest, interpreted as a big-endian uint32 and reduced modulo 1,000,000.
// SHA-256 stands in for "canonical byte form" — total, collision-resistant
// for the expected population, and requires no external hashing library.
func Handle(accountID string) string {
	sum := sha256.Sum256([]byte(accountID))
	n := binary.BigEndian.Uint32(sum[:4])
	return "user_" + strconv.Itoa(int(n%1_000_000))
}

// Register implements spec §4.4's register operation.
func (r *Registry) Register(sessionID, credential string, advertisedModels []string, wh WriteHandle) (Outcome, error) {
	if wh == nil {
		return "", ErrUnusableHandle
	}

	r.mu.RLock()
	if existing, ok := r.entries[sessionID]; ok {
		r.mu.RUnlock()
		if existing.snapshot().Status == StatusActive {
			return OutcomeAlreadyRegistered, nil
		}
	} else {
		r.mu.RUnlock()
	}

	accountID, active, err := r.verify(credential)
	if err != nil {
		return "", ErrInvalidCredential
	}
	if !active {
		return "", ErrAccountNotActive
	}

	now := time.Now()
	entry := newEntry(sessionID, accountID, Handle(accountID), advertisedModels, wh, now)

	r.mu.Lock()
	r.entries[sessionID] = entry
	r.byAccount[accountID] = append(r.byAccount[accountID], sessionID)
	r.mu.Unlock()

	activity.Logf(r.log, "info", "provider registered: session=%s account=%s handle=%s models=%d",
		sessionID, accountID, entry.Handle, len(entry.AdvertisedModels))
	return OutcomeRegistered, nil
}

// Heartbeat implements spec §4.4's heartbeat operation.
func (r *Registry) Heartbeat(sessionID string) error {
	entry, ok := r.lookup(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	entry.heartbeat(time.Now())
	return nil
}

// Remove implements spec §4.4's remove operation: closes the write handle,
// purges the entry, and then invokes the OnRemoved hook (if set) so the
// dispatcher can fail any pending requests bound to this session.
func (r *Registry) Remove(sessionID, reason string) {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	if ok {
		delete(r.entries, sessionID)
		if sessions, ok := r.byAccount[entry.AccountID]; ok {
			r.byAccount[entry.AccountID] = removeSession(sessions, sessionID)
			if len(r.byAccount[entry.AccountID]) == 0 {
				delete(r.byAccount, entry.AccountID)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	wh := entry.markRemoved()
	if wh != nil {
		if err := wh.Close(); err != nil {
			activity.Logf(r.log, "warning", "close handle for session %s: %v", sessionID, err)
		}
	}
	activity.Logf(r.log, "info", "provider removed: session=%s reason=%s", sessionID, reason)

	if r.onRemoved != nil {
		r.onRemoved(sessionID, reason)
	}
}

func removeSession(sessions []string, sessionID string) []string {
	out := sessions[:0]
	for _, s := range sessions {
		if s != sessionID {
			out = append(out, s)
		}
	}
	return out
}

// ListActive returns a read-only snapshot of every entry for the
// Dispatcher's filter/score pass.
func (r *Registry) ListActive() []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]View, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	return out
}

// RecordSample implements spec §4.4's record_sample operation.
func (r *Registry) RecordSample(sessionID string, s Sample) {
	if entry, ok := r.lookup(sessionID); ok {
		entry.recordSample(s)
	}
}

// IncInFlight and DecInFlight implement the reserve/release halves of the
// Dispatcher's resource scoping (spec §5, Resource scoping).
func (r *Registry) IncInFlight(sessionID string) {
	if entry, ok := r.lookup(sessionID); ok {
		entry.incInFlight()
	}
}

func (r *Registry) DecInFlight(sessionID string) {
	if entry, ok := r.lookup(sessionID); ok {
		entry.decInFlight()
	}
}

// Send forwards v on sessionID's write handle, returning ErrUnknownSession
// if the entry is gone or errClosedHandle if its handle is closed.
func (r *Registry) Send(sessionID string, v interface{}) error {
	entry, ok := r.lookup(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	return entry.send(v)
}

// HandleForSession returns sessionID's derived public handle, for the
// Session Layer to relay back in the `registered` ack once Register has
// resolved the underlying account id.
func (r *Registry) HandleForSession(sessionID string) (string, bool) {
	entry, ok := r.lookup(sessionID)
	if !ok {
		return "", false
	}
	return entry.Handle, true
}

func (r *Registry) lookup(sessionID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	return e, ok
}

// MonitorHeartbeats runs the per-connection heartbeat protocol (spec §4.4):
// every PingInterval it sweeps all entries, removing any whose
// last_heartbeat exceeds HeartbeatTimeout, demoting to inactive any past
// a third of the timeout without a fresh beat, and sending a keep-alive
// ping to every remaining entry whose write handle supports one (a failed
// ping removes the session). It blocks until ctx is
// canceled, following the same ticker-driven Start(ctx) shape the
// teacher's status publisher uses.
func (r *Registry) MonitorHeartbeats(ctx context.Context) error {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	inactiveAfter := r.heartbeatTimeout / 3

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweepHeartbeats(inactiveAfter)
		}
	}
}

func (r *Registry) sweepHeartbeats(inactiveAfter time.Duration) {
	now := time.Now()
	var toRemove []string
	var toPing []*Entry

	r.mu.RLock()
	for id, entry := range r.entries {
		age := now.Sub(entry.lastHeartbeatAt())
		switch {
		case age > r.heartbeatTimeout:
			toRemove = append(toRemove, id)
			continue
		case age > inactiveAfter:
			entry.markInactive()
		}
		toPing = append(toPing, entry)
	}
	r.mu.RUnlock()

	for _, id := range toRemove {
		r.Remove(id, "heartbeat_timeout")
	}
	for _, entry := range toPing {
		entry.mu.RLock()
		wh := entry.writeHandle
		entry.mu.RUnlock()
		if p, ok := wh.(interface{ Ping() error }); ok {
			if err := p.Ping(); err != nil {
				r.Remove(entry.SessionID, "ping_failed")
			}
		}
	}
}
