package keys

import (
	"crypto/ecdsa"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jsx-tool/devbus/internal/metrics"
)

// Record is the active public key announced by the remote registry
// (spec §3 "Key record").
type Record struct {
	UUID           string
	PublicKey      *ecdsa.PublicKey
	PublicKeyDER   []byte
	ExpirationTime time.Time
}

// Manager is the single-slot active-key store. Writers (the Fetcher) and
// readers (the signature verifier, via Current) may run concurrently; a
// reader always observes either the old or the new record, never a torn
// mix, and a rotation never invalidates a Record a reader already holds
// (spec §5's weak-reference requirement).
type Manager struct {
	mu       sync.RWMutex
	current  *Record
	listener func(*Record)
	clock    clockwork.Clock
	timer    clockwork.Timer
}

// NewManager constructs a Manager. clock defaults to the real clock.
func NewManager(clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{clock: clock}
}

// SetListener installs a callback invoked on every key install, used by
// the bus to broadcast key_ready (spec §4.10).
func (m *Manager) SetListener(fn func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = fn
}

// SetCurrentKey installs rec as the active key, replacing any previous
// record, and schedules its expiry.
func (m *Manager) SetCurrentKey(rec *Record) {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.current = rec
	listener := m.listener
	if !rec.ExpirationTime.IsZero() {
		ttl := rec.ExpirationTime.Sub(m.clock.Now())
		if ttl <= 0 {
			m.current = nil
		} else {
			m.timer = m.clock.AfterFunc(ttl, func() { m.clear(rec) })
		}
	}
	m.mu.Unlock()

	m.reportExpiry()
	if listener != nil {
		listener(rec)
	}
}

// clear drops rec if it is still the active record (a newer key may have
// replaced it before the timer fired).
func (m *Manager) clear(rec *Record) {
	m.mu.Lock()
	if m.current == rec {
		m.current = nil
	}
	m.mu.Unlock()
	m.reportExpiry()
}

// reportExpiry publishes the active key's expiration time to the
// jsxtool_active_key_expires_unix gauge (spec §13).
func (m *Manager) reportExpiry() {
	m.mu.RLock()
	rec := m.current
	m.mu.RUnlock()

	if rec == nil {
		metrics.ActiveKeyExpiresUnix.Set(0)
		return
	}
	metrics.ActiveKeyExpiresUnix.Set(float64(rec.ExpirationTime.Unix()))
}

// Current returns a snapshot of the active key, or nil if none is active.
// The returned *Record is never mutated after SetCurrentKey installs it,
// so callers may retain it across a later rotation.
func (m *Manager) Current() *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}
