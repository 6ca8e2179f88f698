// Package subscription owns push-subscription lifecycle: at most one live
// handle per logical slot, idempotent subscribe, teardown on scope change.
package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"chatsync/internal/domain"
	"chatsync/internal/logging"
	"chatsync/internal/metrics"
)

type slotPhase int

const (
	phaseClosed slotPhase = iota
	phaseOpening
	phaseOpen
)

type slotState struct {
	phase  slotPhase
	scope  string
	gen    uint64
	handle domain.Handle
}

// Manager tracks push subscriptions keyed by logical slot (for example
// "room" for the active conversation and "inbox" for the room list).
// Opening failures are surfaced to the caller and leave the slot Closed;
// retry policy belongs to the caller.
type Manager struct {
	mu       sync.Mutex
	provider domain.PushProvider
	log      zerolog.Logger
	slots    map[string]*slotState
	gens     map[string]uint64 // monotonic per slot, distinguishes stale opens
}

// NewManager creates a Manager over the given push provider.
func NewManager(provider domain.PushProvider) *Manager {
	return &Manager{
		provider: provider,
		log:      logging.Component("subscription"),
		slots:    make(map[string]*slotState),
		gens:     make(map[string]uint64),
	}
}

// EnsureSubscribed opens a subscription for scope under slot. A re-entrant
// call with the same scope while the slot is Open or Opening is a no-op.
// When the slot currently serves a different scope, the prior handle is
// closed before the new one opens, so a slot never leaks channels.
func (m *Manager) EnsureSubscribed(ctx context.Context, slot, scope string, h domain.EventHandlers) error {
	if scope == "" {
		return fmt.Errorf("subscribe %q: %w: empty scope", slot, domain.ErrInvalidInput)
	}

	m.mu.Lock()
	st, ok := m.slots[slot]
	if ok && st.scope == scope && st.phase != phaseClosed {
		m.mu.Unlock()
		return nil
	}
	if ok && st.phase != phaseClosed {
		m.closeLocked(slot, st)
	}
	m.gens[slot]++
	st = &slotState{phase: phaseOpening, scope: scope, gen: m.gens[slot]}
	m.slots[slot] = st
	gen := st.gen
	m.mu.Unlock()

	handle, err := m.provider.Subscribe(ctx, scope, h)

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.slots[slot]
	if !ok || cur.gen != gen {
		// Torn down or replaced while opening; this handle must not leak.
		if err == nil && handle != nil {
			_ = handle.Close()
		}
		return nil
	}
	if err != nil {
		delete(m.slots, slot)
		m.log.Error().Str("slot", slot).Str("scope", scope).Err(err).Msg("subscribe failed")
		return fmt.Errorf("subscribe %q scope %q: %w", slot, scope, err)
	}
	cur.phase = phaseOpen
	cur.handle = handle
	metrics.SubscriptionsOpen.Inc()
	m.log.Info().Str("slot", slot).Str("scope", scope).Msg("subscription open")
	return nil
}

// Scope returns the scope currently served by slot, or "" when the slot is
// closed.
func (m *Manager) Scope(slot string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.slots[slot]; ok && st.phase != phaseClosed {
		return st.scope
	}
	return ""
}

// Open reports whether slot currently has an open handle.
func (m *Manager) Open(slot string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.slots[slot]
	return ok && st.phase == phaseOpen
}

// Teardown closes the handle tracked under slot, if any.
func (m *Manager) Teardown(slot string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.slots[slot]; ok {
		m.closeLocked(slot, st)
	}
}

// TeardownAll closes every tracked handle. Used at logout and shutdown.
func (m *Manager) TeardownAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for slot, st := range m.slots {
		m.closeLocked(slot, st)
	}
}

// closeLocked closes and forgets a slot. Caller holds m.mu. A slot still in
// phaseOpening is forgotten; the in-flight open detects the generation
// change and closes its handle itself.
func (m *Manager) closeLocked(slot string, st *slotState) {
	if st.phase == phaseOpen && st.handle != nil {
		if err := st.handle.Close(); err != nil {
			m.log.Warn().Str("slot", slot).Str("scope", st.scope).Err(err).Msg("handle close failed")
		}
		metrics.SubscriptionsOpen.Dec()
	}
	delete(m.slots, slot)
	m.log.Info().Str("slot", slot).Str("scope", st.scope).Msg("subscription closed")
}
