// Package timeline maintains the ordered, deduplicated message sequence of
// one room, merging historical pages, optimistic local sends and incoming
// realtime events.
package timeline

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatsync/internal/domain"
	"chatsync/internal/logging"
	"chatsync/internal/metrics"
)

// EntryState describes the delivery state of a timeline entry.
type EntryState string

const (
	// StateConfirmed entries carry server-assigned identity.
	StateConfirmed EntryState = "confirmed"
	// StatePending entries were applied optimistically and await their
	// confirmation or realtime echo.
	StatePending EntryState = "pending"
	// StateFailed entries missed the confirm timeout. They stay in place
	// so the user can retry without re-entering text.
	StateFailed EntryState = "failed"
)

// Entry is a message together with its local delivery state.
type Entry struct {
	domain.Message
	State EntryState
	// Token is the correlation token of a pending or failed entry.
	Token string
}

// Merger merges message pages, optimistic sends and change events into a
// single sequence ordered by (CreatedAt, ID). All methods are safe for
// concurrent use; mutation happens only through them.
type Merger struct {
	mu      sync.Mutex
	roomID  string
	log     zerolog.Logger
	entries []*Entry
	byID    map[string]*Entry
	byRef   map[string]*Entry // client_ref -> entry, for echo reconciliation
	pending map[string]*Entry // token -> pending/failed entry
	version uint64
}

// NewMerger creates an empty merger for the given room.
func NewMerger(roomID string) *Merger {
	return &Merger{
		roomID:  roomID,
		log:     logging.Component("timeline").With().Str("room_id", roomID).Logger(),
		byID:    make(map[string]*Entry),
		byRef:   make(map[string]*Entry),
		pending: make(map[string]*Entry),
	}
}

// RoomID returns the room this merger belongs to.
func (m *Merger) RoomID() string { return m.roomID }

// Version returns a counter that increases on every visible change. It is
// the memoization key for derived views.
func (m *Merger) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Len returns the number of entries.
func (m *Merger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Messages returns a snapshot of the current sequence in order.
func (m *Merger) Messages() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
	}
	return out
}

// OldestCreatedAt returns the creation timestamp of the oldest confirmed
// entry, used as the cursor for loading the next page. ok is false when the
// timeline has no confirmed entries yet.
func (m *Merger) OldestCreatedAt() (t time.Time, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.State == StateConfirmed {
			return e.CreatedAt, true
		}
	}
	return time.Time{}, false
}

// LoadPage merges a page of historical messages. Overlapping pages are
// idempotent: messages already present are skipped.
func (m *Merger) LoadPage(msgs []*domain.Message) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, msg := range msgs {
		if msg == nil || msg.ID == "" {
			continue
		}
		if m.mergeConfirmed(*msg) {
			added++
		}
	}
	if added > 0 {
		m.version++
	}
	return added
}

// ApplyOptimistic inserts a not-yet-confirmed message and returns its
// correlation token. The token doubles as the message's client_ref so the
// backend can echo it back.
func (m *Merger) ApplyOptimistic(draft domain.Message) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	token := uuid.NewString()
	draft.RoomID = m.roomID
	draft.ClientRef = token
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}
	// temporary identity until the server assigns one
	draft.ID = "pending:" + token

	e := &Entry{Message: draft, State: StatePending, Token: token}
	m.insert(e)
	m.byID[e.ID] = e
	m.byRef[token] = e
	m.pending[token] = e
	m.version++
	return token
}

// Confirm replaces the optimistic entry identified by token with the
// server-assigned message. The entry is repositioned only when the confirmed
// timestamp violates its current position. Confirming an entry that was
// already reconciled by its realtime echo is a no-op.
func (m *Merger) Confirm(token string, server domain.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.pending[token]
	if !ok {
		// Echo won the race; make sure the server row is present anyway.
		if m.mergeConfirmed(server) {
			m.version++
		}
		return
	}
	m.confirmEntry(e, server)
	m.version++
}

// Fail marks the pending entry identified by token as failed. It reports
// whether the transition happened; an already confirmed or already failed
// entry is left untouched.
func (m *Merger) Fail(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.pending[token]
	if !ok || e.State != StatePending {
		return false
	}
	e.State = StateFailed
	m.version++
	m.log.Warn().Str("token", token).Msg("optimistic send failed to confirm")
	return true
}

// Retryable returns the failed entry for token so callers can re-send it,
// and removes it from the sequence.
func (m *Merger) Retryable(token string) (domain.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.pending[token]
	if !ok || e.State != StateFailed {
		return domain.Message{}, false
	}
	m.remove(e)
	m.version++
	return e.Message, true
}

// ApplyRemote ingests a change event. Ingestion is idempotent by message ID;
// updates to ids that were never loaded are dropped with a warning.
func (m *Merger) ApplyRemote(ev domain.ChangeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := ev.Message
	if msg.ID == "" || msg.RoomID == "" {
		m.log.Warn().Str("kind", string(ev.Kind)).Msg("dropping malformed change event")
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		return
	}
	if msg.RoomID != m.roomID {
		metrics.EventsDropped.WithLabelValues("scope").Inc()
		return
	}

	switch ev.Kind {
	case domain.EventInserted:
		if _, ok := m.byID[msg.ID]; ok {
			metrics.DuplicatesDropped.Inc()
			return
		}
		// Reconcile with the optimistic entry when this is our own echo.
		if msg.ClientRef != "" {
			if e, ok := m.byRef[msg.ClientRef]; ok && e.State != StateConfirmed {
				m.confirmEntry(e, msg)
				m.version++
				metrics.EventsIngested.WithLabelValues(string(ev.Kind)).Inc()
				return
			}
		}
		if m.mergeConfirmed(msg) {
			m.version++
			metrics.EventsIngested.WithLabelValues(string(ev.Kind)).Inc()
		}
	case domain.EventUpdated:
		e, ok := m.byID[msg.ID]
		if !ok {
			// Out of loaded page range; not an error.
			m.log.Warn().Str("message_id", msg.ID).Msg("update for unknown message dropped")
			metrics.EventsDropped.WithLabelValues("unknown_id").Inc()
			return
		}
		// Replace in place: identity and position are already settled.
		created := e.CreatedAt
		e.Message = msg
		e.CreatedAt = created
		e.State = StateConfirmed
		m.version++
		metrics.EventsIngested.WithLabelValues(string(ev.Kind)).Inc()
	default:
		m.log.Warn().Str("kind", string(ev.Kind)).Msg("dropping change event of unknown kind")
		metrics.EventsDropped.WithLabelValues("unknown_kind").Inc()
	}
}

// RemoveByID marks the message deleted. Replies pointing at it keep their
// weak reference; rendering the placeholder is the caller's concern.
func (m *Merger) RemoveByID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		m.log.Warn().Str("message_id", id).Msg("remove for unknown message dropped")
		return
	}
	e.Deleted = true
	m.version++
}

// confirmEntry swaps the optimistic payload for the server row, keeping the
// entry's position unless the confirmed timestamp introduces an inversion.
func (m *Merger) confirmEntry(e *Entry, server domain.Message) {
	delete(m.byID, e.ID)
	if server.ClientRef == "" {
		server.ClientRef = e.ClientRef
	}
	e.Message = server
	e.State = StateConfirmed
	e.Token = ""
	m.byID[server.ID] = e
	m.byRef[server.ClientRef] = e
	for token, p := range m.pending {
		if p == e {
			delete(m.pending, token)
		}
	}
	if !m.ordered(e) {
		m.remove(e)
		m.insert(e)
		m.byID[e.ID] = e
		m.byRef[e.ClientRef] = e
	}
}

// mergeConfirmed inserts a confirmed message unless it is already present.
// It reports whether the sequence changed.
func (m *Merger) mergeConfirmed(msg domain.Message) bool {
	if _, ok := m.byID[msg.ID]; ok {
		return false
	}
	if msg.ClientRef != "" {
		if e, ok := m.byRef[msg.ClientRef]; ok {
			if e.State != StateConfirmed {
				m.confirmEntry(e, msg)
				return true
			}
			return false
		}
	}
	e := &Entry{Message: msg, State: StateConfirmed}
	m.insert(e)
	m.byID[msg.ID] = e
	if msg.ClientRef != "" {
		m.byRef[msg.ClientRef] = e
	}
	return true
}

// insert places e at its ordered position.
func (m *Merger) insert(e *Entry) {
	i := sort.Search(len(m.entries), func(i int) bool {
		return e.Message.Before(&m.entries[i].Message)
	})
	m.entries = append(m.entries, nil)
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e
}

func (m *Merger) remove(e *Entry) {
	for i, cur := range m.entries {
		if cur == e {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}
	delete(m.byID, e.ID)
	delete(m.byRef, e.ClientRef)
	for token, p := range m.pending {
		if p == e {
			delete(m.pending, token)
		}
	}
}

// ordered reports whether e still satisfies the total order against its
// neighbours.
func (m *Merger) ordered(e *Entry) bool {
	idx := -1
	for i, cur := range m.entries {
		if cur == e {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	if idx > 0 && !m.entries[idx-1].Message.Before(&e.Message) {
		return false
	}
	if idx < len(m.entries)-1 && !e.Message.Before(&m.entries[idx+1].Message) {
		return false
	}
	return true
}
