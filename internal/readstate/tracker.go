// Package readstate derives per-room read/unread status from message
// timestamps and the two independent last-read markers.
package readstate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/domain"
	"chatsync/internal/logging"
)

type markerKey struct {
	roomID string
	party  domain.Sender
}

// Tracker keeps the local view of last-read markers and writes marker
// advances through to the store. Markers are monotonic: an older timestamp
// never moves a marker backward.
type Tracker struct {
	mu      sync.Mutex
	store   domain.Store
	log     zerolog.Logger
	markers map[markerKey]time.Time
}

// NewTracker creates a tracker backed by store. store may be nil for a
// purely local tracker (tests, derived views).
func NewTracker(store domain.Store) *Tracker {
	return &Tracker{
		store:   store,
		log:     logging.Component("readstate"),
		markers: make(map[markerKey]time.Time),
	}
}

// Seed installs the markers of a freshly loaded room.
func (t *Tracker) Seed(room *domain.Room) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m := room.ReadByOwner; m != nil {
		t.advanceLocked(room.ID, domain.SenderOwner, *m)
	}
	if m := room.ReadByCounterpart; m != nil {
		t.advanceLocked(room.ID, domain.SenderCounterpart, *m)
	}
}

// Marker returns the last-read marker of party, zero when never read.
func (t *Tracker) Marker(roomID string, party domain.Sender) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.markers[markerKey{roomID, party}]
}

// UnreadFor reports whether the room holds messages party has not read,
// given the newest message timestamp. A message is read by its sender the
// moment it is sent, so callers pass the newest timestamp authored by the
// other party.
func (t *Tracker) UnreadFor(roomID string, party domain.Sender, lastMessageAt time.Time) bool {
	if lastMessageAt.IsZero() {
		return false
	}
	return lastMessageAt.After(t.Marker(roomID, party))
}

// MarkRead advances party's marker for the room, updating only the calling
// party's marker, and persists the advance. Regressions are ignored.
func (t *Tracker) MarkRead(ctx context.Context, roomID string, party domain.Sender, at time.Time) error {
	if !party.Valid() {
		return domain.ErrInvalidInput
	}

	t.mu.Lock()
	advanced := t.advanceLocked(roomID, party, at)
	t.mu.Unlock()
	if !advanced {
		return nil
	}

	if t.store == nil {
		return nil
	}
	if err := t.store.MarkRead(ctx, roomID, party, at); err != nil {
		t.log.Error().Str("room_id", roomID).Str("party", string(party)).Err(err).
			Msg("persist read marker failed")
		return err
	}
	return nil
}

// advanceLocked moves a marker forward, never backward. Caller holds t.mu.
func (t *Tracker) advanceLocked(roomID string, party domain.Sender, at time.Time) bool {
	key := markerKey{roomID, party}
	if cur, ok := t.markers[key]; ok && !at.After(cur) {
		return false
	}
	t.markers[key] = at
	return true
}
