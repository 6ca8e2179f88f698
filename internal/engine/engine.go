// Package engine wires the sync core together: it owns the active room
// session, governs subscription lifecycle through the manager, and reacts
// to sign-out by tearing everything down.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/domain"
	"chatsync/internal/logging"
	"chatsync/internal/readstate"
	"chatsync/internal/subscription"
)

// Slot names used with the subscription manager.
const (
	slotRoom  = "room"
	slotInbox = "inbox"
)

// Config tunes the engine.
type Config struct {
	// Party is the sender role this client acts as.
	Party domain.Sender
	// Timezone used for calendar bucketing.
	Timezone *time.Location
	// PageSize is the default history page size.
	PageSize int
	// ConfirmTimeout bounds how long an optimistic send may stay pending
	// before it is marked failed.
	ConfirmTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Party:          domain.SenderOwner,
		Timezone:       time.UTC,
		PageSize:       50,
		ConfirmTimeout: 10 * time.Second,
	}
}

// Engine coordinates store, push provider and the per-room session. All
// collaborators are injected; the engine has explicit lifecycle (construct
// at start, Close at shutdown or sign-out).
type Engine struct {
	store   domain.Store
	manager *subscription.Manager
	tracker *readstate.Tracker
	cfg     Config
	log     zerolog.Logger

	active *Session
}

// New creates an engine over the given collaborators.
func New(store domain.Store, provider domain.PushProvider, cfg Config) *Engine {
	def := DefaultConfig()
	if !cfg.Party.Valid() {
		cfg.Party = def.Party
	}
	if cfg.Timezone == nil {
		cfg.Timezone = def.Timezone
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	return &Engine{
		store:   store,
		manager: subscription.NewManager(provider),
		tracker: readstate.NewTracker(store),
		cfg:     cfg,
		log:     logging.Component("engine"),
	}
}

// Tracker exposes the read-state tracker shared across sessions.
func (e *Engine) Tracker() *readstate.Tracker { return e.tracker }

// Open activates a session for roomID. Opening the room that is already
// active returns the existing session; opening a different room first closes
// the previous session and its subscription, so navigation never leaks
// channels. The newest history page is loaded before the session returns.
func (e *Engine) Open(ctx context.Context, roomID string) (*Session, error) {
	if e.active != nil && e.active.roomID == roomID && !e.active.isClosed() {
		return e.active, nil
	}
	if e.active != nil {
		e.closeActive()
	}

	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("open room %s: %w", roomID, err)
	}
	if room == nil {
		return nil, fmt.Errorf("open room %s: %w", roomID, domain.ErrNotFound)
	}
	e.tracker.Seed(room)

	s := newSession(e, room)
	if err := e.manager.EnsureSubscribed(ctx, slotRoom, roomID, domain.EventHandlers{
		OnEvent: s.handleEvent,
		OnError: s.handleFeedError,
	}); err != nil {
		s.Close()
		return nil, err
	}
	if _, err := s.LoadOlder(ctx, e.cfg.PageSize); err != nil {
		e.manager.Teardown(slotRoom)
		s.Close()
		return nil, err
	}

	e.active = s
	return s, nil
}

// Active returns the current session, nil when none is open.
func (e *Engine) Active() *Session {
	if e.active != nil && !e.active.isClosed() {
		return e.active
	}
	return nil
}

// CloseRoom closes the active session and its subscription.
func (e *Engine) CloseRoom() {
	e.closeActive()
}

// WatchInbox subscribes to all message changes for a user, independent of
// the active room. Used for room-list badges.
func (e *Engine) WatchInbox(ctx context.Context, userID string, onEvent func(domain.ChangeEvent)) error {
	return e.manager.EnsureSubscribed(ctx, slotInbox, userID, domain.EventHandlers{
		OnEvent: onEvent,
		OnError: func(err error) {
			e.log.Error().Err(err).Msg("inbox feed error")
		},
	})
}

// SignOut reacts to session invalidation: every subscription is torn down
// and the active session closed.
func (e *Engine) SignOut() {
	e.closeActive()
	e.manager.TeardownAll()
	e.log.Info().Msg("signed out, subscriptions torn down")
}

// Close is an alias for SignOut used at shutdown.
func (e *Engine) Close() {
	e.SignOut()
}

func (e *Engine) closeActive() {
	if e.active == nil {
		return
	}
	e.manager.Teardown(slotRoom)
	e.active.Close()
	e.active = nil
}
