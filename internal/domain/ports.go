package domain

import (
	"context"
	"time"
)

// Store defines the persistence operations the sync core depends on.
// Implementations return the canonical row representation on success and a
// *PersistenceError on failure.
type Store interface {
	// LoadPage returns up to limit messages of a room strictly older than
	// before (all newest messages when before is nil), in ascending
	// (CreatedAt, ID) order.
	LoadPage(ctx context.Context, roomID string, before *time.Time, limit int) ([]*Message, error)
	// SendMessage persists a new message and fills in server-assigned
	// identity and timestamps.
	SendMessage(ctx context.Context, m *Message) error
	// EditMessage replaces the content of an existing message.
	EditMessage(ctx context.Context, id, content string) (*Message, error)
	// DeleteMessage soft-deletes a message; replies to it keep their weak
	// reference.
	DeleteMessage(ctx context.Context, id string) (*Message, error)
	// MarkRead advances the read marker of one party. Markers never move
	// backward.
	MarkRead(ctx context.Context, roomID string, party Sender, at time.Time) error

	CreateRoom(ctx context.Context, r *Room) error
	GetRoom(ctx context.Context, id string) (*Room, error)
	CloseRoom(ctx context.Context, id string) error
	DeleteRoom(ctx context.Context, id string) error
}

// EventHandlers carries the callbacks invoked by a push subscription.
// OnError reports connection drops; adapters never retry on their own.
type EventHandlers struct {
	OnEvent func(ChangeEvent)
	OnError func(error)
}

// Handle is an open push channel for one scope. Close is idempotent.
type Handle interface {
	Scope() string
	Close() error
}

// PushProvider opens push channels for change events filtered by scope.
// Delivery order matches commit order server-side within one scope; there is
// no cross-scope guarantee. Duplicate delivery is possible.
type PushProvider interface {
	Subscribe(ctx context.Context, scope string, h EventHandlers) (Handle, error)
}

// Summarizer produces a summary for a day's worth of message text. It is
// invoked by callers of the calendar aggregator, never by the core itself.
type Summarizer func(ctx context.Context, text string) (string, error)

// ImageResolver resolves an opaque image reference to a fetchable URL.
// The core treats references as opaque strings.
type ImageResolver func(ctx context.Context, path string) (string, error)
