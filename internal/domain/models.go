package domain

import "time"

// Sender identifies which party of a room authored a message.
type Sender string

const (
	SenderOwner       Sender = "owner"
	SenderCounterpart Sender = "counterpart"
)

// Valid reports whether s is one of the known sender roles.
func (s Sender) Valid() bool {
	return s == SenderOwner || s == SenderCounterpart
}

// Other returns the opposite party.
func (s Sender) Other() Sender {
	if s == SenderOwner {
		return SenderCounterpart
	}
	return SenderOwner
}

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	RoomOpen   RoomStatus = "open"
	RoomClosed RoomStatus = "closed"
)

// Message represents a single chat message. Messages within one room are
// totally ordered by (CreatedAt, ID); ID breaks ties by string comparison.
type Message struct {
	ID        string    `db:"id" json:"id"`
	RoomID    string    `db:"room_id" json:"room_id"`
	Sender    Sender    `db:"sender" json:"sender"`
	Content   string    `db:"content" json:"content"`
	ImagePath *string   `db:"image_path" json:"image_path,omitempty"`
	ReplyToID *string   `db:"reply_to_id" json:"reply_to_id,omitempty"`
	ClientRef string    `db:"client_ref" json:"client_ref,omitempty"`
	Deleted   bool      `db:"is_deleted" json:"is_deleted"`
	Edited    bool      `db:"is_edited" json:"is_edited"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Before reports whether m sorts before other under the (CreatedAt, ID)
// total order.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Room represents a conversation between an owner and a counterpart.
// A room exclusively owns its messages; deleting a room cascades to them.
type Room struct {
	ID                string     `db:"id" json:"id"`
	OwnerID           string     `db:"owner_id" json:"owner_id"`
	Status            RoomStatus `db:"status" json:"status"`
	ReadByOwner       *time.Time `db:"read_by_owner" json:"read_by_owner,omitempty"`
	ReadByCounterpart *time.Time `db:"read_by_counterpart" json:"read_by_counterpart,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// ReadMarker returns the last-read marker for the given party.
func (r *Room) ReadMarker(party Sender) *time.Time {
	if party == SenderOwner {
		return r.ReadByOwner
	}
	return r.ReadByCounterpart
}

// EventKind classifies a change event.
type EventKind string

const (
	EventInserted EventKind = "inserted"
	EventUpdated  EventKind = "updated"
)

// ChangeEvent is a single row-change notification carrying the full new
// row state. Delivery is at-least-once; consumers must ingest idempotently
// by message ID.
type ChangeEvent struct {
	Kind    EventKind `json:"kind"`
	Message Message   `json:"message"`
}
