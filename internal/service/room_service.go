package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/domain"
	"chatsync/internal/logging"
)

// RoomService owns room lifecycle and read markers.
type RoomService struct {
	store domain.Store
	log   zerolog.Logger
}

// NewRoomService creates a room service.
func NewRoomService(store domain.Store) *RoomService {
	return &RoomService{store: store, log: logging.Component("room_service")}
}

// Create opens a new room for ownerID.
func (s *RoomService) Create(ctx context.Context, ownerID string) (*domain.Room, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required: %w", domain.ErrInvalidInput)
	}
	room := &domain.Room{OwnerID: ownerID, Status: domain.RoomOpen}
	if err := s.store.CreateRoom(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// Get returns a room by id.
func (s *RoomService) Get(ctx context.Context, id string) (*domain.Room, error) {
	room, err := s.store.GetRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, fmt.Errorf("room %s: %w", id, domain.ErrNotFound)
	}
	return room, nil
}

// Close marks the room closed; closed rooms accept no new messages.
func (s *RoomService) Close(ctx context.Context, id string) error {
	return s.store.CloseRoom(ctx, id)
}

// Delete removes the room and, by ownership, all of its messages.
func (s *RoomService) Delete(ctx context.Context, id string) error {
	return s.store.DeleteRoom(ctx, id)
}

// MarkRead advances one party's read marker. The marker never moves
// backward; a stale timestamp is a no-op.
func (s *RoomService) MarkRead(ctx context.Context, roomID string, party domain.Sender, at time.Time) error {
	if !party.Valid() {
		return fmt.Errorf("unknown party %q: %w", party, domain.ErrInvalidInput)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return s.store.MarkRead(ctx, roomID, party, at)
}

// UnreadFor derives whether the room has messages party has not read.
func (s *RoomService) UnreadFor(ctx context.Context, roomID string, party domain.Sender) (bool, error) {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return false, err
	}
	msgs, err := s.store.LoadPage(ctx, roomID, nil, 1)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}
	last := msgs[len(msgs)-1]
	if last.Sender == party {
		// A party has always read its own latest message.
		return false, nil
	}
	marker := room.ReadMarker(party)
	return marker == nil || last.CreatedAt.After(*marker), nil
}
