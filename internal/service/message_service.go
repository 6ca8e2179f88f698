package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/domain"
	"chatsync/internal/logging"
)

// EventSink receives change events for fan-out (WebSocket hub, Kafka
// mirror).
type EventSink interface {
	Publish(scope string, ev domain.ChangeEvent)
}

// MessageService validates and persists message operations and emits the
// resulting change events.
type MessageService struct {
	store domain.Store
	sinks []EventSink
	log   zerolog.Logger

	MaxContentRunes int
	MaxPageSize     int
}

// NewMessageService creates a message service publishing to the given
// sinks.
func NewMessageService(store domain.Store, maxContentRunes, maxPageSize int, sinks ...EventSink) *MessageService {
	if maxContentRunes <= 0 {
		maxContentRunes = 5000
	}
	if maxPageSize <= 0 {
		maxPageSize = 200
	}
	return &MessageService{
		store:           store,
		sinks:           sinks,
		log:             logging.Component("message_service"),
		MaxContentRunes: maxContentRunes,
		MaxPageSize:     maxPageSize,
	}
}

// MessageCreateInput carries a send request.
type MessageCreateInput struct {
	RoomID    string
	Sender    domain.Sender
	Content   string
	ImagePath *string
	ReplyToID *string
	ClientRef string
}

// Send validates the input, persists the message and emits an Inserted
// event. Validation failures are rejected before any write.
func (s *MessageService) Send(ctx context.Context, in MessageCreateInput) (*domain.Message, error) {
	if in.Content == "" && (in.ImagePath == nil || *in.ImagePath == "") {
		return nil, fmt.Errorf("message content cannot be empty: %w", domain.ErrInvalidInput)
	}
	if len([]rune(in.Content)) > s.MaxContentRunes {
		return nil, fmt.Errorf("message content exceeds %d characters: %w", s.MaxContentRunes, domain.ErrInvalidInput)
	}
	if !in.Sender.Valid() {
		return nil, fmt.Errorf("unknown sender role %q: %w", in.Sender, domain.ErrInvalidInput)
	}

	room, err := s.store.GetRoom(ctx, in.RoomID)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if room == nil {
		return nil, fmt.Errorf("room %s: %w", in.RoomID, domain.ErrNotFound)
	}
	if room.Status == domain.RoomClosed {
		return nil, domain.ErrRoomClosed
	}

	msg := &domain.Message{
		RoomID:    in.RoomID,
		Sender:    in.Sender,
		Content:   in.Content,
		ImagePath: in.ImagePath,
		ReplyToID: in.ReplyToID,
		ClientRef: in.ClientRef,
	}
	if err := s.store.SendMessage(ctx, msg); err != nil {
		return nil, err
	}

	s.emit(room, domain.ChangeEvent{Kind: domain.EventInserted, Message: *msg})
	return msg, nil
}

// Edit replaces a message's content and emits an Updated event. Editing a
// deleted message is a conflict, surfaced, not auto-resolved.
func (s *MessageService) Edit(ctx context.Context, id, content string) (*domain.Message, error) {
	if content == "" {
		return nil, fmt.Errorf("message content cannot be empty: %w", domain.ErrInvalidInput)
	}
	if len([]rune(content)) > s.MaxContentRunes {
		return nil, fmt.Errorf("message content exceeds %d characters: %w", s.MaxContentRunes, domain.ErrInvalidInput)
	}

	msg, err := s.store.EditMessage(ctx, id, content)
	if err != nil {
		return nil, err
	}
	s.emitForRoom(ctx, msg.RoomID, domain.ChangeEvent{Kind: domain.EventUpdated, Message: *msg})
	return msg, nil
}

// Delete soft-deletes a message and emits an Updated event. Replies keep
// their weak reference to the id.
func (s *MessageService) Delete(ctx context.Context, id string) (*domain.Message, error) {
	msg, err := s.store.DeleteMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	s.emitForRoom(ctx, msg.RoomID, domain.ChangeEvent{Kind: domain.EventUpdated, Message: *msg})
	return msg, nil
}

// ListPage returns a history page in ascending order, clamping the limit.
func (s *MessageService) ListPage(ctx context.Context, roomID string, before *time.Time, limit int) ([]*domain.Message, error) {
	if limit <= 0 || limit > s.MaxPageSize {
		limit = s.MaxPageSize
	}
	return s.store.LoadPage(ctx, roomID, before, limit)
}

// emit publishes the event under both the room scope (active-room feeds)
// and the owner scope (inbox feeds).
func (s *MessageService) emit(room *domain.Room, ev domain.ChangeEvent) {
	for _, sink := range s.sinks {
		sink.Publish(room.ID, ev)
		if room.OwnerID != "" && room.OwnerID != room.ID {
			sink.Publish(room.OwnerID, ev)
		}
	}
}

func (s *MessageService) emitForRoom(ctx context.Context, roomID string, ev domain.ChangeEvent) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil || room == nil {
		s.log.Warn().Str("room_id", roomID).Err(err).Msg("emit without room metadata")
		room = &domain.Room{ID: roomID}
	}
	s.emit(room, ev)
}
