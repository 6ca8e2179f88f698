// Package pebblestore implements the persistence port on a Pebble
// key-value store. Message keys embed a zero-padded creation timestamp so a
// prefix scan yields (CreatedAt, ID) order for free.
package pebblestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatsync/internal/domain"
	"chatsync/internal/logging"
	"chatsync/internal/metrics"
)

// Key layout:
//
//	room:<roomID>                          -> Room JSON
//	msg:<roomID>:<unix_nano_padded>:<id>   -> Message JSON
//	msgid:<id>                             -> message key (index for edits)
type Store struct {
	db  *pebble.DB
	log zerolog.Logger
}

var _ domain.Store = (*Store)(nil)

// Open opens (or creates) a Pebble database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	log := logging.Component("pebblestore")
	log.Info().Str("path", path).Msg("pebble opened")
	return &Store{db: db, log: log}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func roomKey(roomID string) []byte {
	return []byte("room:" + roomID)
}

func msgPrefix(roomID string) []byte {
	return []byte("msg:" + roomID + ":")
}

func msgKey(roomID string, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d:%s", roomID, createdAt.UTC().UnixNano(), id))
}

func msgIDKey(id string) []byte {
	return []byte("msgid:" + id)
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

func (s *Store) LoadPage(ctx context.Context, roomID string, before *time.Time, limit int) (msgs []*domain.Message, err error) {
	defer func() { metrics.ObserveStoreOp("load_page", err) }()

	lower := msgPrefix(roomID)
	upper := prefixEnd(lower)
	if before != nil {
		// Keys for created_at >= before are excluded by the upper bound.
		upper = []byte(fmt.Sprintf("msg:%s:%020d:", roomID, before.UTC().UnixNano()))
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, domain.NewPersistenceError(domain.KindConnection, "load page", err)
	}
	defer iter.Close()

	// Walk backwards to take the newest `limit` entries, then reverse.
	for ok := iter.Last(); ok && len(msgs) < limit; ok = iter.Prev() {
		m := &domain.Message{}
		if err := json.Unmarshal(iter.Value(), m); err != nil {
			s.log.Warn().Str("key", string(iter.Key())).Err(err).Msg("skipping undecodable message row")
			continue
		}
		msgs = append(msgs, m)
	}
	if err := iter.Error(); err != nil {
		return nil, domain.NewPersistenceError(domain.KindConnection, "load page", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) SendMessage(ctx context.Context, m *domain.Message) (err error) {
	defer func() { metrics.ObserveStoreOp("send_message", err) }()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	data, err := json.Marshal(m)
	if err != nil {
		return domain.NewPersistenceError(domain.KindValidation, "marshal message", err)
	}
	key := msgKey(m.RoomID, m.CreatedAt, m.ID)

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, data, nil); err != nil {
		return domain.NewPersistenceError(domain.KindConnection, "insert message", err)
	}
	if err := batch.Set(msgIDKey(m.ID), key, nil); err != nil {
		return domain.NewPersistenceError(domain.KindConnection, "index message", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return domain.NewPersistenceError(domain.KindConnection, "commit message", err)
	}
	return nil
}

func (s *Store) EditMessage(ctx context.Context, id, content string) (msg *domain.Message, err error) {
	defer func() { metrics.ObserveStoreOp("edit_message", err) }()

	key, msg, err := s.getMessage(id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, domain.NewPersistenceError(domain.KindNotFound, "edit message", domain.ErrNotFound)
	}
	if msg.Deleted {
		return nil, domain.NewPersistenceError(domain.KindConflict, "edit message", domain.ErrConflict)
	}

	msg.Content = content
	msg.Edited = true
	msg.UpdatedAt = time.Now().UTC()
	if err := s.putMessage(key, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) (msg *domain.Message, err error) {
	defer func() { metrics.ObserveStoreOp("delete_message", err) }()

	key, msg, err := s.getMessage(id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, domain.NewPersistenceError(domain.KindNotFound, "delete message", domain.ErrNotFound)
	}

	msg.Deleted = true
	msg.UpdatedAt = time.Now().UTC()
	if err := s.putMessage(key, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Store) MarkRead(ctx context.Context, roomID string, party domain.Sender, at time.Time) (err error) {
	defer func() { metrics.ObserveStoreOp("mark_read", err) }()

	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return domain.NewPersistenceError(domain.KindNotFound, "mark read", domain.ErrNotFound)
	}

	at = at.UTC()
	marker := room.ReadMarker(party)
	if marker != nil && !at.After(*marker) {
		return nil // markers never move backward
	}
	if party == domain.SenderOwner {
		room.ReadByOwner = &at
	} else {
		room.ReadByCounterpart = &at
	}
	room.UpdatedAt = time.Now().UTC()
	return s.putRoom(room)
}

func (s *Store) CreateRoom(ctx context.Context, r *domain.Room) (err error) {
	defer func() { metrics.ObserveStoreOp("create_room", err) }()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = domain.RoomOpen
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	return s.putRoom(r)
}

func (s *Store) GetRoom(ctx context.Context, id string) (room *domain.Room, err error) {
	defer func() { metrics.ObserveStoreOp("get_room", err) }()

	data, closer, err := s.db.Get(roomKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewPersistenceError(domain.KindConnection, "get room", err)
	}
	defer closer.Close()

	room = &domain.Room{}
	if err := json.Unmarshal(data, room); err != nil {
		return nil, domain.NewPersistenceError(domain.KindConnection, "decode room", err)
	}
	return room, nil
}

func (s *Store) CloseRoom(ctx context.Context, id string) (err error) {
	defer func() { metrics.ObserveStoreOp("close_room", err) }()

	room, err := s.GetRoom(ctx, id)
	if err != nil {
		return err
	}
	if room == nil {
		return domain.NewPersistenceError(domain.KindNotFound, "close room", domain.ErrNotFound)
	}
	room.Status = domain.RoomClosed
	room.UpdatedAt = time.Now().UTC()
	return s.putRoom(room)
}

func (s *Store) DeleteRoom(ctx context.Context, id string) (err error) {
	defer func() { metrics.ObserveStoreOp("delete_room", err) }()

	room, err := s.GetRoom(ctx, id)
	if err != nil {
		return err
	}
	if room == nil {
		return domain.NewPersistenceError(domain.KindNotFound, "delete room", domain.ErrNotFound)
	}

	// Cascade: drop the whole message prefix with the room.
	batch := s.db.NewBatch()
	defer batch.Close()
	prefix := msgPrefix(id)
	if err := batch.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return domain.NewPersistenceError(domain.KindConnection, "delete room messages", err)
	}
	if err := batch.Delete(roomKey(id), nil); err != nil {
		return domain.NewPersistenceError(domain.KindConnection, "delete room", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return domain.NewPersistenceError(domain.KindConnection, "commit room delete", err)
	}
	return nil
}

func (s *Store) getMessage(id string) ([]byte, *domain.Message, error) {
	keyData, closer, err := s.db.Get(msgIDKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, domain.NewPersistenceError(domain.KindConnection, "get message index", err)
	}
	key := append([]byte(nil), keyData...)
	closer.Close()

	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, domain.NewPersistenceError(domain.KindConnection, "get message", err)
	}
	defer closer.Close()

	m := &domain.Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, nil, domain.NewPersistenceError(domain.KindConnection, "decode message", err)
	}
	return key, m, nil
}

func (s *Store) putMessage(key []byte, m *domain.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return domain.NewPersistenceError(domain.KindValidation, "marshal message", err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return domain.NewPersistenceError(domain.KindConnection, "put message", err)
	}
	return nil
}

func (s *Store) putRoom(r *domain.Room) error {
	data, err := json.Marshal(r)
	if err != nil {
		return domain.NewPersistenceError(domain.KindValidation, "marshal room", err)
	}
	if err := s.db.Set(roomKey(r.ID), data, pebble.Sync); err != nil {
		return domain.NewPersistenceError(domain.KindConnection, "put room", err)
	}
	return nil
}
