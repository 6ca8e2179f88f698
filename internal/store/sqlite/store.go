// Package sqlite implements the persistence port on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/domain"
	"chatsync/internal/metrics"
)

// Store implements domain.Store on a SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ domain.Store = (*Store)(nil)

func (s *Store) LoadPage(ctx context.Context, roomID string, before *time.Time, limit int) (msgs []*domain.Message, err error) {
	defer func() { metrics.ObserveStoreOp("load_page", err) }()

	query := `
		SELECT id, room_id, sender, content, image_path, reply_to_id, client_ref,
		       is_deleted, is_edited, created_at, updated_at
		FROM room_messages
		WHERE room_id = ?
	`
	args := []any{roomID}
	if before != nil {
		query += ` AND created_at < ?`
		args = append(args, before.UTC())
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewPersistenceError(domain.KindConnection, "load page", err)
	}
	defer rows.Close()

	for rows.Next() {
		m := &domain.Message{}
		if err := rows.Scan(
			&m.ID, &m.RoomID, &m.Sender, &m.Content, &m.ImagePath, &m.ReplyToID,
			&nullRef{&m.ClientRef}, &m.Deleted, &m.Edited, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, domain.NewPersistenceError(domain.KindConnection, "scan message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError(domain.KindConnection, "load page", err)
	}

	// DB returns newest-first; callers expect ascending (created_at, id).
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO room_messages (id, room_id, sender, content, image_path, reply_to_id, client_ref,
		                           is_deleted, is_edited, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
	`, m.ID, m.RoomID, m.Sender, m.Content, m.ImagePath, m.ReplyToID, refOrNull(m.ClientRef),
		m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return domain.NewPersistenceError(domain.KindConnection, "insert message", err)
	}
	return nil
}

func (s *Store) EditMessage(ctx context.Context, id, content string) (msg *domain.Message, err error) {
	defer func() { metrics.ObserveStoreOp("edit_message", err) }()

	msg, err = s.getMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, domain.NewPersistenceError(domain.KindNotFound, "edit message", domain.ErrNotFound)
	}
	if msg.Deleted {
		return nil, domain.NewPersistenceError(domain.KindConflict, "edit message", domain.ErrConflict)
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE room_messages SET content = ?, is_edited = 1, updated_at = ? WHERE id = ?
	`, content, now, id); err != nil {
		return nil, domain.NewPersistenceError(domain.KindConnection, "update message", err)
	}
	msg.Content = content
	msg.Edited = true
	msg.UpdatedAt = now
	return msg, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) (msg *domain.Message, err error) {
	defer func() { metrics.ObserveStoreOp("delete_message", err) }()

	msg, err = s.getMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, domain.NewPersistenceError(domain.KindNotFound, "delete message", domain.ErrNotFound)
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE room_messages SET is_deleted = 1, updated_at = ? WHERE id = ?
	`, now, id); err != nil {
		return nil, domain.NewPersistenceError(domain.KindConnection, "soft delete message", err)
	}
	msg.Deleted = true
	msg.UpdatedAt = now
	return msg, nil
}

func (s *Store) MarkRead(ctx context.Context, roomID string, party domain.Sender, at time.Time) (err error) {
	defer func() { metrics.ObserveStoreOp("mark_read", err) }()

	column := "read_by_owner"
	if party == domain.SenderCounterpart {
		column = "read_by_counterpart"
	}
	// Monotonic: an older timestamp must not move the marker backward.
	query := fmt.Sprintf(`
		UPDATE rooms SET %s = ?, updated_at = ?
		WHERE id = ? AND (%s IS NULL OR %s < ?)
	`, column, column, column)
	if _, err := s.db.ExecContext(ctx, query, at.UTC(), time.Now().UTC(), roomID, at.UTC()); err != nil {
		return domain.NewPersistenceError(domain.KindConnection, "mark read", err)
	}
	return nil
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, owner_id, status, read_by_owner, read_by_counterpart, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.OwnerID, r.Status, r.ReadByOwner, r.ReadByCounterpart, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return domain.NewPersistenceError(domain.KindConflict, "insert room", err)
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (room *domain.Room, err error) {
	defer func() { metrics.ObserveStoreOp("get_room", err) }()

	room = &domain.Room{}
	err = s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, status, read_by_owner, read_by_counterpart, created_at, updated_at
		FROM rooms WHERE id = ?
	`, id).Scan(
		&room.ID, &room.OwnerID, &room.Status,
		&room.ReadByOwner, &room.ReadByCounterpart, &room.CreatedAt, &room.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewPersistenceError(domain.KindConnection, "get room", err)
	}
	return room, nil
}

func (s *Store) CloseRoom(ctx context.Context, id string) (err error) {
	defer func() { metrics.ObserveStoreOp("close_room", err) }()

	res, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET status = ?, updated_at = ? WHERE id = ?
	`, domain.RoomClosed, time.Now().UTC(), id)
	if err != nil {
		return domain.NewPersistenceError(domain.KindConnection, "close room", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewPersistenceError(domain.KindNotFound, "close room", domain.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteRoom(ctx context.Context, id string) (err error) {
	defer func() { metrics.ObserveStoreOp("delete_room", err) }()

	// Messages go with the room via ON DELETE CASCADE.
	res, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return domain.NewPersistenceError(domain.KindConnection, "delete room", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewPersistenceError(domain.KindNotFound, "delete room", domain.ErrNotFound)
	}
	return nil
}

func (s *Store) getMessage(ctx context.Context, id string) (*domain.Message, error) {
	m := &domain.Message{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, sender, content, image_path, reply_to_id, client_ref,
		       is_deleted, is_edited, created_at, updated_at
		FROM room_messages WHERE id = ?
	`, id).Scan(
		&m.ID, &m.RoomID, &m.Sender, &m.Content, &m.ImagePath, &m.ReplyToID,
		&nullRef{&m.ClientRef}, &m.Deleted, &m.Edited, &m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewPersistenceError(domain.KindConnection, "get message", err)
	}
	return m, nil
}

// nullRef scans a nullable client_ref column into a plain string.
type nullRef struct {
	s *string
}

func (n *nullRef) Scan(v any) error {
	switch t := v.(type) {
	case nil:
		*n.s = ""
	case string:
		*n.s = t
	case []byte:
		*n.s = string(t)
	default:
		return fmt.Errorf("client_ref: unsupported type %T", v)
	}
	return nil
}

func refOrNull(ref string) any {
	if ref == "" {
		return nil
	}
	return ref
}
