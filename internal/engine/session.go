package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/calendar"
	"chatsync/internal/domain"
	"chatsync/internal/timeline"
)

// Session is the live view of one room: its merged timeline, calendar
// buckets and send pipeline. Remote events for the room are processed
// strictly in delivery order by a single goroutine; async completions are
// funneled into the same loop and discarded once the session is closed, so
// a stale page load can never mutate a newer session's state.
type Session struct {
	engine *Engine
	roomID string
	room   *domain.Room
	merger *timeline.Merger
	agg    *calendar.Aggregator
	log    zerolog.Logger

	inbox     chan func()
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	loading atomic.Bool
}

func newSession(e *Engine, room *domain.Room) *Session {
	m := timeline.NewMerger(room.ID)
	s := &Session{
		engine: e,
		roomID: room.ID,
		room:   room,
		merger: m,
		agg:    calendar.NewAggregator(m, e.cfg.Timezone),
		log:    e.log.With().Str("room_id", room.ID).Logger(),
		inbox:  make(chan func(), 64),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Room returns the room this session serves.
func (s *Session) Room() *domain.Room { return s.room }

// Messages returns the merged timeline snapshot.
func (s *Session) Messages() []timeline.Entry { return s.merger.Messages() }

// Days returns the calendar-day view of the timeline.
func (s *Session) Days() []calendar.Day { return s.agg.Days() }

// Calendar exposes the aggregator for summary caching.
func (s *Session) Calendar() *calendar.Aggregator { return s.agg }

// Version mirrors the timeline version counter.
func (s *Session) Version() uint64 { return s.merger.Version() }

// Close stops the event loop. Pending completions still in flight observe
// the closed state and are dropped.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}

func (s *Session) isClosed() bool { return s.closed.Load() }

func (s *Session) run() {
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.done:
			return
		}
	}
}

// post hands fn to the session loop; it is dropped when the session closed
// first.
func (s *Session) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.done:
	}
}

func (s *Session) handleEvent(ev domain.ChangeEvent) {
	s.post(func() { s.merger.ApplyRemote(ev) })
}

func (s *Session) handleFeedError(err error) {
	// Surfaced, not retried: reconnect policy belongs to whoever owns the
	// engine.
	s.log.Error().Err(err).Msg("room feed error")
}

// Send validates, applies the draft optimistically and persists it in the
// background. The returned token identifies the entry for Confirm/Fail
// observation and retry. Validation failures happen before any network
// call.
func (s *Session) Send(ctx context.Context, content string, imagePath, replyTo *string) (string, error) {
	if content == "" && (imagePath == nil || *imagePath == "") {
		return "", domain.ErrInvalidInput
	}
	if s.room.Status == domain.RoomClosed {
		return "", domain.ErrRoomClosed
	}

	draft := domain.Message{
		RoomID:    s.roomID,
		Sender:    s.engine.cfg.Party,
		Content:   content,
		ImagePath: imagePath,
		ReplyToID: replyTo,
		CreatedAt: time.Now().UTC(),
	}
	token := s.merger.ApplyOptimistic(draft)

	timer := time.AfterFunc(s.engine.cfg.ConfirmTimeout, func() {
		s.post(func() { s.merger.Fail(token) })
	})

	persisted := draft
	persisted.ClientRef = token
	go func() {
		err := s.engine.store.SendMessage(ctx, &persisted)
		s.post(func() {
			if err != nil {
				timer.Stop()
				s.log.Error().Err(err).Msg("send failed")
				s.merger.Fail(token)
				return
			}
			timer.Stop()
			s.merger.Confirm(token, persisted)
		})
	}()
	return token, nil
}

// Retry re-sends a failed entry, keeping its content. It is a no-op when
// the token does not name a failed entry.
func (s *Session) Retry(ctx context.Context, token string) (string, error) {
	msg, ok := s.merger.Retryable(token)
	if !ok {
		return "", domain.ErrNotFound
	}
	return s.Send(ctx, msg.Content, msg.ImagePath, msg.ReplyToID)
}

// LoadOlder fetches the next history page before the oldest loaded message
// and merges it. Overlapping pages are deduplicated by the merger. The
// merge is applied on the session loop; when the session was closed while
// the fetch was in flight, the result is discarded.
func (s *Session) LoadOlder(ctx context.Context, limit int) (int, error) {
	if !s.loading.CompareAndSwap(false, true) {
		return 0, nil // a page load is already in flight
	}
	defer s.loading.Store(false)

	if limit <= 0 {
		limit = s.engine.cfg.PageSize
	}
	var before *time.Time
	if t, ok := s.merger.OldestCreatedAt(); ok {
		before = &t
	}

	msgs, err := s.engine.store.LoadPage(ctx, s.roomID, before, limit)
	if err != nil {
		return 0, err
	}

	applied := make(chan int, 1)
	s.post(func() { applied <- s.merger.LoadPage(msgs) })
	select {
	case n := <-applied:
		return n, nil
	case <-s.done:
		s.log.Debug().Msg("discarding page load for closed session")
		return 0, nil
	}
}

// EditMessage edits a message through the store; the timeline picks the
// change up from the resulting Updated event, or applies it directly when
// the row comes back first.
func (s *Session) EditMessage(ctx context.Context, id, content string) error {
	if content == "" {
		return domain.ErrInvalidInput
	}
	msg, err := s.engine.store.EditMessage(ctx, id, content)
	if err != nil {
		return err
	}
	s.post(func() {
		s.merger.ApplyRemote(domain.ChangeEvent{Kind: domain.EventUpdated, Message: *msg})
	})
	return nil
}

// DeleteMessage soft-deletes a message. Replies keep their weak reference.
func (s *Session) DeleteMessage(ctx context.Context, id string) error {
	msg, err := s.engine.store.DeleteMessage(ctx, id)
	if err != nil {
		return err
	}
	s.post(func() {
		s.merger.ApplyRemote(domain.ChangeEvent{Kind: domain.EventUpdated, Message: *msg})
	})
	return nil
}

// MarkRead advances this party's read marker to now.
func (s *Session) MarkRead(ctx context.Context) error {
	return s.engine.tracker.MarkRead(ctx, s.roomID, s.engine.cfg.Party, time.Now().UTC())
}
