package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/engine"
	"chatsync/internal/timeline"
)

// fakeStore is an in-memory store with hooks for failure injection.
type fakeStore struct {
	mu       sync.Mutex
	rooms    map[string]*domain.Room
	pages    map[string][]*domain.Message // served oldest-first
	sent     []*domain.Message
	sendErr  error
	sendGate chan struct{} // when non-nil, SendMessage blocks until closed
	markRead []time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms: make(map[string]*domain.Room),
		pages: make(map[string][]*domain.Message),
	}
}

func (f *fakeStore) addRoom(r *domain.Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[r.ID] = r
}

func (f *fakeStore) LoadPage(ctx context.Context, roomID string, before *time.Time, limit int) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Message
	for _, m := range f.pages[roomID] {
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, m)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) SendMessage(ctx context.Context, m *domain.Message) error {
	f.mu.Lock()
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if m.ID == "" {
		m.ID = "srv-" + m.ClientRef
	}
	m.CreatedAt = time.Now().UTC()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeStore) EditMessage(ctx context.Context, id, content string) (*domain.Message, error) {
	return &domain.Message{ID: id, RoomID: "room-1", Content: content, Edited: true}, nil
}

func (f *fakeStore) DeleteMessage(ctx context.Context, id string) (*domain.Message, error) {
	return &domain.Message{ID: id, RoomID: "room-1", Deleted: true}, nil
}

func (f *fakeStore) MarkRead(ctx context.Context, roomID string, party domain.Sender, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markRead = append(f.markRead, at)
	return nil
}

func (f *fakeStore) CreateRoom(ctx context.Context, r *domain.Room) error { return nil }

func (f *fakeStore) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[id], nil
}

func (f *fakeStore) CloseRoom(ctx context.Context, id string) error  { return nil }
func (f *fakeStore) DeleteRoom(ctx context.Context, id string) error { return nil }

type fakeFeedHandle struct {
	scope  string
	closed chan struct{}
	once   sync.Once
}

func (h *fakeFeedHandle) Scope() string { return h.scope }

func (h *fakeFeedHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func (h *fakeFeedHandle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// fakeFeed records subscriptions and lets tests push events by scope.
type fakeFeed struct {
	mu       sync.Mutex
	handlers map[string]domain.EventHandlers
	handles  []*fakeFeedHandle
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{handlers: make(map[string]domain.EventHandlers)}
}

func (f *fakeFeed) Subscribe(ctx context.Context, scope string, h domain.EventHandlers) (domain.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[scope] = h
	handle := &fakeFeedHandle{scope: scope, closed: make(chan struct{})}
	f.handles = append(f.handles, handle)
	return handle, nil
}

func (f *fakeFeed) push(scope string, ev domain.ChangeEvent) {
	f.mu.Lock()
	h, ok := f.handlers[scope]
	f.mu.Unlock()
	if ok && h.OnEvent != nil {
		h.OnEvent(ev)
	}
}

func msgAt(id, roomID string, at time.Time) *domain.Message {
	return &domain.Message{ID: id, RoomID: roomID, Sender: domain.SenderCounterpart, Content: "m", CreatedAt: at}
}

func testEngine(t *testing.T) (*engine.Engine, *fakeStore, *fakeFeed) {
	t.Helper()
	store := newFakeStore()
	feed := newFakeFeed()
	eng := engine.New(store, feed, engine.Config{ConfirmTimeout: time.Minute})
	t.Cleanup(eng.Close)
	return eng, store, feed
}

func waitForState(t *testing.T, s *engine.Session, token string, want timeline.EntryState) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, e := range s.Messages() {
			if e.Token == token || e.ClientRef == token {
				return e.State == want
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("UnknownRoom", func(t *testing.T) {
		eng, _, _ := testEngine(t)
		_, err := eng.Open(ctx, "ghost")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Nil(t, eng.Active())
	})

	t.Run("LoadsInitialPage", func(t *testing.T) {
		eng, store, feed := testEngine(t)
		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		store.addRoom(&domain.Room{ID: "room-1", OwnerID: "user-1", Status: domain.RoomOpen})
		store.pages["room-1"] = []*domain.Message{
			msgAt("a", "room-1", base),
			msgAt("b", "room-1", base.Add(time.Minute)),
		}

		s, err := eng.Open(ctx, "room-1")
		require.NoError(t, err)
		assert.Len(t, s.Messages(), 2)
		assert.Len(t, feed.handles, 1)
		assert.Same(t, s, eng.Active())
	})

	t.Run("ReopenSameRoomReturnsSameSession", func(t *testing.T) {
		eng, store, feed := testEngine(t)
		store.addRoom(&domain.Room{ID: "room-1", OwnerID: "user-1", Status: domain.RoomOpen})

		s1, err := eng.Open(ctx, "room-1")
		require.NoError(t, err)
		s2, err := eng.Open(ctx, "room-1")
		require.NoError(t, err)
		assert.Same(t, s1, s2)
		assert.Len(t, feed.handles, 1)
	})

	t.Run("SwitchingRoomsClosesPrior", func(t *testing.T) {
		eng, store, feed := testEngine(t)
		store.addRoom(&domain.Room{ID: "room-1", OwnerID: "user-1", Status: domain.RoomOpen})
		store.addRoom(&domain.Room{ID: "room-2", OwnerID: "user-1", Status: domain.RoomOpen})

		s1, err := eng.Open(ctx, "room-1")
		require.NoError(t, err)
		s2, err := eng.Open(ctx, "room-2")
		require.NoError(t, err)

		assert.NotSame(t, s1, s2)
		require.Len(t, feed.handles, 2)
		assert.True(t, feed.handles[0].isClosed())
		assert.False(t, feed.handles[1].isClosed())
	})
}

func TestRemoteEventsReachTimeline(t *testing.T) {
	ctx := context.Background()
	eng, store, feed := testEngine(t)
	store.addRoom(&domain.Room{ID: "room-1", OwnerID: "user-1", Status: domain.RoomOpen})

	s, err := eng.Open(ctx, "room-1")
	require.NoError(t, err)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	feed.push("room-1", domain.ChangeEvent{Kind: domain.EventInserted, Message: *msgAt("a", "room-1", at)})

	require.Eventually(t, func() bool {
		return len(s.Messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "a", s.Messages()[0].ID)
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("ConfirmsOnPersist", func(t *testing.T) {
		eng, store, _ := testEngine(t)
		store.addRoom(&domain.Room{ID: "room-1", OwnerID: "user-1", Status: domain.RoomOpen})

		s, err := eng.Open(ctx, "room-1")
		require.NoError(t, err)

		token, err := s.Send(ctx, "hello", nil, nil)
		require.NoError(t, err)
		require.NotEmpty(t, token)

		waitForState(t, s, token, timeline.StateConfirmed)
		entries := s.Messages()
		require.Len(t, entries, 1)
		assert.Equal(t, "srv-"+token, entries[0].ID)
	})

	t.Run("FailsOnStoreError", func(t *testing.T) {
		eng, store, _ := testEngine(t)
		store.addRoom(&domain.Room{ID: "room-1", OwnerID: "user-1", Status: domain.RoomOpen})
		store.sendErr = errors.New("write refused")

		s, err := eng.Open(ctx, "room-1")
		require.NoError(t, err)

		token, err := s.Send(ctx, "hello", nil, nil)
		require.NoError(t, err)
		waitForState(t, s, token, timeline.StateFailed)
	})

	t.Run("FailsOnConfirmTimeout", func(t *testing.T) {
		store := newFakeStore()
		feed := newFakeFeed()
		eng := engine.New(store, feed, engine.Config{ConfirmTimeout: 20 * time.Millisecond})
		t.Cleanup(eng.Close)

		store.addRoom(&domain.Room{ID: "room-1", OwnerID: "user-1", Status: domain.RoomOpen})
		gate := make(chan struct{})
		store.sendGate = gate
		defer close(gate)

		s, err := eng.Open(ctx, "room-1")
		require.NoError(t, err)

		token, err := s.Send(ctx, "hello", nil, nil)
		require.NoError(t, err)
		waitForState(t, s, token, timeline.StateFailed)
	})

	t.Run("ValidationBeforeAnyWrite", func(t *testing.T) {
		eng, store, _ := testEngine(t)
		store.addRoom(&domain.Room{ID: "room-1", OwnerID: "user-1", Status: domain.RoomOpen})
		s, err := eng.Open(ctx, "room-1")
		require.NoError(t, err)

		_, err = s.Send(ctx, "", nil, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		assert.Empty(t, s.Messages())
	})

	t.Run("ClosedRoomRejected", func(t *testing.T) {
		eng, store, _ := testEngine(t)
		store.addRoom(&domain.Room{ID: "room-1", OwnerID: "user-1", Status: domain.RoomClosed})
		s, err := eng.Open(ctx, "room-1")
		require.NoError(t, err)

		_, err = s.Send(ctx, "hello", nil, nil)
		assert.ErrorIs(t, err, domain.ErrRoomClosed)
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	eng, store, _ := testEngine(t)
	store.addRoom(&domain.Room{ID: "room-1", OwnerID: "user-1", Status: domain.RoomOpen})
	store.sendErr = errors.New("write refused")

	s, err := eng.Open(ctx, "room-1")
	require.NoError(t, err)

	token, err := s.Send(ctx, "try again", nil, nil)
	require.NoError(t, err)
	waitForState(t, s, token, timeline.StateFailed)

	store.mu.Lock()
	store.sendErr = nil
	store.mu.Unlock()

	retryToken, err := s.Retry(ctx, token)
	require.NoError(t, err)
	assert.NotEqual(t, token, retryToken)
	waitForState(t, s, retryToken, timeline.StateConfirmed)

	entries := s.Messages()
	require.Len(t, entries, 1)
	assert.Equal(t, "try again", entries[0].Content)

	_, err = s.Retry(ctx, token)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEchoDoesNotDuplicateSend(t *testing.T) {
	ctx := context.Background()
	eng, store, feed := testEngine(t)
	store.addRoom(&domain.Room{ID: "room-1", OwnerID: "user-1", Status: domain.RoomOpen})

	s, err := eng.Open(ctx, "room-1")
	require.NoError(t, err)

	token, err := s.Send(ctx, "hello", nil, nil)
	require.NoError(t, err)
	waitForState(t, s, token, timeline.StateConfirmed)

	// the realtime echo of our own send arrives after the confirm
	store.mu.Lock()
	echo := *store.sent[0]
	store.mu.Unlock()
	feed.push("room-1", domain.ChangeEvent{Kind: domain.EventInserted, Message: echo})

	assert.Never(t, func() bool {
		return len(s.Messages()) != 1
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestWatchInbox(t *testing.T) {
	ctx := context.Background()
	eng, _, feed := testEngine(t)

	var mu sync.Mutex
	var got []domain.ChangeEvent
	require.NoError(t, eng.WatchInbox(ctx, "user-1", func(ev domain.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	}))

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	feed.push("user-1", domain.ChangeEvent{Kind: domain.EventInserted, Message: *msgAt("a", "room-9", at)})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "room-9", got[0].Message.RoomID)
}

func TestSignOutTearsDownEverything(t *testing.T) {
	ctx := context.Background()
	eng, store, feed := testEngine(t)
	store.addRoom(&domain.Room{ID: "room-1", OwnerID: "user-1", Status: domain.RoomOpen})

	_, err := eng.Open(ctx, "room-1")
	require.NoError(t, err)
	require.NoError(t, eng.WatchInbox(ctx, "user-1", func(domain.ChangeEvent) {}))

	eng.SignOut()

	for _, h := range feed.handles {
		assert.True(t, h.isClosed())
	}
	assert.Nil(t, eng.Active())
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	eng, store, _ := testEngine(t)
	store.addRoom(&domain.Room{ID: "room-1", OwnerID: "user-1", Status: domain.RoomOpen})

	s, err := eng.Open(ctx, "room-1")
	require.NoError(t, err)
	require.NoError(t, s.MarkRead(ctx))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.markRead, 1)
	assert.False(t, store.markRead[0].IsZero())
}
