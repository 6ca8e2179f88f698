package httpserver_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/httpserver"
	"chatsync/internal/store/sqlite"
	"chatsync/internal/ws"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	cfg := &config.Config{
		CORSOrigins:     []string{"http://localhost:3000"},
		MaxContentRunes: 5000,
		MaxPageSize:     200,
	}
	srv := httptest.NewServer(httpserver.NewRouter(cfg, sqlite.NewStore(db), ws.NewHub()))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func createRoom(t *testing.T, srv *httptest.Server) domain.Room {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/rooms/", map[string]string{"owner_id": "user-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var room domain.Room
	require.NoError(t, json.Unmarshal(body, &room))
	return room
}

func TestHealth(t *testing.T) {
	srv := startServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))
}

func TestRoomEndpoints(t *testing.T) {
	srv := startServer(t)

	t.Run("CreateAndGet", func(t *testing.T) {
		room := createRoom(t, srv)
		assert.NotEmpty(t, room.ID)
		assert.Equal(t, "user-1", room.OwnerID)

		resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+room.ID, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var got domain.Room
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, room.ID, got.ID)
	})

	t.Run("CreateWithoutOwnerRejected", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/rooms/", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("GetMissingRoom", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/rooms/ghost", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("CloseRejectsNewMessages", func(t *testing.T) {
		room := createRoom(t, srv)
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/rooms/"+room.ID+"/close", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/rooms/"+room.ID+"/messages",
			map[string]string{"sender": "owner", "content": "too late"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Delete", func(t *testing.T) {
		room := createRoom(t, srv)
		resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/api/rooms/"+room.ID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+room.ID, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestMessageEndpoints(t *testing.T) {
	srv := startServer(t)
	room := createRoom(t, srv)

	var sent domain.Message
	t.Run("Send", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/rooms/"+room.ID+"/messages",
			map[string]string{"sender": "owner", "content": "hello", "client_ref": "ref-1"})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		require.NoError(t, json.Unmarshal(body, &sent))
		assert.NotEmpty(t, sent.ID)
		assert.Equal(t, "ref-1", sent.ClientRef)
	})

	t.Run("EmptyContentRejected", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/rooms/"+room.ID+"/messages",
			map[string]string{"sender": "owner"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("List", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+room.ID+"/messages", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var msgs []domain.Message
		require.NoError(t, json.Unmarshal(body, &msgs))
		require.Len(t, msgs, 1)
		assert.Equal(t, sent.ID, msgs[0].ID)
	})

	t.Run("ListBadCursorRejected", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+room.ID+"/messages?before=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Edit", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPatch, srv.URL+"/api/messages/"+sent.ID,
			map[string]string{"content": "edited"})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var msg domain.Message
		require.NoError(t, json.Unmarshal(body, &msg))
		assert.Equal(t, "edited", msg.Content)
		assert.True(t, msg.Edited)
	})

	t.Run("Delete", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodDelete, srv.URL+"/api/messages/"+sent.ID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var msg domain.Message
		require.NoError(t, json.Unmarshal(body, &msg))
		assert.True(t, msg.Deleted)

		// editing the tombstone is a conflict
		resp, _ = doJSON(t, http.MethodPatch, srv.URL+"/api/messages/"+sent.ID,
			map[string]string{"content": "again"})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("EditMissingMessage", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPatch, srv.URL+"/api/messages/ghost",
			map[string]string{"content": "x"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestReadEndpoints(t *testing.T) {
	srv := startServer(t)
	room := createRoom(t, srv)

	// counterpart writes, owner has not read yet
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/rooms/"+room.ID+"/messages",
		map[string]string{"sender": "counterpart", "content": "ping"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+room.ID+"/unread?party=owner", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"unread":true}`, string(body))

	at := time.Now().UTC().Format(time.RFC3339Nano)
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/rooms/"+room.ID+"/read",
		map[string]string{"party": "owner", "at": at})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+room.ID+"/unread?party=owner", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"unread":false}`, string(body))

	t.Run("InvalidParty", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+room.ID+"/unread?party=stranger", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestFeedBroadcastsSends(t *testing.T) {
	srv := startServer(t)
	room := createRoom(t, srv)

	feedURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed?scope=" + room.ID
	conn, _, err := websocket.DefaultDialer.Dial(feedURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	// handshake completion does not guarantee the hub registered us yet
	time.Sleep(50 * time.Millisecond)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/rooms/"+room.ID+"/messages",
		map[string]string{"sender": "owner", "content": "hello", "client_ref": "ref-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ev domain.ChangeEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, domain.EventInserted, ev.Kind)
	assert.Equal(t, "hello", ev.Message.Content)
	assert.Equal(t, "ref-1", ev.Message.ClientRef)
	assert.Equal(t, room.ID, ev.Message.RoomID)
}
