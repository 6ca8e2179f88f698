// Package wsfeed implements the push-provider contract over a WebSocket
// change feed: one connection per scope, JSON ChangeEvent frames, delivery
// in server commit order.
package wsfeed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatsync/internal/domain"
	"chatsync/internal/logging"
)

// Provider dials the feed endpoint of a chatsync backend. Connection drops
// are reported through the subscription's OnError callback; the provider
// never retries on its own.
type Provider struct {
	feedURL string
	dialer  *websocket.Dialer
	header  http.Header
	log     zerolog.Logger
}

var _ domain.PushProvider = (*Provider)(nil)

// NewProvider creates a provider for the given feed endpoint, e.g.
// "ws://localhost:8000/feed". header may carry auth material supplied by the
// external session provider; it is passed through opaquely.
func NewProvider(feedURL string, header http.Header) *Provider {
	return &Provider{
		feedURL: feedURL,
		dialer:  websocket.DefaultDialer,
		header:  header,
		log:     logging.Component("wsfeed"),
	}
}

// Subscribe opens a feed connection filtered to scope and starts the read
// loop. The returned handle closes the connection.
func (p *Provider) Subscribe(ctx context.Context, scope string, h domain.EventHandlers) (domain.Handle, error) {
	u, err := url.Parse(p.feedURL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	q := u.Query()
	q.Set("scope", scope)
	u.RawQuery = q.Encode()

	conn, _, err := p.dialer.DialContext(ctx, u.String(), p.header)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w: %v", domain.ErrConnection, err)
	}

	sub := &handle{
		scope:  scope,
		conn:   conn,
		closed: make(chan struct{}),
		log:    p.log.With().Str("scope", scope).Logger(),
	}
	go sub.readLoop(h)
	return sub, nil
}

type handle struct {
	scope string
	conn  *websocket.Conn
	log   zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func (s *handle) Scope() string { return s.scope }

// Close tears the connection down. Idempotent.
func (s *handle) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		// best-effort close frame so the server unregisters promptly
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *handle) readLoop(h domain.EventHandlers) {
	for {
		var ev domain.ChangeEvent
		if err := s.conn.ReadJSON(&ev); err != nil {
			select {
			case <-s.closed:
				// closed by us, not an error
			default:
				s.log.Error().Err(err).Msg("feed connection dropped")
				if h.OnError != nil {
					h.OnError(fmt.Errorf("feed read: %w: %v", domain.ErrConnection, err))
				}
			}
			return
		}
		if h.OnEvent != nil {
			h.OnEvent(ev)
		}
	}
}
