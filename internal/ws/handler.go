package ws

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"chatsync/internal/logging"
)

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			// Non-browser clients (the wsfeed adapter) send no Origin.
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

// MakeFeedHandler returns the HTTP handler for the /feed endpoint. Clients
// connect with a ?scope= query parameter and receive ChangeEvent frames for
// that scope, in commit order, until they disconnect.
func MakeFeedHandler(hub *Hub, allowedOrigins []string) http.HandlerFunc {
	log := logging.Component("feed")
	upgrader := websocket.Upgrader{
		CheckOrigin: makeCheckOrigin(allowedOrigins),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		scope := r.URL.Query().Get("scope")
		if scope == "" {
			http.Error(w, "scope is required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hub.Register(scope, conn)
		defer hub.Unregister(scope, conn)
		log.Debug().Str("scope", scope).Msg("feed subscriber connected")

		// The feed is one-way; the read loop only detects disconnect.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				log.Debug().Str("scope", scope).Msg("feed subscriber disconnected")
				return
			}
		}
	}
}
