package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tradeguard/internal/stream"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
	},
}

// Events streams bus events over a websocket. ?topic=a,b filters by topic.
// A client that falls behind loses events rather than slowing publishers.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade event stream")
		return
	}
	defer conn.Close()

	topics := map[string]bool{}
	for _, t := range strings.Split(r.URL.Query().Get("topic"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics[t] = true
		}
	}

	events := make(chan stream.Event, eventBuffer)
	unsubscribe := h.deps.Bus.Subscribe("", func(ev stream.Event) {
		if len(topics) > 0 && !topics[ev.Topic] {
			return
		}
		select {
		case events <- ev:
		default:
			log.Debug().Str("topic", ev.Topic).Msg("Event stream client lagging, dropping event")
		}
	})
	defer unsubscribe()

	// Reader detects the client closing
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Info().Str("remote", r.RemoteAddr).Int("topics", len(topics)).Msg("Event stream client connected")
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Info().Str("remote", r.RemoteAddr).Msg("Event stream client disconnected")
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
