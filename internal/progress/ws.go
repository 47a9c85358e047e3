package progress

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin against the frontend's host.
		// For now, allow all origins (development only)
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// ServeWS upgrades the connection and streams one run's progress events as
// JSON frames. Requires a run_id query parameter, e.g. /ws?run_id=run-123.
// The feed is live only: events published before the subscription are gone.
func ServeWS(hub *Hub, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := r.URL.Query().Get("run_id")
		if runID == "" {
			http.Error(w, "missing run_id", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		events, cancel := hub.Subscribe(runID)
		defer cancel()

		log := logger.With().Str("run_id", runID).Logger()
		log.Info().Msg("Progress subscriber connected")

		// Reader goroutine: we never expect client frames, but reading is
		// required to notice the peer going away.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					// Dropped by the hub or run garbage-collected
					log.Debug().Msg("Progress feed closed")
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					log.Warn().Err(err).Msg("Progress write failed")
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				log.Info().Msg("Progress subscriber disconnected")
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}
