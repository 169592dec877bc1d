package websocket

import (
	"encoding/json"
	"net/http"

	"github.com/mtr002/taskmanager/internal/logger"
)

// Handler upgrades dashboard connections and attaches them to hub.
func Handler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		HandleWebSocket(hub, w, r)
	}
}

func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Logger.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	select {
	case client.hub.register <- client:
	case <-client.hub.done:
		_ = conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// BroadcastJobUpdate sends one job status event to every client.
func BroadcastJobUpdate(hub *Hub, job interface{}) {
	message, err := json.Marshal(map[string]interface{}{
		"type": "job_update",
		"data": job,
	})
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to marshal job update")
		return
	}

	hub.Broadcast(message)
}
