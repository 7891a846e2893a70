package controllers

import (
	"log"
	"net/http"

	"relaymon/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The feed is read-only and access is limited by the IP allow-list
		return true
	},
}

// WebSocketController streams every forwarded status to live-feed clients
type WebSocketController struct {
	Hub *services.WebSocketHub
}

// HandleWebSocket upgrades the connection and registers it with the hub
func (wc *WebSocketController) HandleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	client := &services.ClientConnection{
		ID:    c.ClientIP() + "-" + ws.RemoteAddr().String(),
		Conn:  ws,
		Send:  make(chan services.WebSocketMessage, 256),
		Close: make(chan bool),
	}

	wc.Hub.Register(client)

	go readPump(client, wc.Hub)
	go writePump(client)
}

// readPump reads from the client until it disconnects or unsubscribes
func readPump(client *services.ClientConnection, hub *services.WebSocketHub) {
	defer func() {
		hub.Unregister(client.ID)
		close(client.Close)
		client.Conn.Close()
	}()

	for {
		var msg services.WebSocketMessage
		err := client.Conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] WebSocket error: %v", err)
			}
			return
		}

		// Control-frame pings are answered by the library; the feed is one-way
		switch msg.Type {
		case "unsubscribe":
			return
		default:
			log.Printf("[WS] Ignoring client message type: %s", msg.Type)
		}
	}
}

// writePump writes messages to the WebSocket client
func writePump(client *services.ClientConnection) {
	defer client.Conn.Close()

	for {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				// Channel closed, close connection
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn.WriteJSON(msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[WS] Write error: %v", err)
				}
				return
			}

		case <-client.Close:
			client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
