package live

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livedoc/api/internal/auth"
	"livedoc/api/internal/ws"
)

// runNotificationSession pumps a user's private group to their socket.
// There is no inbound protocol on this channel; reads only feed keepalive
// and close detection.
func runNotificationSession(h *Hub, conn *websocket.Conn, principal auth.Principal) {
	sub := h.fabric.Subscribe(ws.UserGroup(h.groupSecret, principal.UserID))
	defer sub.Close()

	logger := h.logger.With(zap.Int64("user_id", principal.UserID))

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, eventConnected()); err != nil {
		_ = conn.Close()
		return
	}
	logger.Info("notification session connected")

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			logger.Info("notification session closed")
			return
		case event := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, event.Data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
