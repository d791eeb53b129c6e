// Package live implements the session server: the state machine bound to
// each client socket, from handshake and admission through broadcast fan-in
// to idempotent disconnect cleanup.
package live

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livedoc/api/internal/auth"
	"livedoc/api/internal/crdt"
	"livedoc/api/internal/notify"
	"livedoc/api/internal/perm"
	"livedoc/api/internal/presence"
	"livedoc/api/internal/store"
	"livedoc/api/internal/ws"
)

type dataStore interface {
	GetDocumentByShareToken(ctx context.Context, shareToken string) (store.Document, error)
	GetAccess(ctx context.Context, documentID, userID int64) (store.DocumentAccess, error)
	UpdateDocumentContent(ctx context.Context, documentID int64, content string) error
	SetDocumentLive(ctx context.Context, documentID int64, isLive bool) error
	UpsertLiveUser(ctx context.Context, liveUser store.LiveDocumentUser) error
	MarkLiveUserOffline(ctx context.Context, documentID, userID int64) error
}

// Hub wires the collaborators every session needs and owns the WebSocket
// endpoints.
type Hub struct {
	store       dataStore
	gate        *perm.Gate
	presence    *presence.RedisStore
	fabric      *ws.Fabric
	relay       *crdt.Relay
	fanout      *notify.Fanout
	verifier    *auth.Verifier
	groupSecret string
	logger      *zap.Logger

	upgrader websocket.Upgrader
}

func NewHub(dataStore dataStore, presenceStore *presence.RedisStore, fabric *ws.Fabric, relay *crdt.Relay, fanout *notify.Fanout, verifier *auth.Verifier, groupSecret string, logger *zap.Logger) *Hub {
	return &Hub{
		store:       dataStore,
		gate:        perm.NewGate(dataStore),
		presence:    presenceStore,
		fabric:      fabric,
		relay:       relay,
		fanout:      fanout,
		verifier:    verifier,
		groupSecret: groupSecret,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers cannot spoof other users here; admission is
			// decided by the token, not the origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the live endpoints on the mux.
func (h *Hub) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws/document-live/", h.HandleDocument)
	mux.HandleFunc("/ws/notifications/", h.HandleNotifications)
}

// HandleDocument serves /ws/document-live/{share_token}.
func (h *Hub) HandleDocument(w http.ResponseWriter, r *http.Request) {
	shareToken := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/document-live/"), "/")
	if shareToken == "" || strings.Contains(shareToken, "/") {
		http.NotFound(w, r)
		return
	}

	principal, authErr := h.verifier.FromRequest(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// The original protocol accepts the socket first so the client gets a
	// structured error before the close frame.
	if authErr != nil {
		h.reject(conn, CloseNotAuthenticated, "User is not logged in")
		return
	}

	ctx := r.Context()
	doc, err := h.store.GetDocumentByShareToken(ctx, shareToken)
	if errors.Is(err, store.ErrNotFound) {
		h.reject(conn, websocket.ClosePolicyViolation, "Document not found")
		return
	}
	if err != nil {
		h.logger.Error("document lookup failed", zap.String("share_token", shareToken), zap.Error(err))
		h.reject(conn, websocket.CloseInternalServerErr, "Could not resolve document")
		return
	}

	if !h.gate.CanJoin(principal.UserID, doc) {
		h.reject(conn, CloseJoinForbidden, "Document is not live")
		return
	}

	session := newSession(h, conn, principal, doc)
	session.run()
}

// HandleNotifications serves /ws/notifications/{user_id}: the private
// channel carrying notification and cross-tab count events.
func (h *Hub) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	rawID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/notifications/"), "/")
	pathUserID, parseErr := strconv.ParseInt(rawID, 10, 64)

	principal, authErr := h.verifier.FromRequest(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if authErr != nil {
		h.reject(conn, CloseNotAuthenticated, "User is not logged in")
		return
	}
	if parseErr != nil || pathUserID != principal.UserID {
		h.reject(conn, CloseJoinForbidden, "User ID does not match authenticated user")
		return
	}

	runNotificationSession(h, conn, principal)
}

// reject sends a structured error event followed by a close frame.
func (h *Hub) reject(conn *websocket.Conn, code int, message string) {
	_ = conn.WriteMessage(websocket.TextMessage, eventError(message))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, message))
	_ = conn.Close()
}

func newConnectionID() string {
	return uuid.NewString()
}
