package live

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livedoc/api/internal/auth"
	"livedoc/api/internal/crdt"
	"livedoc/api/internal/presence"
	"livedoc/api/internal/store"
	"livedoc/api/internal/ws"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

type outMessage struct {
	binary bool
	data   []byte
}

// session is the state machine bound to one live document socket. It owns
// a writer goroutine (per-sender ordering), two group subscriptions, and an
// idempotent teardown.
type session struct {
	hub       *Hub
	conn      *websocket.Conn
	principal auth.Principal
	doc       store.Document
	connID    string
	docGroup  string

	replica *crdt.Replica
	docSub  *ws.Subscription
	userSub *ws.Subscription

	out       chan outMessage
	done      chan struct{}
	closeOnce sync.Once
	closeCode atomic.Int32

	logger *zap.Logger
}

func newSession(h *Hub, conn *websocket.Conn, principal auth.Principal, doc store.Document) *session {
	s := &session{
		hub:       h,
		conn:      conn,
		principal: principal,
		doc:       doc,
		connID:    newConnectionID(),
		docGroup:  ws.DocGroup(doc.ShareToken),
		out:       make(chan outMessage, 64),
		done:      make(chan struct{}),
		logger: h.logger.With(
			zap.Int64("user_id", principal.UserID),
			zap.String("share_token", doc.ShareToken),
		),
	}
	s.closeCode.Store(websocket.CloseNormalClosure)
	return s
}

// run drives the connection to completion. It returns when the socket is
// gone and cleanup has happened.
func (s *session) run() {
	ctx := context.Background()

	go s.writeLoop()
	s.join(ctx)
	go s.pumpGroups()
	s.readLoop(ctx)
	s.close()
}

// join registers the connection everywhere it must be visible: presence
// set, LiveDocumentUser row, CRDT room, both broadcast groups. The joiner
// then receives the member list and document snapshot, and everyone else
// learns about the new member.
func (s *session) join(ctx context.Context) {
	profile := presence.Profile{
		UserID:    s.principal.UserID,
		FirstName: s.principal.FirstName,
		LastName:  s.principal.LastName,
		Email:     s.principal.Email,
		Color:     s.principal.Color,
	}

	s.replica = s.hub.relay.Acquire(s.doc.ShareToken)
	s.hub.presence.Join(ctx, s.doc.ShareToken, profile)

	if err := s.hub.store.UpsertLiveUser(ctx, store.LiveDocumentUser{
		DocumentID: s.doc.ID,
		UserID:     s.principal.UserID,
		FirstName:  s.principal.FirstName,
		LastName:   s.principal.LastName,
		Email:      s.principal.Email,
		Color:      s.principal.Color,
	}); err != nil {
		s.logger.Warn("live user upsert failed", zap.Error(err))
	}

	s.docSub = s.hub.fabric.Subscribe(s.docGroup)
	s.userSub = s.hub.fabric.Subscribe(ws.UserGroup(s.hub.groupSecret, s.principal.UserID))

	members := s.hub.presence.ListMembers(ctx, s.doc.ShareToken)
	s.send(eventConnection())
	s.send(eventLiveUsersList(members))
	s.send(eventDocumentUpdate(s.doc.Content))

	s.publishText(ctx, eventUserJoined(profile))
	s.broadcastMemberCount(ctx, members)

	s.logger.Info("session joined")
}

// readLoop demultiplexes inbound traffic until the socket errors.
func (s *session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			s.handleText(ctx, data)
		case websocket.BinaryMessage:
			s.handleBinary(ctx, data)
		}
	}
}

func (s *session) handleText(ctx context.Context, data []byte) {
	msg, err := parseInbound(data)
	if err != nil {
		s.logger.Warn("malformed text message", zap.Error(err))
		s.send(eventError("Invalid message format."))
		return
	}

	switch msg.Type {
	case inboundUpdateContent:
		s.handleUpdateContent(ctx, msg.Content)
	case inboundSetLive:
		s.handleSetLive(ctx, msg.Status)
	case inboundComment:
		s.handleComment(ctx, msg.Comment)
	default:
		s.send(eventError("Unknown message type."))
	}
}

func (s *session) handleUpdateContent(ctx context.Context, content string) {
	allowed, err := s.hub.gate.CanEdit(ctx, s.principal.UserID, s.doc)
	if err != nil {
		s.logger.Error("edit permission check failed", zap.Error(err))
		s.send(eventError("Could not verify edit permission."))
		return
	}
	if !allowed {
		s.send(eventError("You do not have permission to edit this document."))
		return
	}

	if err := s.hub.store.UpdateDocumentContent(ctx, s.doc.ID, content); err != nil {
		// A failed save is reported to the sender only; broadcasting
		// would tell the room the write succeeded.
		s.logger.Error("content save failed", zap.Error(err))
		s.send(eventError("Failed to save document content."))
		return
	}
	s.doc.Content = content
	s.publishText(ctx, eventDocumentUpdate(content))
}

func (s *session) handleSetLive(ctx context.Context, status *bool) {
	if !s.hub.gate.CanAdministrate(s.principal.UserID, s.doc) {
		s.send(eventError("Only the admin can change the live status."))
		return
	}
	if status == nil {
		s.send(eventError("Missing live status."))
		return
	}

	// Another connection of the admin may have flipped it already.
	current, err := s.hub.store.GetDocumentByShareToken(ctx, s.doc.ShareToken)
	if err != nil {
		s.logger.Error("document refresh failed", zap.Error(err))
		s.send(eventError("Could not change live status."))
		return
	}
	if current.IsLive == *status {
		s.send(eventError("Document live status is unchanged."))
		return
	}

	if err := s.hub.store.SetDocumentLive(ctx, s.doc.ID, *status); err != nil {
		s.logger.Error("set live failed", zap.Error(err))
		s.send(eventError("Could not change live status."))
		return
	}
	s.doc.IsLive = *status

	s.publishText(ctx, eventDocumentLive(*status))
	if !*status {
		// Non-admin sessions drop themselves when they see this.
		s.publishText(ctx, eventForceDisconnect())
	}
}

func (s *session) handleComment(ctx context.Context, raw []byte) {
	if len(raw) == 0 {
		s.send(eventError("Missing comment payload."))
		return
	}
	var envelope commentEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.logger.Warn("malformed comment payload", zap.Error(err))
		s.send(eventError("Invalid comment payload."))
		return
	}
	s.publishText(ctx, eventComment(envelope.Action, raw))
}

// handleBinary relays a CRDT frame. Participation does not require edit
// permission: admission to the room is the gate on this path, and merges
// are conflict-free at the CRDT layer.
func (s *session) handleBinary(ctx context.Context, frame []byte) {
	reply, forward, err := crdt.HandleFrame(s.replica, frame)
	if err != nil {
		s.logger.Warn("dropped malformed binary frame", zap.Error(err))
		return
	}
	if reply != nil {
		s.sendBinary(reply)
	}
	if forward != nil {
		s.hub.fabric.Publish(ctx, s.docGroup, ws.Event{Sender: s.connID, Binary: true, Data: forward})
	}
}

// pumpGroups moves fabric events to the socket, applying the local
// filtering rules: own binary frames are skipped, force_disconnect only
// applies to non-admins.
func (s *session) pumpGroups() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.docSub.C:
			s.handleGroupEvent(event)
		case event := <-s.userSub.C:
			s.send(event.Data)
		}
	}
}

func (s *session) handleGroupEvent(event ws.Event) {
	if event.Binary {
		if event.Sender == s.connID {
			return
		}
		s.sendBinary(event.Data)
		return
	}

	if peekType(event.Data) == "force_disconnect" {
		if s.hub.gate.CanAdministrate(s.principal.UserID, s.doc) {
			return
		}
		s.send(event.Data)
		s.closeCode.Store(CloseJoinForbidden)
		s.close()
		return
	}
	s.send(event.Data)
}

func (s *session) send(data []byte) {
	select {
	case s.out <- outMessage{data: data}:
	case <-s.done:
	}
}

func (s *session) sendBinary(data []byte) {
	select {
	case s.out <- outMessage{binary: true, data: data}:
	case <-s.done:
	}
}

func (s *session) publishText(ctx context.Context, data []byte) {
	s.hub.fabric.Publish(ctx, s.docGroup, ws.Event{Sender: s.connID, Data: data})
}

func (s *session) broadcastMemberCount(ctx context.Context, members []presence.Profile) {
	count := s.hub.presence.Count(ctx, s.doc.ShareToken)
	s.publishText(ctx, eventLiveMembers(count))

	userIDs := make([]int64, 0, len(members))
	for _, member := range members {
		userIDs = append(userIDs, member.UserID)
	}
	s.hub.fanout.PublishLiveMemberCount(ctx, userIDs, s.doc.ID, count)
}

// writeLoop is the only goroutine that writes to the socket. After done it
// drains queued events best-effort, then sends the close frame.
func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			s.drain()
			code := int(s.closeCode.Load())
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
			_ = s.conn.Close()
			return
		case msg := <-s.out:
			if err := s.write(msg); err != nil {
				s.close()
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
			}
		}
	}
}

func (s *session) drain() {
	for {
		select {
		case msg := <-s.out:
			if err := s.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) write(msg outMessage) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	msgType := websocket.TextMessage
	if msg.binary {
		msgType = websocket.BinaryMessage
	}
	return s.conn.WriteMessage(msgType, msg.data)
}

// close runs disconnect cleanup exactly once, however many times and from
// whichever goroutine it is called.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.docSub.Close()
		s.userSub.Close()
		s.hub.relay.Release(s.doc.ShareToken)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.hub.presence.Leave(ctx, s.doc.ShareToken, s.principal.UserID)
		if err := s.hub.store.MarkLiveUserOffline(ctx, s.doc.ID, s.principal.UserID); err != nil {
			s.logger.Warn("mark live user offline failed", zap.Error(err))
		}

		s.hub.fabric.Publish(ctx, s.docGroup, ws.Event{Sender: s.connID, Data: eventUserLeft(s.principal.UserID)})

		members := s.hub.presence.ListMembers(ctx, s.doc.ShareToken)
		count := s.hub.presence.Count(ctx, s.doc.ShareToken)
		s.hub.fabric.Publish(ctx, s.docGroup, ws.Event{Sender: s.connID, Data: eventLiveMembers(count)})

		// The leaver's own subscriptions are gone by now, so their other
		// tabs learn the final count via the private group.
		userIDs := []int64{s.principal.UserID}
		for _, member := range members {
			userIDs = append(userIDs, member.UserID)
		}
		s.hub.fanout.PublishLiveMemberCount(ctx, userIDs, s.doc.ID, count)

		s.logger.Info("session closed")
	})
}
