package live

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"livedoc/api/internal/auth"
	"livedoc/api/internal/crdt"
	"livedoc/api/internal/notify"
	"livedoc/api/internal/presence"
	"livedoc/api/internal/store"
	wsfabric "livedoc/api/internal/ws"
)

type accessKey struct {
	documentID int64
	userID     int64
}

// fakeStore is an in-memory dataStore for session tests.
type fakeStore struct {
	mu            sync.Mutex
	docs          map[string]*store.Document
	accesses      map[accessKey]store.DocumentAccess
	liveUsers     map[accessKey]store.LiveDocumentUser
	notifications []store.Notification
	contentErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:      make(map[string]*store.Document),
		accesses:  make(map[accessKey]store.DocumentAccess),
		liveUsers: make(map[accessKey]store.LiveDocumentUser),
	}
}

func (f *fakeStore) GetDocumentByShareToken(ctx context.Context, shareToken string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[shareToken]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return *doc, nil
}

func (f *fakeStore) GetAccess(ctx context.Context, documentID, userID int64) (store.DocumentAccess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	access, ok := f.accesses[accessKey{documentID, userID}]
	if !ok {
		return store.DocumentAccess{}, store.ErrNotFound
	}
	return access, nil
}

func (f *fakeStore) UpdateDocumentContent(ctx context.Context, documentID int64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.contentErr != nil {
		return f.contentErr
	}
	for _, doc := range f.docs {
		if doc.ID == documentID {
			doc.Content = content
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) SetDocumentLive(ctx context.Context, documentID int64, isLive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range f.docs {
		if doc.ID == documentID {
			doc.IsLive = isLive
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) UpsertLiveUser(ctx context.Context, liveUser store.LiveDocumentUser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	liveUser.IsOnline = true
	f.liveUsers[accessKey{liveUser.DocumentID, liveUser.UserID}] = liveUser
	return nil
}

func (f *fakeStore) MarkLiveUserOffline(ctx context.Context, documentID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if liveUser, ok := f.liveUsers[accessKey{documentID, userID}]; ok {
		liveUser.IsOnline = false
		f.liveUsers[accessKey{documentID, userID}] = liveUser
	}
	return nil
}

func (f *fakeStore) CreateNotification(ctx context.Context, recipientID int64, message, kind string) (store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	notification := store.Notification{
		ID:          int64(len(f.notifications) + 1),
		RecipientID: recipientID,
		Message:     message,
		Kind:        kind,
		CreatedAt:   time.Now(),
	}
	f.notifications = append(f.notifications, notification)
	return notification, nil
}

func (f *fakeStore) content(shareToken string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[shareToken].Content
}

const testGroupSecret = "test-group-secret"

type testEnv struct {
	store    *fakeStore
	presence *presence.RedisStore
	fanout   *notify.Fanout
	verifier *auth.Verifier
	hub      *Hub
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zap.NewNop()
	fakeData := newFakeStore()
	fabric := wsfabric.NewFabric(nil, logger)
	t.Cleanup(func() { fabric.Close() })
	presenceStore := presence.NewRedisStoreWithClient(client, logger)
	fanout := notify.NewFanout(fakeData, fabric, testGroupSecret, logger)
	verifier := auth.NewVerifier("test-jwt-secret")

	hub := NewHub(fakeData, presenceStore, fabric, crdt.NewRelay(), fanout, verifier, testGroupSecret, logger)
	mux := http.NewServeMux()
	hub.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testEnv{
		store:    fakeData,
		presence: presenceStore,
		fanout:   fanout,
		verifier: verifier,
		hub:      hub,
		server:   server,
	}
}

func (e *testEnv) addDocument(t *testing.T, doc store.Document) {
	t.Helper()
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	copied := doc
	e.store.docs[doc.ShareToken] = &copied
}

func (e *testEnv) grantEdit(documentID, userID int64) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	e.store.accesses[accessKey{documentID, userID}] = store.DocumentAccess{
		DocumentID:     documentID,
		UserID:         userID,
		CanEdit:        true,
		AccessApproved: true,
	}
}

func (e *testEnv) revokeEdit(documentID, userID int64) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	e.store.accesses[accessKey{documentID, userID}] = store.DocumentAccess{
		DocumentID:     documentID,
		UserID:         userID,
		CanEdit:        false,
		AccessApproved: false,
	}
}

func (e *testEnv) token(t *testing.T, userID int64, name string) string {
	t.Helper()
	token, err := e.verifier.IssueToken(auth.Principal{
		UserID:    userID,
		FirstName: name,
		Email:     name + "@example.com",
		Color:     "#123456",
	}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + path
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) dialDocument(t *testing.T, shareToken string, userID int64, name string) *websocket.Conn {
	return e.dial(t, "/ws/document-live/"+shareToken, e.token(t, userID, name))
}

// readEvent reads the next text event within the deadline.
func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("expected text message, got type %d", msgType)
	}
	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("bad event %q: %v", data, err)
	}
	return event
}

// awaitEvent skips events until one of the wanted type arrives.
func awaitEvent(t *testing.T, conn *websocket.Conn, eventType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		event := readEvent(t, conn)
		if event["type"] == eventType {
			return event
		}
	}
	t.Fatalf("event %q never arrived", eventType)
	return nil
}

// expectClose asserts the connection is closed with the given code.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("expected close error, got %v", err)
		}
		if closeErr.Code != code {
			t.Fatalf("expected close code %d, got %d", code, closeErr.Code)
		}
		return
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, payload any) {
	t.Helper()
	if err := conn.WriteJSON(payload); err != nil {
		t.Fatalf("write json: %v", err)
	}
}

func liveDoc() store.Document {
	return store.Document{
		ID:         1,
		AdminID:    100,
		Name:       "Roadmap",
		Content:    "initial content",
		IsLive:     true,
		ShareToken: "room-token",
	}
}

func TestJoinWithoutCredentialCloses4001(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())

	conn := env.dial(t, "/ws/document-live/room-token", "")

	event := readEvent(t, conn)
	if event["type"] != "error" {
		t.Errorf("expected error event, got %v", event)
	}
	expectClose(t, conn, CloseNotAuthenticated)
}

func TestNonAdminCannotJoinNonLiveDocument(t *testing.T) {
	env := newTestEnv(t)
	doc := liveDoc()
	doc.IsLive = false
	env.addDocument(t, doc)

	conn := env.dialDocument(t, "room-token", 200, "bob")

	event := readEvent(t, conn)
	if event["type"] != "error" {
		t.Errorf("expected error event, got %v", event)
	}
	expectClose(t, conn, CloseJoinForbidden)
}

func TestAdminJoinsRegardlessOfLiveFlag(t *testing.T) {
	env := newTestEnv(t)
	doc := liveDoc()
	doc.IsLive = false
	env.addDocument(t, doc)

	conn := env.dialDocument(t, "room-token", 100, "admin")

	if event := awaitEvent(t, conn, "connection"); event["type"] != "connection" {
		t.Fatalf("unexpected event %v", event)
	}
}

func TestUnknownShareTokenAborts(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t, "/ws/document-live/no-such-room", env.token(t, 100, "admin"))

	event := readEvent(t, conn)
	if event["type"] != "error" {
		t.Errorf("expected error event, got %v", event)
	}
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestJoinDeliversSnapshotAndMemberList(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())

	conn := env.dialDocument(t, "room-token", 200, "bob")

	awaitEvent(t, conn, "connection")
	list := awaitEvent(t, conn, "live_users_list")
	users, ok := list["users"].([]any)
	if !ok || len(users) != 1 {
		t.Errorf("expected member list with self, got %v", list)
	}
	snapshot := awaitEvent(t, conn, "document_update")
	if snapshot["content"] != "initial content" {
		t.Errorf("unexpected snapshot %v", snapshot)
	}
}

func TestUpdateContentDeniedWithoutEditGrant(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())

	observer := env.dialDocument(t, "room-token", 100, "admin")
	awaitEvent(t, observer, "document_update") // join snapshot

	intruder := env.dialDocument(t, "room-token", 200, "bob")
	awaitEvent(t, intruder, "document_update")

	sendJSON(t, intruder, map[string]any{"type": "update_content", "content": "overwritten"})
	denial := awaitEvent(t, intruder, "error")
	if !strings.Contains(denial["message"].(string), "permission") {
		t.Errorf("unexpected denial message %v", denial)
	}

	// The observer's next document_update must come from the admin's own
	// write, proving the denied write broadcast nothing.
	sendJSON(t, observer, map[string]any{"type": "update_content", "content": "admin wrote this"})
	update := awaitEvent(t, observer, "document_update")
	if update["content"] != "admin wrote this" {
		t.Errorf("denied update leaked into the room: %v", update)
	}
	if env.store.content("room-token") != "admin wrote this" {
		t.Errorf("store content = %q", env.store.content("room-token"))
	}
}

func TestUpdateContentBroadcastsToRoom(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())
	env.grantEdit(1, 200)

	admin := env.dialDocument(t, "room-token", 100, "admin")
	awaitEvent(t, admin, "document_update")
	editor := env.dialDocument(t, "room-token", 200, "bob")
	awaitEvent(t, editor, "document_update")

	sendJSON(t, editor, map[string]any{"type": "update_content", "content": "bob's edit"})

	update := awaitEvent(t, admin, "document_update")
	if update["content"] != "bob's edit" {
		t.Errorf("unexpected broadcast %v", update)
	}
	if env.store.content("room-token") != "bob's edit" {
		t.Errorf("content not persisted, got %q", env.store.content("room-token"))
	}
}

func TestEditRevocationBitesMidSession(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())
	env.grantEdit(1, 200)

	editor := env.dialDocument(t, "room-token", 200, "bob")
	awaitEvent(t, editor, "document_update")

	sendJSON(t, editor, map[string]any{"type": "update_content", "content": "first"})
	awaitEvent(t, editor, "document_update")

	env.revokeEdit(1, 200)

	sendJSON(t, editor, map[string]any{"type": "update_content", "content": "second"})
	awaitEvent(t, editor, "error")
	if env.store.content("room-token") != "first" {
		t.Errorf("revoked user still wrote content: %q", env.store.content("room-token"))
	}
}

func TestPersistenceFailureIsLocalOnly(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())

	admin := env.dialDocument(t, "room-token", 100, "admin")
	awaitEvent(t, admin, "document_update")

	env.store.mu.Lock()
	env.store.contentErr = errors.New("disk full")
	env.store.mu.Unlock()

	sendJSON(t, admin, map[string]any{"type": "update_content", "content": "lost"})
	failure := awaitEvent(t, admin, "error")
	if !strings.Contains(failure["message"].(string), "save") {
		t.Errorf("unexpected error message %v", failure)
	}
}

func TestSetLiveRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())
	env.grantEdit(1, 200)

	editor := env.dialDocument(t, "room-token", 200, "bob")
	awaitEvent(t, editor, "document_update")

	sendJSON(t, editor, map[string]any{"type": "set_live", "status": false})
	denial := awaitEvent(t, editor, "error")
	if !strings.Contains(denial["message"].(string), "admin") {
		t.Errorf("unexpected denial %v", denial)
	}
}

func TestSetLiveSameStatusIsLocalNoop(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())

	admin := env.dialDocument(t, "room-token", 100, "admin")
	awaitEvent(t, admin, "document_update")

	sendJSON(t, admin, map[string]any{"type": "set_live", "status": true})
	noop := awaitEvent(t, admin, "error")
	if !strings.Contains(noop["message"].(string), "unchanged") {
		t.Errorf("unexpected noop message %v", noop)
	}
}

func TestSetLiveFalseForcesNonAdminsOut(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())
	env.grantEdit(1, 200)

	admin := env.dialDocument(t, "room-token", 100, "admin")
	awaitEvent(t, admin, "document_update")
	editor := env.dialDocument(t, "room-token", 200, "bob")
	awaitEvent(t, editor, "document_update")
	awaitEvent(t, admin, "user_joined")

	sendJSON(t, admin, map[string]any{"type": "set_live", "status": false})

	awaitEvent(t, editor, "force_disconnect")
	expectClose(t, editor, CloseJoinForbidden)

	// The admin stays connected and can keep operating.
	awaitEvent(t, admin, "document_live")
	sendJSON(t, admin, map[string]any{"type": "update_content", "content": "still here"})
	awaitEvent(t, admin, "document_update")
}

func TestCommentRelayedNotPersisted(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())

	admin := env.dialDocument(t, "room-token", 100, "admin")
	awaitEvent(t, admin, "document_update")
	viewer := env.dialDocument(t, "room-token", 200, "bob")
	awaitEvent(t, viewer, "document_update")

	sendJSON(t, admin, map[string]any{
		"type": "comment",
		"comment": map[string]any{
			"action":       "create",
			"id":           7,
			"content":      "looks good",
			"commented_at": "2026-08-31T12:00:00Z",
		},
	})

	relayed := awaitEvent(t, viewer, "new_comment")
	comment, ok := relayed["comment"].(map[string]any)
	if !ok || comment["content"] != "looks good" {
		t.Errorf("unexpected relayed comment %v", relayed)
	}
}

func TestDisconnectUpdatesPresenceAndNotifiesRoom(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())

	first := env.dialDocument(t, "room-token", 100, "admin")
	awaitEvent(t, first, "document_update")
	second := env.dialDocument(t, "room-token", 200, "bob")
	awaitEvent(t, second, "document_update")
	third := env.dialDocument(t, "room-token", 300, "carol")
	awaitEvent(t, third, "document_update")

	ctx := context.Background()
	waitForCount(t, env, 3)

	third.Close()

	awaitEvent(t, first, "user_left")
	members := awaitEvent(t, first, "live_members")
	if members["count"] != float64(2) {
		t.Errorf("expected live_members count 2, got %v", members["count"])
	}
	if count := env.presence.Count(ctx, "room-token"); count != 2 {
		t.Errorf("presence count = %d, want 2", count)
	}
}

// serverSideConn upgrades a throwaway endpoint and hands back the
// server-side half of the socket, so a session can be driven directly.
func serverSideConn(t *testing.T) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- conn
	}))
	t.Cleanup(server.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-connCh:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("server side of the socket never arrived")
		return nil
	}
}

func TestDisconnectCleanupIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())

	observer := env.dialDocument(t, "room-token", 100, "admin")
	awaitEvent(t, observer, "document_update")

	ctx := context.Background()
	doc, err := env.store.GetDocumentByShareToken(ctx, "room-token")
	if err != nil {
		t.Fatalf("load document: %v", err)
	}

	// Drive a session by hand so cleanup can be invoked more than once,
	// as happens when a read error and a write error race.
	sess := newSession(env.hub, serverSideConn(t), auth.Principal{UserID: 200, FirstName: "bob"}, doc)
	go sess.writeLoop()
	sess.join(ctx)
	waitForCount(t, env, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.close()
		}()
	}
	wg.Wait()
	sess.close()

	if count := env.presence.Count(ctx, "room-token"); count != 1 {
		t.Errorf("presence count = %d, want 1 (no double-decrement)", count)
	}

	awaitEvent(t, observer, "user_left")
	members := awaitEvent(t, observer, "live_members")
	if members["count"] != float64(1) {
		t.Errorf("live_members count = %v, want 1", members["count"])
	}
}

func waitForCount(t *testing.T, env *testEnv, expected int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if env.presence.Count(context.Background(), "room-token") == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("presence count never reached %d", expected)
}

func TestMalformedTextFrameKeepsConnectionAlive(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())

	admin := env.dialDocument(t, "room-token", 100, "admin")
	awaitEvent(t, admin, "document_update")

	if err := admin.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	awaitEvent(t, admin, "error")

	// Still operational afterwards.
	sendJSON(t, admin, map[string]any{"type": "update_content", "content": "alive"})
	awaitEvent(t, admin, "document_update")
}

func TestBinaryRelayBetweenClients(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())

	sender := env.dialDocument(t, "room-token", 100, "admin")
	awaitEvent(t, sender, "document_update")
	receiver := env.dialDocument(t, "room-token", 200, "bob")
	awaitEvent(t, receiver, "document_update")
	awaitEvent(t, sender, "user_joined")

	update := append([]byte{crdt.FrameUpdate}, crdt.EncodeUpdate(crdt.Op{Actor: 9, Seq: 1, Payload: []byte("edit")})...)
	if err := sender.WriteMessage(websocket.BinaryMessage, update); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	frame := awaitBinary(t, receiver)
	if string(frame) != string(update) {
		t.Error("forwarded frame differs from the raw inbound frame")
	}
}

func TestSyncRequestReturnsRoomState(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())

	sender := env.dialDocument(t, "room-token", 100, "admin")
	awaitEvent(t, sender, "document_update")

	update := append([]byte{crdt.FrameUpdate}, crdt.EncodeUpdate(crdt.Op{Actor: 9, Seq: 1, Payload: []byte("edit")})...)
	if err := sender.WriteMessage(websocket.BinaryMessage, update); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	// A late joiner syncs from scratch and converges.
	late := env.dialDocument(t, "room-token", 200, "bob")
	awaitEvent(t, late, "document_update")

	request := append([]byte{crdt.FrameSyncRequest}, crdt.EncodeStateVector(crdt.StateVector{})...)
	if err := late.WriteMessage(websocket.BinaryMessage, request); err != nil {
		t.Fatalf("write sync request: %v", err)
	}

	reply := awaitBinary(t, late)
	if reply[0] != crdt.FrameUpdate {
		t.Fatalf("expected update frame, got type %#x", reply[0])
	}
	peer := crdt.NewReplica()
	if err := peer.ApplyUpdate(reply[1:]); err != nil {
		t.Fatalf("apply sync reply: %v", err)
	}
	if peer.Vector()[9] != 1 {
		t.Error("sync reply missing room state")
	}
}

func TestMalformedBinaryFrameIsDropped(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())

	admin := env.dialDocument(t, "room-token", 100, "admin")
	awaitEvent(t, admin, "document_update")

	// Unknown type byte, and an update claiming an absurd op count.
	hugeCount := append([]byte{crdt.FrameUpdate}, binary.AppendUvarint(nil, 1<<62)...)
	for _, frame := range [][]byte{{0x55, 0x01, 0x02}, hugeCount} {
		if err := admin.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	// Connection survives and keeps working.
	sendJSON(t, admin, map[string]any{"type": "update_content", "content": "fine"})
	awaitEvent(t, admin, "document_update")
}

func awaitBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read binary: %v", err)
		}
		if msgType == websocket.BinaryMessage {
			return data
		}
	}
}

func TestNotificationChannelRejectsMismatchedUser(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t, "/ws/notifications/999", env.token(t, 200, "bob"))

	event := readEvent(t, conn)
	if event["type"] != "error" {
		t.Errorf("expected error event, got %v", event)
	}
	expectClose(t, conn, CloseJoinForbidden)
}

func TestNotificationChannelDeliversFanout(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t, "/ws/notifications/"+strconv.Itoa(200), env.token(t, 200, "bob"))
	awaitEvent(t, conn, "CONNECTED")

	err := env.fanout.Notify(context.Background(), 200, "Your access to 'Roadmap' has been granted.", "success", map[string]any{
		"doc_id":          int64(1),
		"approved_access": true,
	})
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	event := awaitEvent(t, conn, "notification")
	if event["approved_access"] != true {
		t.Errorf("missing approved_access extra: %v", event)
	}
	payload, ok := event["payload"].(map[string]any)
	if !ok || payload["type"] != "success" {
		t.Errorf("unexpected payload %v", event)
	}
}

func TestLiveMemberCountReachesPrivateChannels(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, liveDoc())

	private := env.dial(t, "/ws/notifications/100", env.token(t, 100, "admin"))
	awaitEvent(t, private, "CONNECTED")

	room := env.dialDocument(t, "room-token", 100, "admin")
	awaitEvent(t, room, "document_update")

	// Another tab of the same user sees the count via the private group.
	count := awaitEvent(t, private, "notify_live_member_count")
	if count["count"] != float64(1) {
		t.Errorf("expected count 1, got %v", count["count"])
	}
}
