package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"livedoc/api/internal/auth"
	"livedoc/api/internal/notify"
	"livedoc/api/internal/perm"
	"livedoc/api/internal/store"
	"livedoc/api/internal/ws"
)

// dataStore is the slice of the store the boundary operations touch.
type dataStore interface {
	Ping(ctx context.Context) error
	GetDocumentByShareToken(ctx context.Context, shareToken string) (store.Document, error)
	GetDocumentByID(ctx context.Context, documentID int64) (store.Document, error)
	InsertDocument(ctx context.Context, doc store.Document) (store.Document, error)
	GetAccess(ctx context.Context, documentID, userID int64) (store.DocumentAccess, error)
	GetAccessByID(ctx context.Context, accessID int64) (store.DocumentAccess, error)
	UpsertAccessRequest(ctx context.Context, documentID, userID int64, requestAt time.Time) (store.DocumentAccess, error)
	UpsertAccessGrant(ctx context.Context, documentID, userID int64, canEdit bool, approvedAt time.Time) (store.DocumentAccess, error)
	RevokeAccess(ctx context.Context, accessID int64) (store.DocumentAccess, error)
	ListAccessesForAdmin(ctx context.Context, adminID int64) ([]store.DocumentAccess, error)
	ListLiveUsers(ctx context.Context, documentID int64) ([]store.LiveDocumentUser, error)
	CreateComment(ctx context.Context, documentID, userID int64, content string) (store.Comment, error)
	UpdateComment(ctx context.Context, commentID int64, content string) (store.Comment, error)
	GetComment(ctx context.Context, commentID int64) (store.Comment, error)
	ListComments(ctx context.Context, documentID int64) ([]store.Comment, error)
	GetUser(ctx context.Context, userID int64) (store.User, error)
	ListNotifications(ctx context.Context, recipientID int64) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID, recipientID int64) error
}

type Service struct {
	store  dataStore
	gate   *perm.Gate
	fabric *ws.Fabric
	fanout *notify.Fanout
	logger *zap.Logger
}

func NewService(dataStore dataStore, gate *perm.Gate, fabric *ws.Fabric, fanout *notify.Fanout, logger *zap.Logger) *Service {
	return &Service{
		store:  dataStore,
		gate:   gate,
		fabric: fabric,
		fanout: fanout,
		logger: logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type CreateDocumentInput struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Summary string `json:"summary"`
}

func (s *Service) CreateDocument(ctx context.Context, principal auth.Principal, input CreateDocumentInput) (map[string]any, error) {
	if input.Name == "" {
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "Document name is required", nil)
	}

	doc, err := s.store.InsertDocument(ctx, store.Document{
		AdminID:    principal.UserID,
		Name:       input.Name,
		Content:    input.Content,
		Summary:    input.Summary,
		ShareToken: uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	return documentPayload(doc), nil
}

// DocumentByToken returns the document with the viewer's standing attached:
// admins and approved collaborators see where they stand before connecting.
func (s *Service) DocumentByToken(ctx context.Context, principal auth.Principal, shareToken string) (map[string]any, error) {
	doc, err := s.store.GetDocumentByShareToken(ctx, shareToken)
	if err != nil {
		return nil, err
	}

	payload := documentPayload(doc)
	payload["is_admin"] = doc.AdminID == principal.UserID

	if doc.AdminID != principal.UserID {
		access, err := s.store.GetAccess(ctx, doc.ID, principal.UserID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			payload["access"] = nil
		case err != nil:
			return nil, fmt.Errorf("load access: %w", err)
		default:
			payload["access"] = accessPayload(access)
		}
	}
	return payload, nil
}

// LiveAccess answers whether the caller could join the room right now.
// The verdict mirrors the admission gate; the socket handshake re-decides
// against current state, so a stale CAN_CONNECT is not a promise.
func (s *Service) LiveAccess(ctx context.Context, principal auth.Principal, documentID int64) (map[string]any, error) {
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}

	verdict := "CAN_NOT_CONNECT"
	if s.gate.CanJoin(principal.UserID, doc) {
		verdict = "CAN_CONNECT"
	}
	return map[string]any{
		"access":  verdict,
		"is_live": doc.IsLive,
	}, nil
}

// LiveUsers lists the historical room participants with their online flag.
func (s *Service) LiveUsers(ctx context.Context, principal auth.Principal, shareToken string) ([]map[string]any, error) {
	doc, err := s.store.GetDocumentByShareToken(ctx, shareToken)
	if err != nil {
		return nil, err
	}
	if !s.gate.CanJoin(principal.UserID, doc) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "You do not have access to this document", nil)
	}

	liveUsers, err := s.store.ListLiveUsers(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("list live users: %w", err)
	}
	payload := make([]map[string]any, 0, len(liveUsers))
	for _, liveUser := range liveUsers {
		payload = append(payload, map[string]any{
			"user_id":    liveUser.UserID,
			"first_name": liveUser.FirstName,
			"last_name":  liveUser.LastName,
			"email":      liveUser.Email,
			"color":      liveUser.Color,
			"is_online":  liveUser.IsOnline,
		})
	}
	return payload, nil
}

// RequestAccess records the ask and notifies the document admin. Repeating
// the request refreshes the timestamp without touching an earlier approval.
func (s *Service) RequestAccess(ctx context.Context, principal auth.Principal, shareToken string) (map[string]any, error) {
	doc, err := s.store.GetDocumentByShareToken(ctx, shareToken)
	if err != nil {
		return nil, err
	}
	if doc.AdminID == principal.UserID {
		return nil, domainError(http.StatusBadRequest, "ALREADY_ADMIN", "You are the admin of this document", nil)
	}

	access, err := s.store.UpsertAccessRequest(ctx, doc.ID, principal.UserID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert access request: %w", err)
	}

	message := fmt.Sprintf("%s requested access to '%s'.", principal.DisplayName(), doc.Name)
	if err := s.fanout.Notify(ctx, doc.AdminID, message, "info", map[string]any{
		"doc_id":     doc.ID,
		"access_obj": accessPayload(access),
	}); err != nil {
		s.logger.Error("access request notification failed", zap.Error(err))
	}
	return accessPayload(access), nil
}

type GrantAccessInput struct {
	DocumentID int64 `json:"doc_id"`
	UserID     int64 `json:"user_id"`
	CanEdit    bool  `json:"can_edit"`
}

// GrantAccess lets the admin hand out access without a prior request.
func (s *Service) GrantAccess(ctx context.Context, principal auth.Principal, input GrantAccessInput) (map[string]any, error) {
	doc, err := s.store.GetDocumentByID(ctx, input.DocumentID)
	if err != nil {
		return nil, err
	}
	if !s.gate.CanAdministrate(principal.UserID, doc) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the admin can grant access", nil)
	}
	if input.UserID == doc.AdminID {
		return nil, domainError(http.StatusBadRequest, "ALREADY_ADMIN", "The admin does not need an access grant", nil)
	}

	access, err := s.store.UpsertAccessGrant(ctx, doc.ID, input.UserID, input.CanEdit, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert access grant: %w", err)
	}
	s.notifyAccessChange(ctx, doc, access, true)
	return accessPayload(access), nil
}

type ApproveAccessInput struct {
	CanEdit *bool `json:"can_edit"`
}

// ApproveAccess flips a pending request to approved. can_edit defaults to
// whatever the row already carries.
func (s *Service) ApproveAccess(ctx context.Context, principal auth.Principal, accessID int64, input ApproveAccessInput) (map[string]any, error) {
	access, err := s.store.GetAccessByID(ctx, accessID)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocumentByID(ctx, access.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if !s.gate.CanAdministrate(principal.UserID, doc) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the admin can approve access", nil)
	}

	canEdit := access.CanEdit
	if input.CanEdit != nil {
		canEdit = *input.CanEdit
	}
	granted, err := s.store.UpsertAccessGrant(ctx, access.DocumentID, access.UserID, canEdit, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert access grant: %w", err)
	}
	s.notifyAccessChange(ctx, doc, granted, true)
	return accessPayload(granted), nil
}

// RevokeAccess withdraws approval. The next permission check a live session
// makes sees the revocation; nothing is cached.
func (s *Service) RevokeAccess(ctx context.Context, principal auth.Principal, accessID int64) (map[string]any, error) {
	access, err := s.store.GetAccessByID(ctx, accessID)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocumentByID(ctx, access.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if !s.gate.CanAdministrate(principal.UserID, doc) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the admin can revoke access", nil)
	}

	revoked, err := s.store.RevokeAccess(ctx, accessID)
	if err != nil {
		return nil, fmt.Errorf("revoke access: %w", err)
	}
	s.notifyAccessChange(ctx, doc, revoked, false)
	return accessPayload(revoked), nil
}

// AccessRequests lists every access row on the caller's documents, so the
// admin can act on pending requests.
func (s *Service) AccessRequests(ctx context.Context, principal auth.Principal) ([]map[string]any, error) {
	accesses, err := s.store.ListAccessesForAdmin(ctx, principal.UserID)
	if err != nil {
		return nil, fmt.Errorf("list accesses: %w", err)
	}
	payload := make([]map[string]any, 0, len(accesses))
	for _, access := range accesses {
		entry := accessPayload(access)
		if user, err := s.store.GetUser(ctx, access.UserID); err == nil {
			entry["user"] = userPayload(user)
		}
		payload = append(payload, entry)
	}
	return payload, nil
}

func (s *Service) notifyAccessChange(ctx context.Context, doc store.Document, access store.DocumentAccess, approved bool) {
	message := fmt.Sprintf("Your access to '%s' has been granted.", doc.Name)
	kind := "success"
	extra := map[string]any{
		"doc_id":          doc.ID,
		"approved_access": true,
		"access_obj":      accessPayload(access),
	}
	if !approved {
		message = fmt.Sprintf("Your access to '%s' has been revoked.", doc.Name)
		kind = "warning"
		delete(extra, "approved_access")
		extra["revoked_access"] = true
	}
	if err := s.fanout.Notify(ctx, access.UserID, message, kind, extra); err != nil {
		s.logger.Error("access change notification failed", zap.Error(err))
	}
}

// CreateComment persists the comment and, while the document is live,
// pushes it into the room so open sessions see it without polling.
func (s *Service) CreateComment(ctx context.Context, principal auth.Principal, documentID int64, content string) (map[string]any, error) {
	if content == "" {
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "Comment content is required", nil)
	}
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !s.gate.CanJoin(principal.UserID, doc) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "You do not have access to this document", nil)
	}

	comment, err := s.store.CreateComment(ctx, doc.ID, principal.UserID, content)
	if err != nil {
		return nil, fmt.Errorf("create comment: %w", err)
	}

	payload := commentPayload(comment, principal)
	if doc.IsLive {
		s.broadcastComment(ctx, doc.ShareToken, "new_comment", payload)
	}
	return payload, nil
}

// UpdateComment allows the author to edit their own comment.
func (s *Service) UpdateComment(ctx context.Context, principal auth.Principal, commentID int64, content string) (map[string]any, error) {
	if content == "" {
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "Comment content is required", nil)
	}
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if comment.UserID != principal.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author can edit a comment", nil)
	}

	updated, err := s.store.UpdateComment(ctx, commentID, content)
	if err != nil {
		return nil, fmt.Errorf("update comment: %w", err)
	}

	doc, err := s.store.GetDocumentByID(ctx, comment.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	payload := commentPayload(updated, principal)
	if doc.IsLive {
		s.broadcastComment(ctx, doc.ShareToken, "update_comment", payload)
	}
	return payload, nil
}

func (s *Service) broadcastComment(ctx context.Context, shareToken, eventType string, payload map[string]any) {
	data, err := json.Marshal(map[string]any{
		"type":    eventType,
		"comment": payload,
	})
	if err != nil {
		s.logger.Error("marshal comment event failed", zap.Error(err))
		return
	}
	s.fabric.Publish(ctx, ws.DocGroup(shareToken), ws.Event{Data: data})
}

// Comments lists a document's comments with their authors resolved.
func (s *Service) Comments(ctx context.Context, principal auth.Principal, documentID int64) ([]map[string]any, error) {
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !s.gate.CanJoin(principal.UserID, doc) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "You do not have access to this document", nil)
	}

	comments, err := s.store.ListComments(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}

	authors := make(map[int64]store.User)
	payload := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		author, ok := authors[comment.UserID]
		if !ok {
			author, err = s.store.GetUser(ctx, comment.UserID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("load comment author: %w", err)
			}
			authors[comment.UserID] = author
		}
		payload = append(payload, map[string]any{
			"id":           comment.ID,
			"doc_id":       comment.DocumentID,
			"user":         userPayload(author),
			"content":      comment.Content,
			"commented_at": comment.CommentedAt,
			"updated_at":   comment.UpdatedAt,
		})
	}
	return payload, nil
}

func (s *Service) Notifications(ctx context.Context, principal auth.Principal) ([]map[string]any, error) {
	notifications, err := s.store.ListNotifications(ctx, principal.UserID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	payload := make([]map[string]any, 0, len(notifications))
	for _, notification := range notifications {
		payload = append(payload, map[string]any{
			"id":         notification.ID,
			"message":    notification.Message,
			"type":       notification.Kind,
			"is_read":    notification.IsRead,
			"created_at": notification.CreatedAt,
		})
	}
	return payload, nil
}

func (s *Service) ReadNotification(ctx context.Context, principal auth.Principal, notificationID int64) error {
	return s.store.MarkNotificationRead(ctx, notificationID, principal.UserID)
}

func documentPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":          doc.ID,
		"admin_id":    doc.AdminID,
		"name":        doc.Name,
		"content":     doc.Content,
		"summary":     doc.Summary,
		"is_live":     doc.IsLive,
		"share_token": doc.ShareToken,
		"created_at":  doc.CreatedAt,
		"updated_at":  doc.UpdatedAt,
	}
}

func accessPayload(access store.DocumentAccess) map[string]any {
	return map[string]any{
		"id":               access.ID,
		"doc_id":           access.DocumentID,
		"user_id":          access.UserID,
		"can_edit":         access.CanEdit,
		"access_requested": access.AccessRequested,
		"access_approved":  access.AccessApproved,
		"request_at":       access.RequestAt,
		"approved_at":      access.ApprovedAt,
	}
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":         user.ID,
		"first_name": user.FirstName,
		"last_name":  user.LastName,
		"email":      user.Email,
		"color":      user.Color,
	}
}

func commentPayload(comment store.Comment, author auth.Principal) map[string]any {
	return map[string]any{
		"id":     comment.ID,
		"doc_id": comment.DocumentID,
		"user": map[string]any{
			"id":         author.UserID,
			"first_name": author.FirstName,
			"last_name":  author.LastName,
			"email":      author.Email,
			"color":      author.Color,
		},
		"content":      comment.Content,
		"commented_at": comment.CommentedAt,
		"updated_at":   comment.UpdatedAt,
	}
}
