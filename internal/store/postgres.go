package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const documentColumns = `id, admin_id, name, content, is_live, share_token, COALESCE(summary, ''), created_at, updated_at`

func scanDocument(row *sql.Row) (Document, error) {
	var doc Document
	err := row.Scan(&doc.ID, &doc.AdminID, &doc.Name, &doc.Content, &doc.IsLive, &doc.ShareToken, &doc.Summary, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) GetDocumentByShareToken(ctx context.Context, shareToken string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE share_token=$1`, shareToken)
	return scanDocument(row)
}

func (s *PostgresStore) GetDocumentByID(ctx context.Context, documentID int64) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID)
	return scanDocument(row)
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (admin_id, name, content, is_live, share_token, summary)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING `+documentColumns,
		doc.AdminID, doc.Name, doc.Content, doc.IsLive, doc.ShareToken, doc.Summary)
	inserted, err := scanDocument(row)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) UpdateDocumentContent(ctx context.Context, documentID int64, content string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET content=$2, updated_at=NOW() WHERE id=$1`, documentID, content)
	if err != nil {
		return fmt.Errorf("update document content: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document content: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetDocumentLive(ctx context.Context, documentID int64, isLive bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET is_live=$2, updated_at=NOW() WHERE id=$1`, documentID, isLive)
	if err != nil {
		return fmt.Errorf("set document live: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set document live: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const accessColumns = `id, document_id, user_id, can_edit, access_requested, access_approved, request_at, approved_at`

func scanAccess(row *sql.Row) (DocumentAccess, error) {
	var access DocumentAccess
	err := row.Scan(&access.ID, &access.DocumentID, &access.UserID, &access.CanEdit, &access.AccessRequested, &access.AccessApproved, &access.RequestAt, &access.ApprovedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentAccess{}, ErrNotFound
	}
	if err != nil {
		return DocumentAccess{}, fmt.Errorf("scan access: %w", err)
	}
	return access, nil
}

func (s *PostgresStore) GetAccess(ctx context.Context, documentID, userID int64) (DocumentAccess, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accessColumns+` FROM document_accesses WHERE document_id=$1 AND user_id=$2`, documentID, userID)
	return scanAccess(row)
}

func (s *PostgresStore) GetAccessByID(ctx context.Context, accessID int64) (DocumentAccess, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accessColumns+` FROM document_accesses WHERE id=$1`, accessID)
	return scanAccess(row)
}

// UpsertAccessRequest records an access request, preserving an existing
// approval if the admin already granted one.
func (s *PostgresStore) UpsertAccessRequest(ctx context.Context, documentID, userID int64, requestAt time.Time) (DocumentAccess, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO document_accesses (document_id, user_id, access_requested, request_at)
		VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (document_id, user_id)
		DO UPDATE SET access_requested=TRUE, request_at=$3
		RETURNING `+accessColumns,
		documentID, userID, requestAt)
	access, err := scanAccess(row)
	if err != nil {
		return DocumentAccess{}, fmt.Errorf("upsert access request: %w", err)
	}
	return access, nil
}

// UpsertAccessGrant approves (or re-approves) access, clearing the pending
// request flag.
func (s *PostgresStore) UpsertAccessGrant(ctx context.Context, documentID, userID int64, canEdit bool, approvedAt time.Time) (DocumentAccess, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO document_accesses (document_id, user_id, can_edit, access_requested, access_approved, approved_at)
		VALUES ($1, $2, $3, FALSE, TRUE, $4)
		ON CONFLICT (document_id, user_id)
		DO UPDATE SET can_edit=$3, access_requested=FALSE, access_approved=TRUE, approved_at=$4
		RETURNING `+accessColumns,
		documentID, userID, canEdit, approvedAt)
	access, err := scanAccess(row)
	if err != nil {
		return DocumentAccess{}, fmt.Errorf("upsert access grant: %w", err)
	}
	return access, nil
}

func (s *PostgresStore) RevokeAccess(ctx context.Context, accessID int64) (DocumentAccess, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE document_accesses SET can_edit=FALSE, access_approved=FALSE
		WHERE id=$1
		RETURNING `+accessColumns, accessID)
	return scanAccess(row)
}

func (s *PostgresStore) ListAccessesForAdmin(ctx context.Context, adminID int64) ([]DocumentAccess, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.document_id, a.user_id, a.can_edit, a.access_requested, a.access_approved, a.request_at, a.approved_at
		FROM document_accesses a
		JOIN documents d ON d.id = a.document_id
		WHERE d.admin_id = $1
		ORDER BY a.id DESC`, adminID)
	if err != nil {
		return nil, fmt.Errorf("list accesses: %w", err)
	}
	defer rows.Close()

	var accesses []DocumentAccess
	for rows.Next() {
		var access DocumentAccess
		if err := rows.Scan(&access.ID, &access.DocumentID, &access.UserID, &access.CanEdit, &access.AccessRequested, &access.AccessApproved, &access.RequestAt, &access.ApprovedAt); err != nil {
			return nil, fmt.Errorf("scan access: %w", err)
		}
		accesses = append(accesses, access)
	}
	return accesses, rows.Err()
}

func (s *PostgresStore) UpsertLiveUser(ctx context.Context, liveUser LiveDocumentUser) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO live_document_users (document_id, user_id, first_name, last_name, email, color, is_online)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		ON CONFLICT (document_id, user_id)
		DO UPDATE SET first_name=$3, last_name=$4, email=$5, color=$6, is_online=TRUE`,
		liveUser.DocumentID, liveUser.UserID, liveUser.FirstName, liveUser.LastName, liveUser.Email, liveUser.Color)
	if err != nil {
		return fmt.Errorf("upsert live user: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkLiveUserOffline(ctx context.Context, documentID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE live_document_users SET is_online=FALSE WHERE document_id=$1 AND user_id=$2`,
		documentID, userID)
	if err != nil {
		return fmt.Errorf("mark live user offline: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLiveUsers(ctx context.Context, documentID int64) ([]LiveDocumentUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, first_name, last_name, email, color, is_online
		FROM live_document_users WHERE document_id=$1 ORDER BY id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list live users: %w", err)
	}
	defer rows.Close()

	var liveUsers []LiveDocumentUser
	for rows.Next() {
		var lu LiveDocumentUser
		if err := rows.Scan(&lu.ID, &lu.DocumentID, &lu.UserID, &lu.FirstName, &lu.LastName, &lu.Email, &lu.Color, &lu.IsOnline); err != nil {
			return nil, fmt.Errorf("scan live user: %w", err)
		}
		liveUsers = append(liveUsers, lu)
	}
	return liveUsers, rows.Err()
}

const commentColumns = `id, document_id, user_id, content, commented_at, updated_at`

func scanComment(row *sql.Row) (Comment, error) {
	var comment Comment
	err := row.Scan(&comment.ID, &comment.DocumentID, &comment.UserID, &comment.Content, &comment.CommentedAt, &comment.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, fmt.Errorf("scan comment: %w", err)
	}
	return comment, nil
}

func (s *PostgresStore) CreateComment(ctx context.Context, documentID, userID int64, content string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (document_id, user_id, content)
		VALUES ($1, $2, $3)
		RETURNING `+commentColumns, documentID, userID, content)
	comment, err := scanComment(row)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return comment, nil
}

func (s *PostgresStore) UpdateComment(ctx context.Context, commentID int64, content string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE comments SET content=$2, updated_at=NOW() WHERE id=$1
		RETURNING `+commentColumns, commentID, content)
	return scanComment(row)
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID int64) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, commentID)
	return scanComment(row)
}

func (s *PostgresStore) ListComments(ctx context.Context, documentID int64) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+` FROM comments WHERE document_id=$1 ORDER BY id DESC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		var comment Comment
		if err := rows.Scan(&comment.ID, &comment.DocumentID, &comment.UserID, &comment.Content, &comment.CommentedAt, &comment.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, comment)
	}
	return comments, rows.Err()
}

func (s *PostgresStore) CreateNotification(ctx context.Context, recipientID int64, message, kind string) (Notification, error) {
	var notification Notification
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (recipient_id, message, kind)
		VALUES ($1, $2, $3)
		RETURNING id, recipient_id, message, kind, is_read, created_at`,
		recipientID, message, kind).
		Scan(&notification.ID, &notification.RecipientID, &notification.Message, &notification.Kind, &notification.IsRead, &notification.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return notification, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, recipientID int64) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, message, kind, is_read, created_at
		FROM notifications WHERE recipient_id=$1 ORDER BY created_at DESC`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		var notification Notification
		if err := rows.Scan(&notification.ID, &notification.RecipientID, &notification.Message, &notification.Kind, &notification.IsRead, &notification.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notification)
	}
	return notifications, rows.Err()
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, recipientID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read=TRUE WHERE id=$1 AND recipient_id=$2`,
		notificationID, recipientID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, email, COALESCE(color, ''), created_at
		FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.FirstName, &user.LastName, &user.Email, &user.Color, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}
