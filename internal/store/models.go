package store

import "time"

type User struct {
	ID        int64
	FirstName string
	LastName  string
	Email     string
	Color     string
	CreatedAt time.Time
}

type Document struct {
	ID         int64
	AdminID    int64
	Name       string
	Content    string
	IsLive     bool
	ShareToken string
	Summary    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DocumentAccess is the (document, user) access row. Rows are created on the
// first request and reused via upsert from then on; they are never deleted.
type DocumentAccess struct {
	ID              int64
	DocumentID      int64
	UserID          int64
	CanEdit         bool
	AccessRequested bool
	AccessApproved  bool
	RequestAt       *time.Time
	ApprovedAt      *time.Time
}

// LiveDocumentUser is the historical record of room participants. IsOnline
// flips on join/disconnect; the row itself is kept.
type LiveDocumentUser struct {
	ID         int64
	DocumentID int64
	UserID     int64
	FirstName  string
	LastName   string
	Email      string
	Color      string
	IsOnline   bool
}

type Comment struct {
	ID          int64
	DocumentID  int64
	UserID      int64
	Content     string
	CommentedAt time.Time
	UpdatedAt   time.Time
}

type Notification struct {
	ID          int64
	RecipientID int64
	Message     string
	Kind        string
	IsRead      bool
	CreatedAt   time.Time
}
