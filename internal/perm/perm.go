// Package perm is the single place that decides what a principal may do
// with a document. Every admin bypass lives here; handlers never compare
// admin ids themselves.
package perm

import (
	"context"
	"errors"

	"livedoc/api/internal/store"
)

type accessReader interface {
	GetAccess(ctx context.Context, documentID, userID int64) (store.DocumentAccess, error)
}

type Gate struct {
	store accessReader
}

func NewGate(accessStore accessReader) *Gate {
	return &Gate{store: accessStore}
}

// CanJoin reports whether the principal may enter the document's live room.
// Admins always may; everyone else needs the document to be live.
func (g *Gate) CanJoin(userID int64, doc store.Document) bool {
	return doc.AdminID == userID || doc.IsLive
}

// CanEdit consults the current access row on every call. Access can be
// revoked mid-session, so callers must not cache the result.
func (g *Gate) CanEdit(ctx context.Context, userID int64, doc store.Document) (bool, error) {
	if doc.AdminID == userID {
		return true, nil
	}
	access, err := g.store.GetAccess(ctx, doc.ID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return access.CanEdit && access.AccessApproved, nil
}

// CanAdministrate is true only for the owning admin.
func (g *Gate) CanAdministrate(userID int64, doc store.Document) bool {
	return doc.AdminID == userID
}
