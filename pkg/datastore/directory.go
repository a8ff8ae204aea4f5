package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/NicolasHaas/relay/pkg/crypto"
	"github.com/NicolasHaas/relay/pkg/directory"
	"github.com/NicolasHaas/relay/pkg/model"
)

// DefaultHistoryLimit bounds how many messages RoomMessages returns.
const DefaultHistoryLimit = 100

// Directory serves the directory contract from the local database, for
// deployments without an external Directory Service.
type Directory struct {
	store        DataProviderFactory
	tokens       *crypto.TokenManager
	historyLimit int
}

var _ directory.Client = (*Directory)(nil)

// NewDirectory wraps a store. Tokens are verified with tm.
func NewDirectory(store DataProviderFactory, tm *crypto.TokenManager) *Directory {
	return &Directory{store: store, tokens: tm, historyLimit: DefaultHistoryLimit}
}

// VerifyToken accepts tokens issued by IssueToken for a user that still
// exists under the same username.
func (d *Directory) VerifyToken(ctx context.Context, token string) (model.Identity, error) {
	claims, err := d.tokens.Verify(token)
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", directory.ErrUnauthorized, err)
	}
	id, err := claims.AccountID()
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", directory.ErrUnauthorized, err)
	}
	u, err := d.store.NonTx().GetUserByID(ctx, id)
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
	}
	if u == nil || u.Username != claims.Username {
		return model.Identity{}, directory.ErrUnauthorized
	}
	return u.Identity(), nil
}

// IssueToken signs a session token for an existing username.
func (d *Directory) IssueToken(ctx context.Context, username string) (string, error) {
	u, err := d.store.NonTx().GetUserByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", fmt.Errorf("datastore: issue token for %q: %w", username, ErrUserNotFound)
	}
	return d.tokens.Issue(u.ID, u.Username)
}

func (d *Directory) PersistMessage(ctx context.Context, room string, accountID int64, content string) error {
	_, err := d.store.NonTx().CreateMessage(ctx, room, accountID, content)
	return err
}

func (d *Directory) PersistStatus(ctx context.Context, accountID int64, status model.Status) error {
	return notFound(d.store.NonTx().UpdateStatus(ctx, accountID, status))
}

func (d *Directory) UpdateDisplayName(ctx context.Context, accountID int64, name string) error {
	return notFound(d.store.NonTx().UpdateDisplayName(ctx, accountID, name))
}

func (d *Directory) RoomMessages(ctx context.Context, room string) ([]model.RoomMessage, error) {
	return d.store.NonTx().ListRoomMessages(ctx, room, d.historyLimit)
}

func (d *Directory) RoomMembers(ctx context.Context, room string) ([]model.RoomUser, error) {
	return d.store.NonTx().ListRoomMembers(ctx, room)
}

// ImportUsers upserts all users in one transaction.
func (d *Directory) ImportUsers(ctx context.Context, users []model.User) (err error) {
	tx, err := d.store.Tx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for i := range users {
		if err := tx.UpsertUser(ctx, &users[i]); err != nil {
			return fmt.Errorf("datastore: import %q: %w", users[i].Username, err)
		}
	}
	return tx.Commit()
}

// Users lists every stored account.
func (d *Directory) Users(ctx context.Context) ([]model.User, error) {
	return d.store.NonTx().ListUsers(ctx)
}

func notFound(err error) error {
	if errors.Is(err, ErrUserNotFound) {
		return fmt.Errorf("%w: %v", directory.ErrNotFound, err)
	}
	return err
}
