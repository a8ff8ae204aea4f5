package datastore

import (
	"context"
	"errors"

	"github.com/NicolasHaas/relay/pkg/model"
)

var ErrUserNotFound = errors.New("datastore: user not found")

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore is the persistence surface of the embedded directory.
type DataStore interface {
	UserReadProvider
	UserWriteProvider

	MessageReadProvider
	MessageWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type UserReadProvider interface {
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

type UserWriteProvider interface {
	CreateUser(ctx context.Context, u *model.User) error
	UpsertUser(ctx context.Context, u *model.User) error
	UpdateDisplayName(ctx context.Context, userID int64, name string) error
	UpdateStatus(ctx context.Context, userID int64, status model.Status) error
}

type MessageReadProvider interface {
	ListRoomMessages(ctx context.Context, room string, limit int) ([]model.RoomMessage, error)
	ListRoomMembers(ctx context.Context, room string) ([]model.RoomUser, error)
}

type MessageWriteProvider interface {
	CreateMessage(ctx context.Context, room string, userID int64, content string) (int64, error)
}
