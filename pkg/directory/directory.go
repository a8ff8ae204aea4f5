// Package directory defines the relay's view of the external Directory
// Service: token verification, profile updates, room history and
// persistence of messages and presence.
package directory

import (
	"context"
	"errors"

	"github.com/NicolasHaas/relay/pkg/model"
)

var (
	// ErrUnauthorized means the token was rejected.
	ErrUnauthorized = errors.New("directory: unauthorized")
	// ErrNotFound means the directory answered but had nothing for the request.
	ErrNotFound = errors.New("directory: not found")
	// ErrUnavailable means the directory could not be reached.
	ErrUnavailable = errors.New("directory: unavailable")
)

// Client is implemented by every directory backend. Calls are not retried.
type Client interface {
	VerifyToken(ctx context.Context, token string) (model.Identity, error)
	PersistMessage(ctx context.Context, room string, accountID int64, content string) error
	PersistStatus(ctx context.Context, accountID int64, status model.Status) error
	UpdateDisplayName(ctx context.Context, accountID int64, name string) error
	RoomMessages(ctx context.Context, room string) ([]model.RoomMessage, error)
	RoomMembers(ctx context.Context, room string) ([]model.RoomUser, error)
}
