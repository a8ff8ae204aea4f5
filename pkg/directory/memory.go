package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/relay/pkg/model"
)

// Op names a directory call, used to inject failures into Memory.
type Op string

const (
	OpVerifyToken       Op = "verify_token"
	OpPersistMessage    Op = "persist_message"
	OpPersistStatus     Op = "persist_status"
	OpUpdateDisplayName Op = "update_display_name"
	OpRoomMessages      Op = "room_messages"
	OpRoomMembers       Op = "room_members"
)

// StatusRecord is one PersistStatus call seen by Memory.
type StatusRecord struct {
	AccountID int64
	Status    model.Status
}

// Memory is an in-process directory with static tokens. It backs
// "--directory memory" deployments and the server tests.
type Memory struct {
	mu sync.RWMutex

	now func() time.Time

	nextMessageID int64

	users    map[int64]*model.User
	tokens   map[string]int64
	messages map[string][]model.RoomMessage
	statuses []StatusRecord
	failures map[Op]error
}

var _ Client = (*Memory)(nil)

// NewMemory creates an empty Memory directory using time.Now().UTC().
func NewMemory() *Memory {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a Memory directory with a custom clock.
func NewMemoryWithClock(now func() time.Time) *Memory {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Memory{
		now:           now,
		nextMessageID: 1,
		users:         make(map[int64]*model.User),
		tokens:        make(map[string]int64),
		messages:      make(map[string][]model.RoomMessage),
		failures:      make(map[Op]error),
	}
}

// AddUser registers an account and the token that authenticates it.
func (m *Memory) AddUser(u model.User, token string) error {
	if err := model.ValidateUsername(u.Username); err != nil {
		return fmt.Errorf("directory: add user: %w", err)
	}
	if u.DisplayName == "" {
		u.DisplayName = u.Username
	}
	if u.Status == "" {
		u.Status = model.StatusOffline
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.ID]; exists {
		return fmt.Errorf("directory: add user: id %d already exists", u.ID)
	}
	m.users[u.ID] = &u
	if token != "" {
		m.tokens[token] = u.ID
	}
	return nil
}

// User returns a copy of the stored account.
func (m *Memory) User(id int64) (model.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return model.User{}, false
	}
	return *u, true
}

// Users returns all accounts ordered by id.
func (m *Memory) Users() []model.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Statuses returns every PersistStatus call in order.
func (m *Memory) Statuses() []StatusRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]StatusRecord(nil), m.statuses...)
}

// FailOn makes every later call to op return err. A nil err clears it.
func (m *Memory) FailOn(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// failure must be called with m.mu held.
func (m *Memory) failure(op Op) error {
	return m.failures[op]
}

func (m *Memory) VerifyToken(ctx context.Context, token string) (model.Identity, error) {
	if err := ctx.Err(); err != nil {
		return model.Identity{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpVerifyToken); err != nil {
		return model.Identity{}, err
	}
	id, ok := m.tokens[token]
	if !ok {
		return model.Identity{}, ErrUnauthorized
	}
	u, ok := m.users[id]
	if !ok {
		return model.Identity{}, ErrUnauthorized
	}
	return u.Identity(), nil
}

func (m *Memory) PersistMessage(_ context.Context, room string, accountID int64, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpPersistMessage); err != nil {
		return err
	}
	u, ok := m.users[accountID]
	if !ok {
		return fmt.Errorf("%w: account %d", ErrNotFound, accountID)
	}
	m.messages[room] = append(m.messages[room], model.RoomMessage{
		ID:          m.nextMessageID,
		Content:     content,
		CreatedAt:   m.now().Format(time.RFC3339),
		MessageType: model.MessageTypeText,
		User: model.MessageAuthor{
			ID:          u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			AvatarURL:   u.AvatarURL,
		},
	})
	m.nextMessageID++
	return nil
}

func (m *Memory) PersistStatus(_ context.Context, accountID int64, status model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpPersistStatus); err != nil {
		return err
	}
	m.statuses = append(m.statuses, StatusRecord{AccountID: accountID, Status: status})
	if u, ok := m.users[accountID]; ok {
		u.Status = status
	}
	return nil
}

func (m *Memory) UpdateDisplayName(_ context.Context, accountID int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpUpdateDisplayName); err != nil {
		return err
	}
	u, ok := m.users[accountID]
	if !ok {
		return fmt.Errorf("%w: account %d", ErrNotFound, accountID)
	}
	u.DisplayName = name
	return nil
}

// RoomMessages returns the room's stored history, oldest first.
func (m *Memory) RoomMessages(_ context.Context, room string) ([]model.RoomMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpRoomMessages); err != nil {
		return nil, err
	}
	return append([]model.RoomMessage{}, m.messages[room]...), nil
}

// RoomMembers returns every account that has posted in the room.
func (m *Memory) RoomMembers(_ context.Context, room string) ([]model.RoomUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpRoomMembers); err != nil {
		return nil, err
	}
	seen := make(map[int64]bool)
	out := []model.RoomUser{}
	for _, msg := range m.messages[room] {
		if seen[msg.User.ID] {
			continue
		}
		seen[msg.User.ID] = true
		u, ok := m.users[msg.User.ID]
		if !ok {
			continue
		}
		out = append(out, model.RoomUser{
			Username:    u.Username,
			DisplayName: u.DisplayName,
			AvatarURL:   u.AvatarURL,
			Status:      u.Status,
		})
	}
	return out, nil
}
