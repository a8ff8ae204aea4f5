package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/relay/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory hands out transactional and non-transactional views of
// one SQLite database.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore: begin: %w", err)
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	DB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// WAL lets history reads proceed while a message insert is in flight
	if _, err := DB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := DB.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: enable FK: %w", err)
	}
	if _, err := DB.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &ProviderFactory{DB: DB}
	if err := s.migrate(ctx); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		username     TEXT    NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		display_name TEXT    NOT NULL,
		avatar_url   TEXT    NOT NULL DEFAULT '',
		status       TEXT    NOT NULL DEFAULT 'offline' CHECK(status IN ('online', 'away', 'busy', 'offline')),
		created_at   TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		room         TEXT    NOT NULL,
		user_id      INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		content      TEXT    NOT NULL,
		message_type TEXT    NOT NULL DEFAULT 'text',
		created_at   TEXT    NOT NULL DEFAULT (datetime('now')),
		edited_at    TEXT
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room, id)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *ProviderFactory) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// apiTime reformats a stored timestamp as RFC 3339.
func apiTime(value string) string {
	t, err := parseDBTime(value)
	if err != nil {
		return value
	}
	return t.Format(time.RFC3339)
}

// ---- Users ----

const userColumns = "id, username, display_name, avatar_url, status, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	var status, createdAt string
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &status, &createdAt); err != nil {
		return nil, err
	}
	u.Status = model.Status(status)
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parsed
	return u, nil
}

func validateUser(u *model.User) error {
	if err := model.ValidateUsername(u.Username); err != nil {
		return err
	}
	if u.DisplayName == "" {
		u.DisplayName = u.Username
	}
	if err := model.ValidateDisplayName(u.DisplayName); err != nil {
		return err
	}
	if u.Status == "" {
		u.Status = model.StatusOffline
	}
	if !u.Status.Valid() {
		return model.ErrInvalidStatus
	}
	return nil
}

// CreateUser inserts u and fills in its ID and CreatedAt.
// The display name defaults to the username.
func (s *baseProvider) CreateUser(ctx context.Context, u *model.User) error {
	if err := validateUser(u); err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}
	res, err := s.ExecContext(ctx,
		"INSERT INTO users (username, display_name, avatar_url, status) VALUES (?, ?, ?, ?)",
		u.Username, u.DisplayName, u.AvatarURL, string(u.Status))
	if err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}
	u.ID, _ = res.LastInsertId()
	u.CreatedAt = time.Now().UTC().Truncate(time.Second)
	return nil
}

// UpsertUser creates u, or updates the profile of the existing user with
// the same username. u.ID is set either way.
func (s *baseProvider) UpsertUser(ctx context.Context, u *model.User) error {
	if err := validateUser(u); err != nil {
		return fmt.Errorf("datastore: upsert user: %w", err)
	}
	err := s.QueryRowContext(ctx, `
		INSERT INTO users (username, display_name, avatar_url, status) VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url   = excluded.avatar_url
		RETURNING id`,
		u.Username, u.DisplayName, u.AvatarURL, string(u.Status)).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("datastore: upsert user: %w", err)
	}
	return nil
}

// GetUserByUsername returns nil, nil when no such user exists.
func (s *baseProvider) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

// GetUserByID returns nil, nil when no such user exists.
func (s *baseProvider) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

// ListUsers returns all users ordered by id.
func (s *baseProvider) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *baseProvider) updateOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("datastore: %s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("datastore: %s: %w", op, ErrUserNotFound)
	}
	return nil
}

// UpdateDisplayName changes a user's display name.
func (s *baseProvider) UpdateDisplayName(ctx context.Context, userID int64, name string) error {
	if err := model.ValidateDisplayName(name); err != nil {
		return fmt.Errorf("datastore: update display name: %w", err)
	}
	return s.updateOne(ctx, "update display name", "UPDATE users SET display_name = ? WHERE id = ?", name, userID)
}

// UpdateStatus records a user's last known presence.
func (s *baseProvider) UpdateStatus(ctx context.Context, userID int64, status model.Status) error {
	if !status.Valid() {
		return fmt.Errorf("datastore: update status: %w", model.ErrInvalidStatus)
	}
	return s.updateOne(ctx, "update status", "UPDATE users SET status = ? WHERE id = ?", string(status), userID)
}

// ---- Messages ----

// CreateMessage stores a room message and returns its id.
func (s *baseProvider) CreateMessage(ctx context.Context, room string, userID int64, content string) (int64, error) {
	if err := model.ValidateMessageBody(content); err != nil {
		return 0, fmt.Errorf("datastore: message failed validation: %w", err)
	}
	res, err := s.ExecContext(ctx,
		"INSERT INTO messages (room, user_id, content, message_type) VALUES (?, ?, ?, ?)",
		room, userID, content, model.MessageTypeText)
	if err != nil {
		return 0, fmt.Errorf("datastore: create message: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// ListRoomMessages returns the newest limit messages of a room, oldest first.
func (s *baseProvider) ListRoomMessages(ctx context.Context, room string, limit int) ([]model.RoomMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.QueryContext(ctx, `
		SELECT * FROM (
			SELECT m.id, m.content, m.created_at, m.edited_at, m.message_type,
			       u.id, u.username, u.display_name, u.avatar_url
			FROM messages m JOIN users u ON u.id = m.user_id
			WHERE m.room = ?
			ORDER BY m.id DESC
			LIMIT ?
		) ORDER BY 1 ASC`, room, limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []model.RoomMessage{}
	for rows.Next() {
		var m model.RoomMessage
		var editedAt sql.NullString
		if err := rows.Scan(&m.ID, &m.Content, &m.CreatedAt, &editedAt, &m.MessageType,
			&m.User.ID, &m.User.Username, &m.User.DisplayName, &m.User.AvatarURL); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.CreatedAt = apiTime(m.CreatedAt)
		if editedAt.Valid {
			e := apiTime(editedAt.String)
			m.EditedAt = &e
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ListRoomMembers returns every user who has posted in the room, in order
// of first post, with their stored status.
func (s *baseProvider) ListRoomMembers(ctx context.Context, room string) ([]model.RoomUser, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT u.username, u.display_name, u.avatar_url, u.status
		FROM users u
		JOIN (SELECT user_id, MIN(id) AS first_id FROM messages WHERE room = ? GROUP BY user_id) p
		  ON p.user_id = u.id
		ORDER BY p.first_id`, room)
	if err != nil {
		return nil, fmt.Errorf("datastore: list members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	members := []model.RoomUser{}
	for rows.Next() {
		var ru model.RoomUser
		var status string
		if err := rows.Scan(&ru.Username, &ru.DisplayName, &ru.AvatarURL, &status); err != nil {
			return nil, fmt.Errorf("datastore: scan member: %w", err)
		}
		ru.Status = model.Status(status)
		members = append(members, ru)
	}
	return members, rows.Err()
}
