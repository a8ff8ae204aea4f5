package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/relay/pkg/model"
)

// UserYAML represents a directory account in seed and export files.
type UserYAML struct {
	ID          int64  `yaml:"id,omitempty"`
	Username    string `yaml:"username"`
	DisplayName string `yaml:"display_name,omitempty"`
	AvatarURL   string `yaml:"avatar_url,omitempty"`
	Status      string `yaml:"status,omitempty"`
	Token       string `yaml:"token,omitempty"` // only read by the in-memory directory
	CreatedAt   string `yaml:"created_at,omitempty"`
}

// UsersFile is the top-level YAML document for users.
type UsersFile struct {
	Users []UserYAML `yaml:"users"`
}

// SeedUser is a parsed seed entry.
type SeedUser struct {
	User  model.User
	Token string
}

// UserImporter stores seeded accounts.
type UserImporter interface {
	ImportUsers(ctx context.Context, users []model.User) error
}

// ParseUsersYAML decodes and validates a users document.
func ParseUsersYAML(data []byte) ([]SeedUser, error) {
	var f UsersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse users: %w", err)
	}
	seen := make(map[string]bool, len(f.Users))
	out := make([]SeedUser, 0, len(f.Users))
	for i, u := range f.Users {
		if err := model.ValidateUsername(u.Username); err != nil {
			return nil, fmt.Errorf("users[%d]: %w", i, err)
		}
		if seen[u.Username] {
			return nil, fmt.Errorf("users[%d]: duplicate username %q", i, u.Username)
		}
		seen[u.Username] = true

		status := model.StatusOffline
		if u.Status != "" {
			st, err := model.ParseStatus(u.Status)
			if err != nil {
				return nil, fmt.Errorf("users[%d]: %w", i, err)
			}
			status = st
		}
		var created time.Time
		if u.CreatedAt != "" {
			t, err := time.Parse(time.RFC3339, u.CreatedAt)
			if err != nil {
				return nil, fmt.Errorf("users[%d]: created_at: %w", i, err)
			}
			created = t
		}
		out = append(out, SeedUser{
			User: model.User{
				ID:          u.ID,
				Username:    u.Username,
				DisplayName: u.DisplayName,
				AvatarURL:   u.AvatarURL,
				Status:      status,
				CreatedAt:   created,
			},
			Token: u.Token,
		})
	}
	return out, nil
}

// LoadUsersFromYAML reads a users file from disk.
func LoadUsersFromYAML(path string) ([]SeedUser, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	return ParseUsersYAML(data)
}

// ImportUsersFromYAML parses data and stores every account through imp.
func ImportUsersFromYAML(ctx context.Context, data []byte, imp UserImporter) (int, error) {
	seeds, err := ParseUsersYAML(data)
	if err != nil {
		return 0, err
	}
	users := make([]model.User, 0, len(seeds))
	for _, s := range seeds {
		users = append(users, s.User)
	}
	if err := imp.ImportUsers(ctx, users); err != nil {
		return 0, err
	}
	return len(users), nil
}

// ExportUsersYAML renders users as a YAML document. Tokens are never
// exported.
func ExportUsersYAML(users []model.User) ([]byte, error) {
	export := UsersFile{Users: make([]UserYAML, 0, len(users))}
	for _, u := range users {
		entry := UserYAML{
			ID:          u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			AvatarURL:   u.AvatarURL,
			Status:      u.Status.String(),
		}
		if !u.CreatedAt.IsZero() {
			entry.CreatedAt = u.CreatedAt.UTC().Format(time.RFC3339)
		}
		export.Users = append(export.Users, entry)
	}
	return yaml.Marshal(&export)
}
