package datastore_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/NicolasHaas/relay/pkg/crypto"
	"github.com/NicolasHaas/relay/pkg/datastore"
	"github.com/NicolasHaas/relay/pkg/directory"
	"github.com/NicolasHaas/relay/pkg/model"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const testSecret = "datastore-test-secret-0123456789"

func NewTestSqlConn(t *testing.T) (*datastore.ProviderFactory, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		return nil, fmt.Errorf("store_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Logf("Error closing database: %v", err)
		}
	})

	return st, nil
}

func mustCreateUser(t *testing.T, st datastore.DataProviderFactory, username, display string) *model.User {
	t.Helper()
	u := &model.User{Username: username, DisplayName: display}
	if err := st.NonTx().CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%q): %v", username, err)
	}
	return u
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	for i := 0; i < 2; i++ {
		st, err := datastore.NewProviderFactory(path)
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		if err := st.Close(); err != nil {
			t.Fatalf("close #%d: %v", i, err)
		}
	}
}

func TestCreateUser(t *testing.T) {
	t.Parallel()

	type tcase struct {
		user      model.User
		expectErr bool
	}

	tcases := map[string]tcase{
		"minimum_required_fields": {
			user: model.User{Username: "johndoe"},
		},
		"full_profile": {
			user: model.User{Username: "janedoe", DisplayName: "Jane Doe", AvatarURL: "https://x/j.png", Status: model.StatusAway},
		},
		"injection_username": { // quotes, spaces and equals are not valid username characters
			user:      model.User{Username: "' OR '1'='1"},
			expectErr: true,
		},
		"empty_username": {
			user:      model.User{Username: ""},
			expectErr: true,
		},
		"long_username": {
			user:      model.User{Username: strings.Repeat("a", model.MaxUsernameLength+1)},
			expectErr: true,
		},
		"bad_status": {
			user:      model.User{Username: "sleepy", Status: "asleep"},
			expectErr: true,
		},
	}

	fn := func(tc tcase) func(*testing.T) {
		return func(t *testing.T) {
			store, err := NewTestSqlConn(t)
			if err != nil {
				t.Fatalf("failed to open test connection: %v", err)
			}
			ctx := context.Background()

			u := tc.user
			err = store.NonTx().CreateUser(ctx, &u)
			if tc.expectErr {
				if err == nil {
					t.Fatalf("CreateUser: expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateUser: unexpected error: %v", err)
			}
			if u.ID == 0 {
				t.Fatalf("CreateUser: expected an id to be assigned")
			}

			got, err := store.NonTx().GetUserByUsername(ctx, tc.user.Username)
			if err != nil {
				t.Fatalf("GetUserByUsername: %v", err)
			}
			if diff := cmp.Diff(&u, got, cmpopts.EquateApproxTime(5e9)); diff != "" {
				t.Errorf("GetUserByUsername mismatch (-want +got):\n%s", diff)
			}
		}
	}

	for name, tc := range tcases {
		t.Run(name, fn(tc))
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	mustCreateUser(t, store, "alice", "")
	if err := store.NonTx().CreateUser(context.Background(), &model.User{Username: "alice"}); err == nil {
		t.Fatal("CreateUser: expected unique constraint error")
	}
}

func TestGetUserMissing(t *testing.T) {
	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	if u, err := store.NonTx().GetUserByID(ctx, 404); u != nil || err != nil {
		t.Errorf("GetUserByID = %v, %v; want nil, nil", u, err)
	}
	if u, err := store.NonTx().GetUserByUsername(ctx, "ghost"); u != nil || err != nil {
		t.Errorf("GetUserByUsername = %v, %v; want nil, nil", u, err)
	}
}

func TestUpdateProfile(t *testing.T) {
	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()
	u := mustCreateUser(t, store, "alice", "Alice")

	if err := store.NonTx().UpdateDisplayName(ctx, u.ID, "Queen Alice"); err != nil {
		t.Fatalf("UpdateDisplayName: %v", err)
	}
	if err := store.NonTx().UpdateStatus(ctx, u.ID, model.StatusBusy); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, _ := store.NonTx().GetUserByID(ctx, u.ID)
	if got.DisplayName != "Queen Alice" || got.Status != model.StatusBusy {
		t.Errorf("profile not updated: %+v", got)
	}

	if err := store.NonTx().UpdateStatus(ctx, u.ID, model.StatusBusy); err != nil {
		t.Errorf("UpdateStatus with unchanged value: %v", err)
	}
	if err := store.NonTx().UpdateDisplayName(ctx, 999, "x"); !errors.Is(err, datastore.ErrUserNotFound) {
		t.Errorf("UpdateDisplayName missing user error = %v, want ErrUserNotFound", err)
	}
	if err := store.NonTx().UpdateDisplayName(ctx, u.ID, "  "); !errors.Is(err, model.ErrDisplayNameEmpty) {
		t.Errorf("UpdateDisplayName blank error = %v, want ErrDisplayNameEmpty", err)
	}
	if err := store.NonTx().UpdateStatus(ctx, u.ID, "gone"); !errors.Is(err, model.ErrInvalidStatus) {
		t.Errorf("UpdateStatus invalid error = %v, want ErrInvalidStatus", err)
	}
}

func TestMessagesAndMembers(t *testing.T) {
	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()
	alice := mustCreateUser(t, store, "alice", "Alice")
	bob := mustCreateUser(t, store, "bob", "")

	posts := []struct {
		room string
		user int64
		text string
	}{
		{"lobby", bob.ID, "first"},
		{"lobby", alice.ID, "second"},
		{"other", alice.ID, "elsewhere"},
		{"lobby", bob.ID, "third"},
	}
	for _, p := range posts {
		if _, err := store.NonTx().CreateMessage(ctx, p.room, p.user, p.text); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	if _, err := store.NonTx().CreateMessage(ctx, "lobby", alice.ID, "   "); !errors.Is(err, model.ErrMessageBodyEmpty) {
		t.Errorf("CreateMessage blank error = %v, want ErrMessageBodyEmpty", err)
	}
	if _, err := store.NonTx().CreateMessage(ctx, "lobby", 999, "orphan"); err == nil {
		t.Error("CreateMessage: expected foreign key error for unknown user")
	}

	msgs, err := store.NonTx().ListRoomMessages(ctx, "lobby", 2)
	if err != nil {
		t.Fatalf("ListRoomMessages: %v", err)
	}
	var contents []string
	for _, m := range msgs {
		contents = append(contents, m.Content)
		if m.MessageType != model.MessageTypeText || !strings.HasSuffix(m.CreatedAt, "Z") {
			t.Errorf("unexpected message fields: %+v", m)
		}
	}
	if diff := cmp.Diff([]string{"second", "third"}, contents); diff != "" {
		t.Errorf("ListRoomMessages order mismatch (-want +got):\n%s", diff)
	}
	if msgs[0].User != (model.MessageAuthor{ID: alice.ID, Username: "alice", DisplayName: "Alice"}) {
		t.Errorf("author = %+v", msgs[0].User)
	}

	members, err := store.NonTx().ListRoomMembers(ctx, "lobby")
	if err != nil {
		t.Fatalf("ListRoomMembers: %v", err)
	}
	want := []model.RoomUser{
		{Username: "bob", DisplayName: "bob", Status: model.StatusOffline},
		{Username: "alice", DisplayName: "Alice", Status: model.StatusOffline},
	}
	if diff := cmp.Diff(want, members); diff != "" {
		t.Errorf("ListRoomMembers mismatch (-want +got):\n%s", diff)
	}

	empty, err := store.NonTx().ListRoomMessages(ctx, "nobody-here", 0)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("ListRoomMessages on empty room = %#v, %v", empty, err)
	}
}

func TestTxRollback(t *testing.T) {
	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	tx, err := store.Tx(ctx)
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if err := tx.CreateUser(ctx, &model.User{Username: "temp"}); err != nil {
		t.Fatalf("CreateUser in tx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if u, _ := store.NonTx().GetUserByUsername(ctx, "temp"); u != nil {
		t.Errorf("rolled back user is visible: %+v", u)
	}
}

func newTestDirectory(t *testing.T) (*datastore.Directory, *datastore.ProviderFactory) {
	t.Helper()
	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	tm, err := crypto.NewTokenManager(testSecret, 0)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	return datastore.NewDirectory(store, tm), store
}

func TestDirectoryVerifyToken(t *testing.T) {
	dir, store := newTestDirectory(t)
	ctx := context.Background()
	alice := mustCreateUser(t, store, "alice", "Alice")

	tok, err := dir.IssueToken(ctx, "alice")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	id, err := dir.VerifyToken(ctx, tok)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if diff := cmp.Diff(model.Identity{AccountID: alice.ID, Username: "alice", DisplayName: "Alice"}, id); diff != "" {
		t.Errorf("VerifyToken mismatch (-want +got):\n%s", diff)
	}

	if _, err := dir.VerifyToken(ctx, "garbage"); !errors.Is(err, directory.ErrUnauthorized) {
		t.Errorf("VerifyToken garbage error = %v, want ErrUnauthorized", err)
	}
	if _, err := dir.IssueToken(ctx, "ghost"); !errors.Is(err, datastore.ErrUserNotFound) {
		t.Errorf("IssueToken unknown user error = %v, want ErrUserNotFound", err)
	}
}

func TestDirectoryContract(t *testing.T) {
	dir, store := newTestDirectory(t)
	ctx := context.Background()
	alice := mustCreateUser(t, store, "alice", "Alice")

	if err := dir.PersistMessage(ctx, "lobby", alice.ID, "hello"); err != nil {
		t.Fatalf("PersistMessage: %v", err)
	}
	if err := dir.PersistStatus(ctx, alice.ID, model.StatusAway); err != nil {
		t.Fatalf("PersistStatus: %v", err)
	}
	if err := dir.UpdateDisplayName(ctx, alice.ID, "Al"); err != nil {
		t.Fatalf("UpdateDisplayName: %v", err)
	}
	if err := dir.PersistStatus(ctx, 999, model.StatusAway); !errors.Is(err, directory.ErrNotFound) {
		t.Errorf("PersistStatus unknown account error = %v, want directory.ErrNotFound", err)
	}

	msgs, err := dir.RoomMessages(ctx, "lobby")
	if err != nil || len(msgs) != 1 || msgs[0].User.DisplayName != "Al" {
		t.Fatalf("RoomMessages = %+v, %v", msgs, err)
	}
	members, err := dir.RoomMembers(ctx, "lobby")
	if err != nil {
		t.Fatalf("RoomMembers: %v", err)
	}
	if diff := cmp.Diff([]model.RoomUser{{Username: "alice", DisplayName: "Al", Status: model.StatusAway}}, members); diff != "" {
		t.Errorf("RoomMembers mismatch (-want +got):\n%s", diff)
	}
}

func TestDirectoryImportUsers(t *testing.T) {
	dir, store := newTestDirectory(t)
	ctx := context.Background()
	mustCreateUser(t, store, "alice", "Alice")

	err := dir.ImportUsers(ctx, []model.User{
		{Username: "alice", DisplayName: "Alice Updated"},
		{Username: "carol", AvatarURL: "https://x/c.png"},
	})
	if err != nil {
		t.Fatalf("ImportUsers: %v", err)
	}

	users, err := dir.Users(ctx)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	var names []string
	for _, u := range users {
		names = append(names, u.Username+"/"+u.DisplayName)
	}
	if diff := cmp.Diff([]string{"alice/Alice Updated", "carol/carol"}, names); diff != "" {
		t.Errorf("users mismatch (-want +got):\n%s", diff)
	}

	err = dir.ImportUsers(ctx, []model.User{{Username: "dave"}, {Username: "bad name"}})
	if err == nil {
		t.Fatal("ImportUsers: expected validation error")
	}
	if u, _ := store.NonTx().GetUserByUsername(ctx, "dave"); u != nil {
		t.Error("ImportUsers: partial import was committed")
	}
}
