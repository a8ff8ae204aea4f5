package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NicolasHaas/relay/pkg/model"
	"github.com/google/go-cmp/cmp"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryWithClock(func() time.Time { return clock })
	if err := m.AddUser(model.User{ID: 1, Username: "alice", DisplayName: "Alice"}, "tok-alice"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := m.AddUser(model.User{ID: 2, Username: "bob"}, "tok-bob"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	return m
}

func TestMemoryAddUser(t *testing.T) {
	m := newTestMemory(t)

	if err := m.AddUser(model.User{ID: 1, Username: "dup"}, ""); err == nil {
		t.Error("AddUser: expected error for duplicate id")
	}
	if err := m.AddUser(model.User{ID: 3, Username: "bad name"}, ""); !errors.Is(err, model.ErrUsernameInvalidChars) {
		t.Errorf("AddUser error = %v, want ErrUsernameInvalidChars", err)
	}

	bob, ok := m.User(2)
	if !ok {
		t.Fatal("User(2): missing")
	}
	if bob.DisplayName != "bob" || bob.Status != model.StatusOffline {
		t.Errorf("defaults not applied: %+v", bob)
	}
}

func TestMemoryVerifyToken(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	got, err := m.VerifyToken(ctx, "tok-alice")
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if diff := cmp.Diff(model.Identity{AccountID: 1, Username: "alice", DisplayName: "Alice"}, got); diff != "" {
		t.Errorf("VerifyToken mismatch (-want +got):\n%s", diff)
	}

	if _, err := m.VerifyToken(ctx, "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("VerifyToken error = %v, want ErrUnauthorized", err)
	}

	m.FailOn(OpVerifyToken, ErrUnavailable)
	if _, err := m.VerifyToken(ctx, "tok-alice"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("VerifyToken error = %v, want ErrUnavailable", err)
	}
	m.FailOn(OpVerifyToken, nil)
	if _, err := m.VerifyToken(ctx, "tok-alice"); err != nil {
		t.Errorf("VerifyToken after clearing failure: %v", err)
	}
}

func TestMemoryRoomHistoryAndMembers(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	empty, err := m.RoomMessages(ctx, "lobby")
	if err != nil || len(empty) != 0 {
		t.Fatalf("RoomMessages on empty room = %v, %v", empty, err)
	}

	for _, p := range []struct {
		id   int64
		text string
	}{{1, "hi"}, {2, "hey"}, {1, "again"}} {
		if err := m.PersistMessage(ctx, "lobby", p.id, p.text); err != nil {
			t.Fatalf("PersistMessage: %v", err)
		}
	}
	if err := m.PersistMessage(ctx, "lobby", 99, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("PersistMessage unknown account error = %v, want ErrNotFound", err)
	}

	msgs, err := m.RoomMessages(ctx, "lobby")
	if err != nil {
		t.Fatalf("RoomMessages: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Content != "hi" || msgs[2].ID != 3 {
		t.Fatalf("unexpected history: %+v", msgs)
	}
	if msgs[0].CreatedAt != "2026-03-01T12:00:00Z" {
		t.Errorf("CreatedAt = %q", msgs[0].CreatedAt)
	}

	if err := m.PersistStatus(ctx, 1, model.StatusBusy); err != nil {
		t.Fatalf("PersistStatus: %v", err)
	}
	members, err := m.RoomMembers(ctx, "lobby")
	if err != nil {
		t.Fatalf("RoomMembers: %v", err)
	}
	want := []model.RoomUser{
		{Username: "alice", DisplayName: "Alice", Status: model.StatusBusy},
		{Username: "bob", DisplayName: "bob", Status: model.StatusOffline},
	}
	if diff := cmp.Diff(want, members); diff != "" {
		t.Errorf("RoomMembers mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryUpdateDisplayName(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	if err := m.UpdateDisplayName(ctx, 2, "Bobby"); err != nil {
		t.Fatalf("UpdateDisplayName: %v", err)
	}
	if u, _ := m.User(2); u.DisplayName != "Bobby" {
		t.Errorf("DisplayName = %q, want Bobby", u.DisplayName)
	}
	if err := m.UpdateDisplayName(ctx, 42, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateDisplayName error = %v, want ErrNotFound", err)
	}

	m.FailOn(OpUpdateDisplayName, ErrUnavailable)
	if err := m.UpdateDisplayName(ctx, 2, "Robert"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("UpdateDisplayName error = %v, want ErrUnavailable", err)
	}
	if u, _ := m.User(2); u.DisplayName != "Bobby" {
		t.Errorf("failed update changed DisplayName to %q", u.DisplayName)
	}
}

func TestMemoryStatuses(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	_ = m.PersistStatus(ctx, 1, model.StatusOnline)
	_ = m.PersistStatus(ctx, 2, model.StatusAway)

	want := []StatusRecord{{1, model.StatusOnline}, {2, model.StatusAway}}
	if diff := cmp.Diff(want, m.Statuses()); diff != "" {
		t.Errorf("Statuses mismatch (-want +got):\n%s", diff)
	}
}
