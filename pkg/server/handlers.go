package server

import (
	"context"
	"errors"
	"strings"

	"github.com/NicolasHaas/relay/pkg/directory"
	"github.com/NicolasHaas/relay/pkg/model"
	pb "github.com/NicolasHaas/relay/pkg/protocol/pb"
)

// Error codes and messages sent to clients.
const (
	CodeBadRequest = "400"
	CodeNotFound   = "404"
	CodeInternal   = "500"

	MsgEmptyMessage        = "You cannot send an empty message"
	MsgSelfPrivateMessage  = "You cannot send a private message to yourself"
	MsgUserNotFound        = "User is offline or not found"
	MsgDestinationGone     = "Destination user disconnected abruptly"
	MsgSendFailed          = "Failed to send message"
	MsgEmptyDisplayName    = "Display name cannot be empty"
	MsgDisplayNameTooLong  = "Display name is too long"
	MsgDisplayNameFailed   = "Failed to update display name"
	MsgInvalidStatus       = "Invalid status. Use: online, away, busy, offline"
	MsgRoomNotFound        = "Room not found"
	MsgFetchMessagesFailed = "Failed to fetch messages"
	MsgFetchUsersFailed    = "Failed to fetch room users"

	unknownUsername = "Unknown"
)

func (s *Server) handleJoinRoom(ctx context.Context, id SessionID, room string) {
	if !s.state.JoinRoom(id, room) {
		return
	}
	snap, ok := s.state.Sessions.Snapshot(id)
	if !ok {
		return
	}
	s.log.Debug("joined room", "session", id, "room", room, "members", s.state.Rooms.MembersCount(room))

	s.broadcastStatus(id, model.StatusOnline)
	members := s.broadcastRoomUpdate(room)
	s.fanout.Deliver(members, pb.UserJoined{RoomName: room, Username: snap.Username})
	s.sendRoomMessages(ctx, id, room)
}

func (s *Server) handleLeaveRoom(id SessionID, room string) {
	snap, ok := s.state.Sessions.Snapshot(id)
	if !ok {
		return
	}
	if !s.state.LeaveRoom(id, room) {
		return
	}
	s.log.Debug("left room", "session", id, "room", room)
	s.announceDeparture(room, snap.Username)
}

// announceDeparture tells the remaining members of room that username left.
func (s *Server) announceDeparture(room, username string) {
	members := s.broadcastRoomUpdate(room)
	s.fanout.Deliver(members, pb.UserLeft{RoomName: room, Username: username})
}

// handleSendMessage echoes the stamped message to the sender only.
func (s *Server) handleSendMessage(id SessionID, text string) {
	msg := s.stamp(id, text)
	if !s.fanout.SendTo(id, pb.SentMessage(msg)) {
		s.fanout.SendError(id, CodeInternal, MsgSendFailed)
	}
}

func (s *Server) handlePrivateMessage(id SessionID, ev pb.PrivateMessage) {
	if strings.TrimSpace(ev.Payload) == "" {
		s.fanout.SendError(id, CodeBadRequest, MsgEmptyMessage)
		return
	}
	sender, ok := s.state.Sessions.Snapshot(id)
	if !ok {
		return
	}
	if sender.Username == ev.TargetUsername {
		s.fanout.SendError(id, CodeBadRequest, MsgSelfPrivateMessage)
		return
	}
	target, ok := s.state.Sessions.FindBy(func(sess *Session) bool {
		return sess.Username == ev.TargetUsername
	})
	if !ok {
		s.fanout.SendError(id, CodeBadRequest, MsgUserNotFound)
		return
	}
	msg := s.stampFrom(sender, ev.Payload)
	if !s.fanout.SendTo(target.ID, pb.DirectMessage(msg)) {
		s.fanout.SendError(id, CodeInternal, MsgDestinationGone)
	}
}

func (s *Server) handleServerBroadcast(id SessionID, payload string) {
	msg := s.stamp(id, payload)
	s.fanout.DeliverExcept(s.state.Sessions.IDs(), id, pb.SentMessage(msg))
}

func (s *Server) handleRoomBroadcast(ctx context.Context, id SessionID, ev pb.RoomBroadcast) {
	sender, ok := s.state.Sessions.Snapshot(id)
	if !ok {
		return
	}
	msg := s.stampFrom(sender, ev.Payload)
	n := s.fanout.DeliverExcept(s.state.Rooms.Members(ev.RoomName), id, pb.SentMessage(msg))
	s.log.Debug("room broadcast", "session", id, "room", ev.RoomName, "delivered", n)

	if err := s.dir.PersistMessage(ctx, ev.RoomName, sender.AccountID, ev.Payload); err != nil {
		s.directoryError("persist message", id, err)
	}
}

func (s *Server) handleGetRoomList(id SessionID) {
	rooms := s.state.Rooms.List()
	entries := make([]pb.RoomListEntry, 0, len(rooms))
	for _, r := range rooms {
		entries = append(entries, pb.RoomListEntry{Name: r.Name, Count: r.Count})
	}
	s.fanout.SendTo(id, pb.RoomList{Rooms: entries})
}

func (s *Server) handleChangeDisplayname(ctx context.Context, id SessionID, name string) {
	if err := model.ValidateDisplayName(name); err != nil {
		msg := MsgEmptyDisplayName
		if errors.Is(err, model.ErrDisplayNameTooLong) {
			msg = MsgDisplayNameTooLong
		}
		s.fanout.SendError(id, CodeBadRequest, msg)
		return
	}
	snap, ok := s.state.Sessions.Snapshot(id)
	if !ok || snap.DisplayName == name {
		return
	}
	if err := s.dir.UpdateDisplayName(ctx, snap.AccountID, name); err != nil {
		s.directoryError("update display name", id, err)
		s.fanout.SendError(id, CodeInternal, MsgDisplayNameFailed)
		return
	}
	var rooms []string
	if !s.state.Sessions.Update(id, func(sess *Session) {
		sess.DisplayName = name
		rooms = sess.snapshot().Rooms
	}) {
		return
	}

	changed := pb.DisplaynameChanged{Old: snap.DisplayName, New: name}
	s.fanout.Deliver(s.state.Subs.SubscribersOf(snap.AccountID), changed)
	for _, room := range rooms {
		s.broadcastRoomUpdate(room)
	}
	s.fanout.SendTo(id, changed)
}

func (s *Server) handleGetUsername(id SessionID, displayName string) {
	username := unknownUsername
	if snap, ok := s.state.Sessions.FindBy(func(sess *Session) bool {
		return sess.DisplayName == displayName
	}); ok {
		username = snap.Username
	}
	s.fanout.SendTo(id, pb.ReceiveUsername{Username: username})
}

func (s *Server) handleGetRoomUsers(ctx context.Context, id SessionID, room string) {
	users, err := s.dir.RoomMembers(ctx, room)
	if err != nil {
		s.directoryError("room members", id, err)
		if errors.Is(err, directory.ErrNotFound) {
			s.fanout.SendError(id, CodeNotFound, MsgRoomNotFound)
		} else {
			s.fanout.SendError(id, CodeInternal, MsgFetchUsersFailed)
		}
		return
	}
	if users == nil {
		users = []model.RoomUser{}
	}
	s.fanout.SendTo(id, pb.RoomUpdate{RoomName: room, Users: users})
}

func (s *Server) handleUpdateStatus(ctx context.Context, id SessionID, raw string) {
	status, err := model.ParseStatus(raw)
	if err != nil {
		s.fanout.SendError(id, CodeBadRequest, MsgInvalidStatus)
		return
	}
	snap, ok := s.broadcastStatus(id, status)
	if !ok {
		return
	}
	s.persistStatus(ctx, snap.AccountID, status)
}

func (s *Server) handleSubscribe(id SessionID, account int64) {
	s.state.Subs.Subscribe(account, id)
	s.fanout.SendTo(id, pb.UserStatusUpdate{Status: s.state.AccountStatus(account)})
}

// sendRoomMessages loads room history from the directory for one session.
func (s *Server) sendRoomMessages(ctx context.Context, id SessionID, room string) {
	msgs, err := s.dir.RoomMessages(ctx, room)
	if err != nil {
		s.directoryError("room messages", id, err)
		if errors.Is(err, directory.ErrNotFound) {
			s.fanout.SendError(id, CodeNotFound, MsgRoomNotFound)
		} else {
			s.fanout.SendError(id, CodeInternal, MsgFetchMessagesFailed)
		}
		return
	}
	if msgs == nil {
		msgs = []model.RoomMessage{}
	}
	if err := s.fanout.Send(id, pb.LoadRoomMessages{RoomName: room, Messages: msgs}); errors.Is(err, errEncode) {
		s.fanout.SendError(id, CodeInternal, MsgFetchMessagesFailed)
	}
}

// broadcastRoomUpdate sends the room's roster to every member and returns
// the members it addressed.
func (s *Server) broadcastRoomUpdate(room string) []SessionID {
	ids, users := s.state.RoomRoster(room)
	if len(ids) == 0 {
		return nil
	}
	s.fanout.Deliver(ids, pb.RoomUpdate{RoomName: room, Users: users})
	return ids
}

// broadcastStatus records status locally, then notifies the account's
// subscribers and every session sharing a room with id.
func (s *Server) broadcastStatus(id SessionID, status model.Status) (SessionSnapshot, bool) {
	var snap SessionSnapshot
	if !s.state.Sessions.Update(id, func(sess *Session) {
		sess.Status = status
		snap = sess.snapshot()
	}) {
		return SessionSnapshot{}, false
	}
	s.fanout.Deliver(s.state.Subs.SubscribersOf(snap.AccountID), pb.UserStatusUpdate{Status: status})
	s.fanout.Deliver(s.state.CoMembers(id), pb.UserStatusChanged{Username: snap.Username, Status: status})
	return snap, true
}

func (s *Server) persistStatus(ctx context.Context, account int64, status model.Status) {
	if err := s.dir.PersistStatus(ctx, account, status); err != nil {
		s.metrics.DirectoryErrors.Add(1)
		s.log.Warn("persist status failed", "account", account, "status", status, "err", err)
	}
}

func (s *Server) directoryError(op string, id SessionID, err error) {
	s.metrics.DirectoryErrors.Add(1)
	s.log.Warn("directory call failed", "op", op, "session", id, "err", err)
}

// stamp builds a chat message attributed to id. A vanished sender is
// reported as Unknown.
func (s *Server) stamp(id SessionID, payload string) pb.ChatMessage {
	snap, ok := s.state.Sessions.Snapshot(id)
	if !ok {
		snap = SessionSnapshot{ID: id, Username: unknownUsername, DisplayName: unknownUsername}
	}
	return s.stampFrom(snap, payload)
}

func (s *Server) stampFrom(sender SessionSnapshot, payload string) pb.ChatMessage {
	return pb.ChatMessage{
		Payload:         payload,
		FromID:          string(sender.ID),
		FromUsername:    sender.Username,
		FromDisplayName: sender.DisplayName,
		CreatedAt:       s.now().UTC(),
	}
}
