package server

import (
	"context"

	"github.com/NicolasHaas/relay/pkg/protocol"
	pb "github.com/NicolasHaas/relay/pkg/protocol/pb"
)

// handleFrame decodes one inbound frame and routes it. Malformed frames
// are logged and dropped; they never end the connection.
func (s *Server) handleFrame(ctx context.Context, id SessionID, data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		s.metrics.DecodeErrors.Add(1)
		s.log.Debug("dropping malformed frame", "session", id, "err", err)
		return
	}
	s.route(ctx, id, ev)
}

// route dispatches a decoded client event to its handler.
func (s *Server) route(ctx context.Context, id SessionID, ev pb.ClientEvent) {
	s.metrics.EventsIn.Add(1)

	switch e := ev.(type) {
	case pb.JoinRoom:
		s.handleJoinRoom(ctx, id, e.Room)
	case pb.LeaveRoom:
		s.handleLeaveRoom(id, e.Room)
	case pb.SendMessage:
		s.handleSendMessage(id, e.Text)
	case pb.PrivateMessage:
		s.handlePrivateMessage(id, e)
	case pb.ServerBroadcast:
		s.handleServerBroadcast(id, e.Payload)
	case pb.RoomBroadcast:
		s.handleRoomBroadcast(ctx, id, e)
	case pb.GetRoomList:
		s.handleGetRoomList(id)
	case pb.ChangeDisplayname:
		s.handleChangeDisplayname(ctx, id, e.DisplayName)
	case pb.GetUsernameFromDisplayname:
		s.handleGetUsername(id, e.DisplayName)
	case pb.Pong:
		s.state.Sessions.Touch(id)
	case pb.GetRoomUsers:
		s.handleGetRoomUsers(ctx, id, e.Room)
	case pb.UpdateStatus:
		s.handleUpdateStatus(ctx, id, e.Status)
	case pb.SubscribeToProfile:
		s.handleSubscribe(id, e.UserID)
	case pb.UnsubscribeFromProfile:
		s.state.Subs.Unsubscribe(e.UserID, id)
	default:
		s.log.Debug("unhandled event", "session", id, "type", ev.ClientType())
	}
}
