// Package pb holds the relay's wire vocabulary: the events clients send and
// the events the relay pushes back.
//
// Client frames are adjacently tagged ({"type": ..., "payload": ...});
// server frames are internally tagged ({"type": ..., <fields>}).
package pb

import (
	"time"

	"github.com/NicolasHaas/relay/pkg/model"
)

// Client event tags.
const (
	TypeJoinRoom                   = "join_room"
	TypeLeaveRoom                  = "leave_room"
	TypeSendMessage                = "send_message"
	TypePrivateMessage             = "private_message"
	TypeServerBroadcast            = "server_broadcast"
	TypeRoomBroadcast              = "room_broadcast"
	TypeGetRoomList                = "get_room_list"
	TypeChangeDisplayname          = "change_displayname"
	TypeGetUsernameFromDisplayname = "get_username_from_displayname"
	TypePong                       = "pong"
	TypeGetRoomUsers               = "get_room_users"
	TypeUpdateStatus               = "update_status"
	TypeSubscribeToProfile         = "subscribe_to_profile"
	TypeUnsubscribeFromProfile     = "unsubscribe_from_profile"
)

// Server event tags.
const (
	TypeIdentityAnnounced  = "identity_announced"
	TypeRoomUpdate         = "room_update"
	TypeError              = "error"
	TypeDisplaynameChanged = "displayname_changed"
	TypeUserJoined         = "user_joined"
	TypeUserLeft           = "user_left"
	TypeRoomList           = "room_list"
	TypeUserStatusChanged  = "user_status_changed"
	TypeLoadRoomMessages   = "load_room_messages"
	TypeUserStatusUpdate   = "user_status_update"
	TypeReceiveUsername    = "recieve_username" // sic, clients depend on it
	TypePing               = "ping"
)

// ----- Client events -----

// ClientEvent is implemented by every decoded client frame.
type ClientEvent interface {
	ClientType() string
}

type JoinRoom struct{ Room string }

type LeaveRoom struct{ Room string }

type SendMessage struct{ Text string }

type PrivateMessage struct {
	Payload        string `json:"payload"`
	TargetUsername string `json:"target_username"`
}

type ServerBroadcast struct {
	Payload string `json:"payload"`
}

type RoomBroadcast struct {
	Payload  string `json:"payload"`
	RoomName string `json:"room_name"`
}

type GetRoomList struct{}

type ChangeDisplayname struct {
	DisplayName string `json:"displayName"`
}

type GetUsernameFromDisplayname struct{ DisplayName string }

type Pong struct{}

type GetRoomUsers struct{ Room string }

type UpdateStatus struct{ Status string }

type SubscribeToProfile struct {
	UserID int64 `json:"user_id"`
}

type UnsubscribeFromProfile struct {
	UserID int64 `json:"user_id"`
}

func (JoinRoom) ClientType() string                   { return TypeJoinRoom }
func (LeaveRoom) ClientType() string                  { return TypeLeaveRoom }
func (SendMessage) ClientType() string                { return TypeSendMessage }
func (PrivateMessage) ClientType() string             { return TypePrivateMessage }
func (ServerBroadcast) ClientType() string            { return TypeServerBroadcast }
func (RoomBroadcast) ClientType() string              { return TypeRoomBroadcast }
func (GetRoomList) ClientType() string                { return TypeGetRoomList }
func (ChangeDisplayname) ClientType() string          { return TypeChangeDisplayname }
func (GetUsernameFromDisplayname) ClientType() string { return TypeGetUsernameFromDisplayname }
func (Pong) ClientType() string                       { return TypePong }
func (GetRoomUsers) ClientType() string               { return TypeGetRoomUsers }
func (UpdateStatus) ClientType() string               { return TypeUpdateStatus }
func (SubscribeToProfile) ClientType() string         { return TypeSubscribeToProfile }
func (UnsubscribeFromProfile) ClientType() string     { return TypeUnsubscribeFromProfile }

// ----- Server events -----

// ServerEvent is implemented by every event the relay sends. The JSON
// encoding of a ServerEvent must be an object; the codec adds the tag.
type ServerEvent interface {
	ServerType() string
}

type IdentityAnnounced struct {
	Payload string `json:"payload"`
}

// ChatMessage is the stamped form of send_message, server_broadcast and
// room_broadcast deliveries, and of private messages.
type ChatMessage struct {
	Payload         string     `json:"payload"`
	FromID          string     `json:"from_id"`
	FromUsername    string     `json:"from_username"`
	FromDisplayName string     `json:"from_display_name"`
	CreatedAt       time.Time  `json:"created_at"`
	EditedAt        *time.Time `json:"edited_at"`
}

// SentMessage is delivered as send_message.
type SentMessage ChatMessage

// DirectMessage is delivered as private_message.
type DirectMessage ChatMessage

type RoomUpdate struct {
	RoomName string           `json:"room_name"`
	Users    []model.RoomUser `json:"users"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type DisplaynameChanged struct {
	Old string `json:"old"`
	New string `json:"new"`
}

type UserJoined struct {
	RoomName string `json:"room_name"`
	Username string `json:"username"`
}

type UserLeft struct {
	RoomName string `json:"room_name"`
	Username string `json:"username"`
}

type RoomListEntry struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type RoomList struct {
	Rooms []RoomListEntry `json:"rooms"`
}

type UserStatusChanged struct {
	Username string       `json:"username"`
	Status   model.Status `json:"status"`
}

type LoadRoomMessages struct {
	RoomName string              `json:"room_name"`
	Messages []model.RoomMessage `json:"messages"`
}

type UserStatusUpdate struct {
	Status model.Status `json:"status"`
}

type ReceiveUsername struct {
	Username string `json:"username"`
}

type Ping struct{}

func (IdentityAnnounced) ServerType() string  { return TypeIdentityAnnounced }
func (SentMessage) ServerType() string        { return TypeSendMessage }
func (DirectMessage) ServerType() string      { return TypePrivateMessage }
func (RoomUpdate) ServerType() string         { return TypeRoomUpdate }
func (Error) ServerType() string              { return TypeError }
func (DisplaynameChanged) ServerType() string { return TypeDisplaynameChanged }
func (UserJoined) ServerType() string         { return TypeUserJoined }
func (UserLeft) ServerType() string           { return TypeUserLeft }
func (RoomList) ServerType() string           { return TypeRoomList }
func (UserStatusChanged) ServerType() string  { return TypeUserStatusChanged }
func (LoadRoomMessages) ServerType() string   { return TypeLoadRoomMessages }
func (UserStatusUpdate) ServerType() string   { return TypeUserStatusUpdate }
func (ReceiveUsername) ServerType() string    { return TypeReceiveUsername }
func (Ping) ServerType() string               { return TypePing }
