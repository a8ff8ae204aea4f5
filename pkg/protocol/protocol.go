// Package protocol encodes and decodes relay frames.
//
// A client frame is a JSON object {"type": tag, "payload": value}. Unit
// events such as "pong" carry no payload. A server frame is the event's
// own JSON object with the "type" tag added as its first member.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	pb "github.com/NicolasHaas/relay/pkg/protocol/pb"
)

// MaxFrameSize is the largest client frame Decode accepts (64KB). Server
// frames are not capped: room history and escaped payloads can exceed it.
const MaxFrameSize = 65536

var (
	ErrFrameTooLarge  = errors.New("protocol: frame too large")
	ErrUnknownEvent   = errors.New("protocol: unknown event type")
	ErrMissingPayload = errors.New("protocol: missing payload")
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses one client frame into its typed event.
func Decode(data []byte) (pb.ClientEvent, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}

	switch env.Type {
	case pb.TypeJoinRoom:
		s, err := stringPayload(env)
		return pb.JoinRoom{Room: s}, err
	case pb.TypeLeaveRoom:
		s, err := stringPayload(env)
		return pb.LeaveRoom{Room: s}, err
	case pb.TypeSendMessage:
		s, err := stringPayload(env)
		return pb.SendMessage{Text: s}, err
	case pb.TypeGetUsernameFromDisplayname:
		s, err := stringPayload(env)
		return pb.GetUsernameFromDisplayname{DisplayName: s}, err
	case pb.TypeGetRoomUsers:
		s, err := stringPayload(env)
		return pb.GetRoomUsers{Room: s}, err
	case pb.TypeUpdateStatus:
		s, err := stringPayload(env)
		return pb.UpdateStatus{Status: s}, err

	case pb.TypePrivateMessage:
		var ev pb.PrivateMessage
		return ev, objectPayload(env, &ev)
	case pb.TypeServerBroadcast:
		var ev pb.ServerBroadcast
		return ev, objectPayload(env, &ev)
	case pb.TypeRoomBroadcast:
		var ev pb.RoomBroadcast
		return ev, objectPayload(env, &ev)
	case pb.TypeChangeDisplayname:
		var ev pb.ChangeDisplayname
		return ev, objectPayload(env, &ev)
	case pb.TypeSubscribeToProfile:
		var ev pb.SubscribeToProfile
		return ev, objectPayload(env, &ev)
	case pb.TypeUnsubscribeFromProfile:
		var ev pb.UnsubscribeFromProfile
		return ev, objectPayload(env, &ev)

	case pb.TypeGetRoomList:
		return pb.GetRoomList{}, nil
	case pb.TypePong:
		return pb.Pong{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
}

func hasPayload(env envelope) bool {
	return len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null"))
}

func stringPayload(env envelope) (string, error) {
	if !hasPayload(env) {
		return "", fmt.Errorf("%w: %s", ErrMissingPayload, env.Type)
	}
	var s string
	if err := json.Unmarshal(env.Payload, &s); err != nil {
		return "", fmt.Errorf("protocol: %s payload: %w", env.Type, err)
	}
	return s, nil
}

func objectPayload(env envelope, v any) error {
	if !hasPayload(env) {
		return fmt.Errorf("%w: %s", ErrMissingPayload, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("protocol: %s payload: %w", env.Type, err)
	}
	return nil
}

// Encode serialises a server event with its "type" tag.
func Encode(ev pb.ServerEvent) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", ev.ServerType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("protocol: %s does not encode to an object", ev.ServerType())
	}
	tag, _ := json.Marshal(ev.ServerType())

	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if rest := body[1:]; rest[0] != '}' {
		out = append(out, ',')
		out = append(out, rest...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}
