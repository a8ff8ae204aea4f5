package directory

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/NicolasHaas/relay/pkg/model"
	"github.com/NicolasHaas/relay/pkg/version"
)

// maxResponseBody caps how much of a directory response is read.
const maxResponseBody = 4 << 20

// StatusError is returned when the directory answers with a non-2xx status.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("directory: %s: HTTP %d", e.Op, e.Status)
}

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	BaseURL            string        // e.g. "https://localhost:443"
	Timeout            time.Duration // per request; 0 means 10s
	InsecureSkipVerify bool          // accept self-signed directory certificates
	Transport          http.RoundTripper
}

// HTTPClient talks to a Directory Service over its JSON HTTP API.
type HTTPClient struct {
	base *url.URL
	hc   *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient validates opts and builds a client.
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("directory: base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("directory: base url %q must be http or https", opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rt := opts.Transport
	if rt == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipVerify {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed directories
		}
		rt = tr
	}
	return &HTTPClient{
		base: base,
		hc:   &http.Client{Timeout: timeout, Transport: rt},
	}, nil
}

// do sends one request. A nil out discards the response body.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("directory: %s: marshal: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("directory: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return &StatusError{Op: op, Status: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return fmt.Errorf("directory: %s: decode: %w", op, err)
	}
	return nil
}

type verifyResponse struct {
	Valid       bool    `json:"valid"`
	UserID      int64   `json:"userId"`
	Username    string  `json:"username"`
	DisplayName string  `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl"`
}

// VerifyToken posts the token to /api/auth/verify-session.
func (c *HTTPClient) VerifyToken(ctx context.Context, token string) (model.Identity, error) {
	var resp verifyResponse
	err := c.do(ctx, "verify token", http.MethodPost, "/api/auth/verify-session",
		map[string]string{"token": token}, &resp)
	var se *StatusError
	if errors.As(err, &se) {
		return model.Identity{}, fmt.Errorf("%w: HTTP %d", ErrUnauthorized, se.Status)
	}
	if err != nil {
		return model.Identity{}, err
	}
	if !resp.Valid {
		return model.Identity{}, ErrUnauthorized
	}

	id := model.Identity{
		AccountID:   resp.UserID,
		Username:    resp.Username,
		DisplayName: resp.DisplayName,
	}
	if id.Username == "" {
		id.Username = "Anonymous"
	}
	if id.DisplayName == "" {
		id.DisplayName = id.Username
	}
	if resp.AvatarURL != nil {
		id.AvatarURL = *resp.AvatarURL
	}
	return id, nil
}

// PersistMessage stores a room message.
func (c *HTTPClient) PersistMessage(ctx context.Context, room string, accountID int64, content string) error {
	return c.do(ctx, "persist message", http.MethodPost, "/api/internal/messages", map[string]any{
		"roomId":  room,
		"userId":  accountID,
		"content": content,
	}, nil)
}

// PersistStatus records an account's presence.
func (c *HTTPClient) PersistStatus(ctx context.Context, accountID int64, status model.Status) error {
	return c.do(ctx, "persist status", http.MethodPost, "/internal/updateStatus", map[string]any{
		"userId": accountID,
		"status": status,
	}, nil)
}

// UpdateDisplayName changes the account's display name.
func (c *HTTPClient) UpdateDisplayName(ctx context.Context, accountID int64, name string) error {
	path := "/internal/updateDisplayname/" + strconv.FormatInt(accountID, 10)
	return c.do(ctx, "update display name", http.MethodPost, path, map[string]string{"displayName": name}, nil)
}

type wireAuthor struct {
	ID          *int64  `json:"id"`
	Username    *string `json:"username"`
	DisplayName *string `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl"`
}

type wireMessage struct {
	ID          *int64     `json:"id"`
	Content     *string    `json:"content"`
	CreatedAt   *string    `json:"createdAt"`
	EditedAt    *string    `json:"editedAt"`
	MessageType *string    `json:"messageType"`
	User        wireAuthor `json:"user"`
}

// RoomMessages fetches a room's history. Entries missing an id, content,
// timestamp or author are skipped.
func (c *HTTPClient) RoomMessages(ctx context.Context, room string) ([]model.RoomMessage, error) {
	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	err := c.do(ctx, "room messages", http.MethodGet, "/internal/rooms/"+url.PathEscape(room)+"/messages", nil, &resp)
	if err != nil {
		return nil, readError(err)
	}

	out := make([]model.RoomMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m.ID == nil || m.Content == nil || m.CreatedAt == nil || m.User.ID == nil || m.User.Username == nil {
			continue
		}
		msg := model.RoomMessage{
			ID:          *m.ID,
			Content:     *m.Content,
			CreatedAt:   *m.CreatedAt,
			EditedAt:    m.EditedAt,
			MessageType: model.MessageTypeText,
			User: model.MessageAuthor{
				ID:          *m.User.ID,
				Username:    *m.User.Username,
				DisplayName: *m.User.Username,
			},
		}
		if m.MessageType != nil {
			msg.MessageType = *m.MessageType
		}
		if m.User.DisplayName != nil {
			msg.User.DisplayName = *m.User.DisplayName
		}
		if m.User.AvatarURL != nil {
			msg.User.AvatarURL = *m.User.AvatarURL
		}
		out = append(out, msg)
	}
	return out, nil
}

type wireMember struct {
	Username    *string `json:"username"`
	DisplayName *string `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl"`
	Status      *string `json:"status"`
}

// RoomMembers fetches the directory's roster for a room.
func (c *HTTPClient) RoomMembers(ctx context.Context, room string) ([]model.RoomUser, error) {
	var resp struct {
		Members []wireMember `json:"members"`
	}
	err := c.do(ctx, "room members", http.MethodGet, "/internal/rooms/"+url.PathEscape(room)+"/members", nil, &resp)
	if err != nil {
		return nil, readError(err)
	}

	out := make([]model.RoomUser, 0, len(resp.Members))
	for _, m := range resp.Members {
		if m.Username == nil {
			continue
		}
		u := model.RoomUser{
			Username:    *m.Username,
			DisplayName: *m.Username,
			Status:      model.StatusOnline,
		}
		if m.DisplayName != nil {
			u.DisplayName = *m.DisplayName
		}
		if m.AvatarURL != nil {
			u.AvatarURL = *m.AvatarURL
		}
		if m.Status != nil {
			u.Status = model.Status(*m.Status)
		}
		out = append(out, u)
	}
	return out, nil
}

// readError maps any non-2xx answer on a read to ErrNotFound.
func readError(err error) error {
	var se *StatusError
	if errors.As(err, &se) {
		return fmt.Errorf("%w: %s: HTTP %d", ErrNotFound, se.Op, se.Status)
	}
	return err
}
