package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	pb "github.com/NicolasHaas/relay/pkg/protocol/pb"
)

func newHTTPTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, _ := newTestServer(t)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, hs
}

func wsURL(hs *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws" + query
}

func readType(t *testing.T, c *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read waiting for %s: %v", typ, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("frame %s: %v", data, err)
		}
		if m["type"] == typ {
			return m
		}
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv, hs := newHTTPTestServer(t)

	alice, _, err := websocket.DefaultDialer.Dial(wsURL(hs, "?token=tok-alice"), nil)
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	defer alice.Close()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer tok-bob")
	bob, _, err := websocket.DefaultDialer.Dial(wsURL(hs, ""), hdr)
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer bob.Close()

	announced := readType(t, alice, pb.TypeIdentityAnnounced)
	if id, _ := announced["payload"].(string); id == "" {
		t.Fatalf("identity_announced without id: %v", announced)
	}
	readType(t, bob, pb.TypeIdentityAnnounced)

	for _, c := range []*websocket.Conn{alice, bob} {
		if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"join_room","payload":"lobby"}`)); err != nil {
			t.Fatalf("write join: %v", err)
		}
		readType(t, c, pb.TypeLoadRoomMessages)
	}

	msg := `{"type":"room_broadcast","payload":{"payload":"hello","room_name":"lobby"}}`
	if err := alice.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write broadcast: %v", err)
	}
	got := readType(t, bob, pb.TypeSendMessage)
	if got["payload"] != "hello" || got["from_username"] != "alice" {
		t.Fatalf("bob received %v", got)
	}

	_ = alice.Close()
	left := readType(t, bob, pb.TypeUserLeft)
	if diff := cmp.Diff(map[string]any{"type": "user_left", "room_name": "lobby", "username": "alice"}, left); diff != "" {
		t.Fatalf("user_left mismatch (-want +got):\n%s", diff)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.state.Sessions.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions: want 1 got %d", srv.state.Sessions.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketMissingToken(t *testing.T) {
	srv, hs := newHTTPTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(hs, ""), nil)
	if err == nil {
		t.Fatal("dial without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401 response, got %v", resp)
	}
	if srv.metrics.FailedAuths.Load() != 1 {
		t.Fatal("FailedAuths not counted")
	}
}

func TestWebSocketBadTokenClosesWithoutFrame(t *testing.T) {
	srv, hs := newHTTPTestServer(t)

	c, _, err := websocket.DefaultDialer.Dial(wsURL(hs, "?token=bogus"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, data, err := c.ReadMessage(); err == nil {
		t.Fatalf("expected close, got frame %s", data)
	}
	if srv.state.Sessions.Count() != 0 {
		t.Fatal("session registered for bad token")
	}
}

func TestRoomsEndpoint(t *testing.T) {
	srv, hs := newHTTPTestServer(t)
	id, _ := srv.state.Sessions.Register(ident(1, "alice"), 1)
	srv.state.JoinRoom(id, "lobby")

	resp, err := http.Get(hs.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("GET /api/rooms: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Rooms    []RoomCount `json:"rooms"`
		Sessions int         `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff([]RoomCount{{Name: "lobby", Count: 1}}, body.Rooms); diff != "" {
		t.Fatalf("rooms mismatch (-want +got):\n%s", diff)
	}
	if body.Sessions != 1 {
		t.Fatalf("sessions: want 1 got %d", body.Sessions)
	}

	health, err := http.Get(hs.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", health.StatusCode)
	}
}

func TestTokenFromRequest(t *testing.T) {
	tcases := map[string]struct {
		url    string
		header string
		want   string
	}{
		"query":       {url: "/ws?token=abc", want: "abc"},
		"bearer":      {url: "/ws", header: "Bearer xyz", want: "xyz"},
		"query wins":  {url: "/ws?token=abc", header: "Bearer xyz", want: "abc"},
		"basic auth":  {url: "/ws", header: "Basic Zm9v", want: ""},
		"no token":    {url: "/ws", want: ""},
		"empty query": {url: "/ws?token=", want: ""},
	}
	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.url, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if got := tokenFromRequest(r); got != tc.want {
				t.Fatalf("want %q got %q", tc.want, got)
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.AllowedOrigins = []string{"https://chat.example"}

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://chat.example")
	if !srv.checkOrigin(r) {
		t.Fatal("allowed origin rejected")
	}
	r.Header.Set("Origin", "https://evil.example")
	if srv.checkOrigin(r) {
		t.Fatal("foreign origin accepted")
	}
}

func TestMetricsRegistry(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.state.Sessions.Register(ident(1, "alice"), 1)
	srv.metrics.Deliveries.Add(3)

	families, err := srv.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	values := make(map[string]float64)
	for _, f := range families {
		m := f.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			values[f.GetName()] = c.GetValue()
		}
		if g := m.GetGauge(); g != nil {
			values[f.GetName()] = g.GetValue()
		}
	}
	if values["relay_sessions"] != 1 {
		t.Fatalf("relay_sessions: want 1 got %v", values["relay_sessions"])
	}
	if values["relay_deliveries_total"] != 3 {
		t.Fatalf("relay_deliveries_total: want 3 got %v", values["relay_deliveries_total"])
	}
}

func TestStartRequiresDirectory(t *testing.T) {
	srv := New(DefaultConfig(), Dependencies{Logger: discardLogger()})
	defer srv.cancel()
	if err := srv.Start(); err == nil {
		t.Fatal("Start without a directory should fail")
	}
}

func TestStartAndShutdown(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.Listen = "127.0.0.1:0"
	srv.cfg.MetricsListen = "127.0.0.1:0"
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok\n" {
		t.Fatalf("healthz body %q", body)
	}
	if err := srv.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestShutdownWaitsForTrackedConnections(t *testing.T) {
	srv, _ := newTestServer(t)
	if !srv.trackConn() {
		t.Fatal("trackConn refused before shutdown")
	}

	returned := make(chan error, 1)
	go func() { returned <- srv.Shutdown(context.Background()) }()

	select {
	case err := <-returned:
		t.Fatalf("Shutdown returned with a tracked connection: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if srv.trackConn() {
		t.Fatal("trackConn accepted during shutdown")
	}

	srv.conns.Done()
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after the connection finished")
	}
}

func TestWebSocketRefusedWhileShuttingDown(t *testing.T) {
	srv, hs := newHTTPTestServer(t)
	if err := srv.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(hs, "?token=tok-alice"), nil)
	if err == nil {
		t.Fatal("dial during shutdown should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("want 503 response, got %v", resp)
	}
}
