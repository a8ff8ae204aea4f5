package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NicolasHaas/relay/pkg/model"
	pb "github.com/NicolasHaas/relay/pkg/protocol/pb"
)

var (
	errHeartbeatTimeout = errors.New("heartbeat timeout")
	errSessionGone      = errors.New("session removed")
)

// conn is the lifecycle of one authenticated connection.
type conn struct {
	srv      *Server
	id       SessionID
	t        Transport
	outbound <-chan []byte
	log      *slog.Logger

	teardownOnce sync.Once
}

// ServeConn runs a connection from authentication to teardown and returns
// once the connection is fully reclaimed. The transport is always closed.
func (s *Server) ServeConn(ctx context.Context, t Transport, token string) {
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	defer s.metrics.ActiveConnections.Add(-1)

	ident, err := s.authenticate(ctx, token)
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		s.log.Info("authentication failed", "err", err)
		_ = t.Close()
		return
	}
	s.metrics.SuccessfulAuths.Add(1)

	id, outbound := s.state.Sessions.Register(ident, s.cfg.SendQueueSize)
	c := &conn{
		srv:      s,
		id:       id,
		t:        t,
		outbound: outbound,
		log:      s.log.With("session", id, "user", ident.Username),
	}
	c.log.Info("session connected", "account", ident.AccountID)

	s.fanout.SendTo(id, pb.IdentityAnnounced{Payload: string(id)})
	s.broadcastStatus(id, model.StatusOnline)
	s.persistStatus(ctx, ident.AccountID, model.StatusOnline)

	err = c.run(ctx)
	_ = t.Close()
	c.teardown(err)
}

func (s *Server) authenticate(ctx context.Context, token string) (model.Identity, error) {
	if token == "" {
		return model.Identity{}, errors.New("missing token")
	}
	actx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()
	ident, err := s.dir.VerifyToken(actx, token)
	if err != nil {
		return model.Identity{}, fmt.Errorf("verify token: %w", err)
	}
	return ident, nil
}

// run drives the read, write and heartbeat duties. The first one to end
// cancels the others; the transport is closed so a blocked read returns.
func (c *conn) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.heartbeat(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		_ = c.t.Close()
		return gctx.Err()
	})
	return g.Wait()
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		data, err := c.t.ReadFrame()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.srv.handleFrame(ctx, c.id, data)
	}
}

// writeLoop drains the outbound queue onto the transport. The queue is
// never closed; the loop ends on cancellation or a write failure.
func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.outbound:
			if err := c.t.WriteFrame(frame); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func (c *conn) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(c.srv.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			last, ok := c.srv.state.Sessions.LastHeartbeat(c.id)
			if !ok {
				return errSessionGone
			}
			if c.srv.now().Sub(last) > c.srv.cfg.HeartbeatTimeout {
				return errHeartbeatTimeout
			}
			c.srv.fanout.SendTo(c.id, pb.Ping{})
		}
	}
}

// teardown reclaims everything the session holds. It runs once per
// connection no matter which duty ended first.
func (c *conn) teardown(cause error) {
	c.teardownOnce.Do(func() {
		s := c.srv
		if errors.Is(cause, errHeartbeatTimeout) {
			s.metrics.HeartbeatTimeouts.Add(1)
		}

		// Offline goes out while the session still resolves its rooms and
		// subscribers.
		s.broadcastStatus(c.id, model.StatusOffline)

		snap, ok := s.state.RemoveSession(c.id)
		if !ok {
			return
		}
		for _, room := range snap.Rooms {
			s.announceDeparture(room, snap.Username)
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		defer cancel()
		s.persistStatus(ctx, snap.AccountID, model.StatusOffline)

		s.metrics.TotalDisconnects.Add(1)
		c.log.Info("session disconnected", "cause", cause, "rooms", len(snap.Rooms))
	})
}
