package server

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/NicolasHaas/relay/pkg/protocol"
	pb "github.com/NicolasHaas/relay/pkg/protocol/pb"
)

// Send outcomes for a single target.
var (
	errEncode    = errors.New("encode event")
	errQueueFull = errors.New("outbound queue full")
	errNoSession = errors.New("no such session")
)

// Broadcaster delivers encoded events to session outbound queues. A send
// never blocks: a full queue drops the frame for that target only.
type Broadcaster struct {
	sessions *SessionRegistry
	metrics  *Metrics
	log      *slog.Logger
}

// NewBroadcaster creates a broadcaster over the registry.
func NewBroadcaster(sessions *SessionRegistry, metrics *Metrics, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Broadcaster{sessions: sessions, metrics: metrics, log: log}
}

// Deliver encodes ev once and enqueues it for every target. Targets that
// are gone or whose queue is full are skipped. It returns the number of
// successful enqueues.
func (b *Broadcaster) Deliver(targets []SessionID, ev pb.ServerEvent) int {
	if len(targets) == 0 {
		return 0
	}
	frame, err := b.encode(ev, len(targets))
	if err != nil {
		return 0
	}
	delivered := 0
	for _, id := range targets {
		if b.enqueue(id, frame, ev.ServerType()) == nil {
			delivered++
		}
	}
	return delivered
}

// Send delivers ev to one session and reports why it did not arrive:
// errEncode, errQueueFull or errNoSession.
func (b *Broadcaster) Send(id SessionID, ev pb.ServerEvent) error {
	frame, err := b.encode(ev, 1)
	if err != nil {
		return err
	}
	return b.enqueue(id, frame, ev.ServerType())
}

// encode serialises ev. A failure counts as a dropped delivery for every
// intended target.
func (b *Broadcaster) encode(ev pb.ServerEvent, targets int) ([]byte, error) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		b.metrics.DroppedDeliveries.Add(int64(targets))
		b.log.Error("encode event", "type", ev.ServerType(), "targets", targets, "err", err)
		return nil, fmt.Errorf("%w: %w", errEncode, err)
	}
	return frame, nil
}

// DeliverExcept delivers to every target other than skip.
func (b *Broadcaster) DeliverExcept(targets []SessionID, skip SessionID, ev pb.ServerEvent) int {
	filtered := make([]SessionID, 0, len(targets))
	for _, id := range targets {
		if id != skip {
			filtered = append(filtered, id)
		}
	}
	return b.Deliver(filtered, ev)
}

// SendTo delivers ev to a single session.
func (b *Broadcaster) SendTo(id SessionID, ev pb.ServerEvent) bool {
	return b.Send(id, ev) == nil
}

// SendError delivers an error event to a single session.
func (b *Broadcaster) SendError(id SessionID, code, msg string) bool {
	return b.SendTo(id, pb.Error{Code: code, Message: msg})
}

func (b *Broadcaster) enqueue(id SessionID, frame []byte, typ string) error {
	ch, ok := b.sessions.Outbound(id)
	if !ok {
		return errNoSession
	}
	select {
	case ch <- frame:
		b.metrics.Deliveries.Add(1)
		return nil
	default:
		b.metrics.DroppedDeliveries.Add(1)
		b.log.Warn("outbound queue full, dropping frame", "session", id, "type", typ)
		return errQueueFull
	}
}
