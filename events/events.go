// Package events defines the typed notifications the auction engine emits
// and a best-effort in-process bus to deliver them, in the shape of
// core/events's typed-event-struct pattern (EventType + attribute map)
// generalized away from the blockchain event envelope it was built for.
package events

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinylvt/tinylvt/money"
)

// Event is a notification emitted by the engine. Name is the stable,
// machine-readable type tag; Attributes renders it for logging/audit
// sinks without requiring consumers to know the concrete Go type.
type Event interface {
	Name() string
	Attributes() map[string]string
}

// AuctionOpened fires when an auction transitions Scheduled → Active.
type AuctionOpened struct {
	AuctionID uuid.UUID
}

func (e AuctionOpened) Name() string { return "AuctionOpened" }
func (e AuctionOpened) Attributes() map[string]string {
	return map[string]string{"auction_id": e.AuctionID.String()}
}

// RoundClosed fires after a round's results are written and either the
// next round opens or the auction moves to Finalizing.
type RoundClosed struct {
	AuctionID uuid.UUID
	RoundNum  int
}

func (e RoundClosed) Name() string { return "RoundClosed" }
func (e RoundClosed) Attributes() map[string]string {
	return map[string]string{"auction_id": e.AuctionID.String(), "round_num": strconv.Itoa(e.RoundNum)}
}

// UserOutbid fires for the user who held standing on a space immediately
// before a new winner was selected for it.
type UserOutbid struct {
	AuctionID uuid.UUID
	SpaceID   uuid.UUID
	UserID    uuid.UUID
}

func (e UserOutbid) Name() string { return "UserOutbid" }
func (e UserOutbid) Attributes() map[string]string {
	return map[string]string{
		"auction_id": e.AuctionID.String(),
		"space_id":   e.SpaceID.String(),
		"user_id":    e.UserID.String(),
	}
}

// SettlementLine is one winning allocation carried by AuctionFinalized.
type SettlementLine struct {
	SpaceID uuid.UUID
	UserID  uuid.UUID
	Value   money.Amount
}

// AuctionFinalized fires once per auction, from inside the finalizing
// transaction, after the settlement ledger entry (if any winner exists) has
// been written.
type AuctionFinalized struct {
	AuctionID uuid.UUID
	Winners   []SettlementLine
}

func (e AuctionFinalized) Name() string { return "AuctionFinalized" }
func (e AuctionFinalized) Attributes() map[string]string {
	return map[string]string{"auction_id": e.AuctionID.String(), "winner_count": strconv.Itoa(len(e.Winners))}
}

// Publisher is the interface the engine depends on; Bus is the production
// implementation but tests may supply a recording fake.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Bus is an in-process, best-effort fan-out publisher. A slow or absent subscriber
// never blocks the engine: Publish retries a bounded number of times with
// a short backoff, then logs and drops, counted by callers via Dropped.
// Delivery is therefore not at-least-once: a dropped event is not resent.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	logger      *slog.Logger
	dropped     int64
}

// NewBus constructs an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a new consumer channel with a small buffer so bursts
// (e.g. simultaneous UserOutbid events at round close) don't serialize
// delivery to other subscribers.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Publish fans evt out to every subscriber, retrying a full channel a few
// times before giving up on that subscriber for this event.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	b.mu.RLock()
	subs := append([]chan Event(nil), b.subscribers...)
	b.mu.RUnlock()

	for _, ch := range subs {
		delivered := false
		for attempt := 0; attempt < 3 && !delivered; attempt++ {
			select {
			case ch <- evt:
				delivered = true
			case <-ctx.Done():
				return
			default:
				time.Sleep(time.Millisecond * time.Duration(1<<attempt))
			}
		}
		if !delivered {
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			b.logger.Warn("dropped event for slow subscriber", "event", evt.Name(), slogAttrs(evt)...)
		}
	}
}

// Dropped returns the count of subscriber deliveries abandoned so far.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func slogAttrs(evt Event) []any {
	attrs := evt.Attributes()
	out := make([]any, 0, len(attrs)*2)
	for k, v := range attrs {
		out = append(out, k, v)
	}
	return out
}

