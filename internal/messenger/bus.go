// Package messenger carries ordered, delivery-attempted messages between
// ledgers.
//
// Delivery is at-least-once: an envelope may reach its destination more
// than once, and receivers deduplicate by (channel, sequence_number) so
// that redelivery is a no-op. Ordering is guaranteed within a channel
// only; the protocol above is gated on matching pending requests, which
// makes it order-independent across channels by construction.
package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler consumes envelopes delivered on a channel and returns any
// resulting outbound messages as values.
type Handler interface {
	HandleMessage(ctx context.Context, env *Envelope) ([]Outbound, error)
}

// Bus is the inter-ledger message transport. It assigns per-channel
// monotonically increasing sequence numbers, signs envelopes with the link
// secret, and attempts delivery to the routed destination. Sent envelopes
// are retained so they can be redelivered (at-least-once semantics).
type Bus struct {
	mu      sync.Mutex
	secret  []byte
	logger  *zap.Logger
	seqs    map[string]uint64
	queue   []*Envelope
	history map[string][]*Envelope
	routes  map[string]Handler
}

// NewBus creates a Bus. secret is the link secret shared by all ledgers on
// this mesh; envelopes whose signature does not verify are dropped.
func NewBus(secret []byte, logger *zap.Logger) *Bus {
	return &Bus{
		secret:  secret,
		logger:  logger,
		seqs:    make(map[string]uint64),
		history: make(map[string][]*Envelope),
		routes:  make(map[string]Handler),
	}
}

// Route registers the destination handler for a channel.
func (b *Bus) Route(channel string, h Handler) {
	b.mu.Lock()
	b.routes[channel] = h
	b.mu.Unlock()
}

// Send assigns the next sequence number on channel, signs the envelope, and
// enqueues it for delivery. It never blocks on the destination.
func (b *Bus) Send(channel string, typ Type, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	b.mu.Lock()
	b.seqs[channel]++
	env := &Envelope{
		Channel: channel,
		Seq:     b.seqs[channel],
		Type:    typ,
		Payload: raw,
	}
	env.Signature = sign(b.secret, env)
	b.queue = append(b.queue, env)
	b.history[channel] = append(b.history[channel], env)
	b.mu.Unlock()

	b.logger.Debug("message enqueued",
		zap.String("channel", channel),
		zap.Uint64("seq", env.Seq),
		zap.String("type", string(typ)),
	)
	return env, nil
}

// Redeliver re-enqueues a previously sent envelope. Used to model the
// at-least-once transport retrying a delivery.
func (b *Bus) Redeliver(channel string, seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, env := range b.history[channel] {
		if env.Seq == seq {
			b.queue = append(b.queue, env)
			return nil
		}
	}
	return fmt.Errorf("no envelope %s/%d in history", channel, seq)
}

// DeliverAll drains the queue, delivering each envelope to its routed
// destination and feeding any resulting outbound messages back through
// Send. It returns once no deliveries remain pending.
//
// An envelope with a bad signature or an unrouted channel is dropped and
// logged, never delivered. Handler errors are likewise logged and the
// envelope dropped: every protocol failure resolves to a ledger-local
// outcome (denial, refund), not a transport retry loop.
func (b *Bus) DeliverAll(ctx context.Context) error {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return nil
		}
		env := b.queue[0]
		b.queue = b.queue[1:]
		dest := b.routes[env.Channel]
		b.mu.Unlock()

		if !verifySignature(b.secret, env) {
			b.logger.Warn("dropping envelope with bad signature",
				zap.String("channel", env.Channel),
				zap.Uint64("seq", env.Seq),
			)
			continue
		}
		if dest == nil {
			b.logger.Warn("dropping envelope on unrouted channel",
				zap.String("channel", env.Channel),
			)
			continue
		}

		outs, err := dest.HandleMessage(ctx, env)
		if err != nil {
			b.logger.Error("message handler failed, envelope dropped",
				zap.String("channel", env.Channel),
				zap.Uint64("seq", env.Seq),
				zap.String("type", string(env.Type)),
				zap.Error(err),
			)
			continue
		}
		for _, out := range outs {
			if _, err := b.Send(out.Channel, out.Type, out.Payload); err != nil {
				b.logger.Error("failed to send handler effect",
					zap.String("channel", out.Channel),
					zap.Error(err),
				)
			}
		}
	}
}

// Inbox tracks the per-channel delivery watermark on the receiving side.
// Because ordering is guaranteed within a channel, a sequence number at or
// below the watermark has already been applied and must be a no-op.
type Inbox struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewInbox creates an empty Inbox.
func NewInbox() *Inbox {
	return &Inbox{last: make(map[string]uint64)}
}

// Duplicate reports whether env has already been applied, recording it as
// applied otherwise. Callers must invoke this under the same serialization
// that guards their state transition.
func (i *Inbox) Duplicate(env *Envelope) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if env.Seq <= i.last[env.Channel] {
		return true
	}
	i.last[env.Channel] = env.Seq
	return false
}
