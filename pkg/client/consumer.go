package client

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
	"github.com/moroshma/MiniToolQueue/pkg/wire"
)

// Delivery is a message handed to a consumer. It stays in flight until it
// is acknowledged or released, or its session ends.
type Delivery struct {
	ID            string
	Destination   string
	Payload       []byte
	Headers       map[string]string
	Priority      uint8
	Timestamp     time.Time
	ExpiresAt     time.Time
	DeliveryCount uint32
	Sequence      uint64

	consumer *Consumer
}

// Redelivered reports whether the message was delivered before.
func (d *Delivery) Redelivered() bool {
	return d.DeliveryCount > 0
}

// Ack settles the delivery; the broker removes the message for good.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.consumer.settle(ctx, wire.FrameAck, d.ID)
}

// Release gives the message back for redelivery.
func (d *Delivery) Release(ctx context.Context) error {
	return d.consumer.settle(ctx, wire.FrameRelease, d.ID)
}

// Consumer receives from one destination.
type Consumer struct {
	conn        *Connection
	session     uint32
	destination string
	closed      atomic.Bool
}

// NewConsumer attaches a consumer session on destination.
func (c *Connection) NewConsumer(ctx context.Context, destination string) (*Consumer, error) {
	id, err := c.attach(ctx, wire.RoleConsumer, destination)
	if err != nil {
		return nil, fmt.Errorf("failed to attach consumer on %q: %w", destination, err)
	}
	return &Consumer{conn: c, session: id, destination: destination}, nil
}

// Destination returns the destination the consumer receives from.
func (c *Consumer) Destination() string {
	return c.destination
}

// Receive waits for the next message. A positive timeout ends the wait with
// an error matching ErrDeliveryTimeout; zero waits until ctx is done.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	if c.closed.Load() {
		return nil, qerr.ErrSessionClosed
	}

	f, err := c.conn.do(ctx, func() *wire.Frame {
		return &wire.Frame{
			Type:    wire.FrameFlow,
			Session: c.session,
			Flow:    &wire.Flow{TimeoutMillis: timeout.Milliseconds()},
		}
	})
	if err != nil {
		return nil, err
	}
	if f.Type != wire.FrameDeliver || f.Message == nil {
		return nil, fmt.Errorf("%w: expected deliver, got %s", qerr.ErrProtocol, f.Type)
	}
	return c.delivery(f.Message), nil
}

func (c *Consumer) delivery(m *wire.Message) *Delivery {
	d := &Delivery{
		ID:            m.ID,
		Destination:   m.Destination,
		Payload:       m.Payload,
		Headers:       m.Headers,
		Priority:      m.Priority,
		DeliveryCount: m.DeliveryCount,
		Sequence:      m.Sequence,
		consumer:      c,
	}
	if m.Timestamp != 0 {
		d.Timestamp = time.UnixMilli(m.Timestamp)
	}
	if m.ExpiresAt != 0 {
		d.ExpiresAt = time.UnixMilli(m.ExpiresAt)
	}
	return d
}

func (c *Consumer) settle(ctx context.Context, typ wire.FrameType, id string) error {
	if c.closed.Load() {
		return qerr.ErrSessionClosed
	}
	_, err := c.conn.roundTrip(ctx, &wire.Frame{
		Type:    typ,
		Session: c.session,
		Settle:  &wire.Settle{DeliveryID: id},
	})
	return err
}

// Close detaches the consumer; unsettled deliveries go back to the
// destination. Close is idempotent.
func (c *Consumer) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.detach(ctx, c.session)
}
