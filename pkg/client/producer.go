package client

import (
	"context"
	"fmt"
	"sync/atomic"

	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
	"github.com/moroshma/MiniToolQueue/pkg/wire"
)

// Receipt confirms that the broker accepted a message.
type Receipt struct {
	MessageID string
	Sequence  uint64
	// EnqueueCount is the destination's enqueue count including this message.
	EnqueueCount uint64
}

// Producer publishes to one destination.
type Producer struct {
	conn        *Connection
	session     uint32
	destination string
	closed      atomic.Bool
}

// NewProducer attaches a producer session on destination.
func (c *Connection) NewProducer(ctx context.Context, destination string) (*Producer, error) {
	id, err := c.attach(ctx, wire.RoleProducer, destination)
	if err != nil {
		return nil, fmt.Errorf("failed to attach producer on %q: %w", destination, err)
	}
	return &Producer{conn: c, session: id, destination: destination}, nil
}

// Destination returns the destination the producer publishes to.
func (p *Producer) Destination() string {
	return p.destination
}

// Send publishes payload and waits until the broker has accepted it. A full
// destination fails with an error matching ErrCapacityExceeded.
func (p *Producer) Send(ctx context.Context, payload []byte, opts ...SendOption) (*Receipt, error) {
	if p.closed.Load() {
		return nil, qerr.ErrSessionClosed
	}

	o := sendOptions{priority: wire.DefaultPriority}
	for _, opt := range opts {
		opt(&o)
	}

	f, err := p.conn.do(ctx, func() *wire.Frame {
		return &wire.Frame{
			Type:    wire.FrameSend,
			Session: p.session,
			Message: &wire.Message{
				ID:        o.messageID,
				Payload:   payload,
				Headers:   o.headers,
				Priority:  o.priority,
				TTLMillis: o.ttl.Milliseconds(),
			},
		}
	})
	if err != nil {
		return nil, err
	}
	if f.Type != wire.FrameAccepted || f.Accepted == nil {
		return nil, fmt.Errorf("%w: expected accepted, got %s", qerr.ErrProtocol, f.Type)
	}

	return &Receipt{
		MessageID:    f.Accepted.MessageID,
		Sequence:     f.Accepted.Sequence,
		EnqueueCount: f.Accepted.EnqueueCount,
	}, nil
}

// Close detaches the producer. Close is idempotent.
func (p *Producer) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.conn.detach(ctx, p.session)
}
