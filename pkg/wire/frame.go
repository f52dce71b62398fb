// Package wire defines the framed protocol spoken between clients and the
// broker. A connection is one bidirectional gRPC stream; each stream message
// is a msgpack-encoded Frame.
package wire

import (
	"errors"
	"fmt"
	"slices"

	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
)

// Protocol versions. The highest version both sides offer wins.
const (
	Version1 uint16 = 1
)

// SupportedVersions lists the versions this build speaks, oldest first.
var SupportedVersions = []uint16{Version1}

// Capabilities a peer may announce in open/opened.
const (
	CapabilityPriority = "priority"
	CapabilityTTL      = "ttl"
	CapabilityRelease  = "release"
)

// ServerCapabilities is what the broker announces.
var ServerCapabilities = []string{CapabilityPriority, CapabilityTTL, CapabilityRelease}

// DefaultPriority is the priority of a message whose producer sets none.
const DefaultPriority uint8 = 4

type FrameType string

const (
	FrameOpen     FrameType = "open"
	FrameOpened   FrameType = "opened"
	FrameAttach   FrameType = "attach"
	FrameAttached FrameType = "attached"
	FrameSend     FrameType = "send"
	FrameAccepted FrameType = "accepted"
	FrameFlow     FrameType = "flow"
	FrameDeliver  FrameType = "deliver"
	FrameAck      FrameType = "ack"
	FrameRelease  FrameType = "release"
	FrameSettled  FrameType = "settled"
	FrameDetach   FrameType = "detach"
	FrameDetached FrameType = "detached"
	FrameError    FrameType = "error"
	FrameClose    FrameType = "close"
	FrameClosed   FrameType = "closed"
)

type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// Frame is the unit of the protocol. Session scopes a frame to one
// multiplexed session; Seq correlates a request with its reply.
type Frame struct {
	Type    FrameType `msgpack:"type"`
	Session uint32    `msgpack:"session,omitempty"`
	Seq     uint64    `msgpack:"seq,omitempty"`

	Open     *Open     `msgpack:"open,omitempty"`
	Opened   *Opened   `msgpack:"opened,omitempty"`
	Attach   *Attach   `msgpack:"attach,omitempty"`
	Message  *Message  `msgpack:"message,omitempty"`
	Accepted *Accepted `msgpack:"accepted,omitempty"`
	Flow     *Flow     `msgpack:"flow,omitempty"`
	Settle   *Settle   `msgpack:"settle,omitempty"`
	Error    *Error    `msgpack:"error,omitempty"`
}

type Open struct {
	Versions     []uint16 `msgpack:"versions"`
	Capabilities []string `msgpack:"capabilities,omitempty"`
	ClientID     string   `msgpack:"client_id,omitempty"`
	Username     string   `msgpack:"username,omitempty"`
	Password     string   `msgpack:"password,omitempty"`
	Token        string   `msgpack:"token,omitempty"`
}

type Opened struct {
	Version      uint16   `msgpack:"version"`
	Capabilities []string `msgpack:"capabilities,omitempty"`
	ConnectionID string   `msgpack:"connection_id"`
	BrokerName   string   `msgpack:"broker_name"`
}

type Attach struct {
	Role        Role   `msgpack:"role"`
	Destination string `msgpack:"destination"`
}

// Message travels in send (client to broker) and deliver (broker to client) frames.
type Message struct {
	ID            string            `msgpack:"id,omitempty"`
	Destination   string            `msgpack:"destination,omitempty"`
	Payload       []byte            `msgpack:"payload"`
	Headers       map[string]string `msgpack:"headers,omitempty"`
	Priority      uint8             `msgpack:"priority"`
	TTLMillis     int64             `msgpack:"ttl_ms,omitempty"`
	Timestamp     int64             `msgpack:"timestamp,omitempty"`  // unix millis
	ExpiresAt     int64             `msgpack:"expires_at,omitempty"` // unix millis
	DeliveryCount uint32            `msgpack:"delivery_count,omitempty"`
	Sequence      uint64            `msgpack:"sequence,omitempty"`
}

type Accepted struct {
	MessageID    string `msgpack:"message_id"`
	Sequence     uint64 `msgpack:"sequence"`
	EnqueueCount uint64 `msgpack:"enqueue_count"`
}

// Flow asks the broker for one delivery. Zero TimeoutMillis waits until the
// session or connection ends.
type Flow struct {
	TimeoutMillis int64 `msgpack:"timeout_ms"`
}

// Settle names the delivery an ack or release applies to.
type Settle struct {
	DeliveryID string `msgpack:"delivery_id"`
}

type Error struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// Err rebuilds the error the broker reported, so errors.Is works against
// the codes in pkg/errors.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	if e.Code == "" {
		return errors.New(e.Message)
	}
	return fmt.Errorf("%w: %s", qerr.Code(e.Code), e.Message)
}

// NewError converts err into an error body, keeping its code when it has one.
func NewError(err error) *Error {
	code := qerr.CodeOf(err)
	return &Error{Code: code, Message: err.Error()}
}

// ErrorFrame builds an error frame bound to a session and request.
func ErrorFrame(session uint32, seq uint64, err error) *Frame {
	return &Frame{Type: FrameError, Session: session, Seq: seq, Error: NewError(err)}
}

// Validate checks that f carries the body its type requires.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: empty frame", qerr.ErrProtocol)
	}

	var missing bool
	switch f.Type {
	case FrameOpen:
		missing = f.Open == nil
	case FrameOpened:
		missing = f.Opened == nil
	case FrameAttach:
		missing = f.Attach == nil
	case FrameSend, FrameDeliver:
		missing = f.Message == nil
	case FrameAccepted:
		missing = f.Accepted == nil
	case FrameFlow:
		missing = f.Flow == nil
	case FrameAck, FrameRelease:
		missing = f.Settle == nil
	case FrameError:
		missing = f.Error == nil
	case FrameAttached, FrameSettled, FrameDetach, FrameDetached, FrameClose, FrameClosed:
	default:
		return fmt.Errorf("%w: unknown frame type %q", qerr.ErrProtocol, f.Type)
	}
	if missing {
		return fmt.Errorf("%w: %s frame without body", qerr.ErrProtocol, f.Type)
	}

	if f.Type == FrameAttach && f.Attach.Role != RoleProducer && f.Attach.Role != RoleConsumer {
		return fmt.Errorf("%w: unknown role %q", qerr.ErrProtocol, f.Attach.Role)
	}
	return nil
}

// NegotiateVersion returns the highest version present in both lists.
func NegotiateVersion(offered, supported []uint16) (uint16, bool) {
	var best uint16
	found := false
	for _, v := range offered {
		if slices.Contains(supported, v) && (!found || v > best) {
			best = v
			found = true
		}
	}
	return best, found
}

// IntersectCapabilities returns the capabilities both sides announced, in
// the order of ours.
func IntersectCapabilities(ours, theirs []string) []string {
	var out []string
	for _, c := range ours {
		if slices.Contains(theirs, c) {
			out = append(out, c)
		}
	}
	return out
}
