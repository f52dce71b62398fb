package client

import (
	"time"

	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultReconnectBackoff    = 100 * time.Millisecond
	DefaultMaxReconnectBackoff = 5 * time.Second
	DefaultMaxMsgSize          = 64 * 1024 * 1024
)

// Options represents client connection configuration
type Options struct {
	ClientID string
	Username string
	Password string
	// Token is a JWT bearer token; it takes precedence over username/password.
	Token string

	// DialTimeout bounds connecting plus the open handshake.
	DialTimeout time.Duration
	// Reconnect re-dials a lost connection and re-attaches its sessions.
	Reconnect           bool
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
	MaxMsgSize          int

	Logger *logger.Logger
}

func (o *Options) withDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = DefaultReconnectBackoff
	}
	if o.MaxReconnectBackoff <= 0 {
		o.MaxReconnectBackoff = DefaultMaxReconnectBackoff
	}
	if o.MaxMsgSize <= 0 {
		o.MaxMsgSize = DefaultMaxMsgSize
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
}

// SendOption adjusts one published message.
type SendOption func(*sendOptions)

type sendOptions struct {
	messageID string
	priority  uint8
	ttl       time.Duration
	headers   map[string]string
}

// WithPriority sets the message priority, 0 (lowest) to 9. Messages sent
// without it use wire.DefaultPriority.
func WithPriority(p uint8) SendOption {
	return func(o *sendOptions) { o.priority = p }
}

// WithTTL makes the message expire ttl after it is accepted.
func WithTTL(ttl time.Duration) SendOption {
	return func(o *sendOptions) { o.ttl = ttl }
}

// WithHeader adds one header.
func WithHeader(key, value string) SendOption {
	return func(o *sendOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// WithMessageID sets the message id instead of letting the broker assign one.
func WithMessageID(id string) SendOption {
	return func(o *sendOptions) { o.messageID = id }
}
