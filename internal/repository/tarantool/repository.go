package tarantool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tarantool/go-tarantool/v2"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

// Stored functions the journal calls. They are defined by
// deploy/tarantool/init.lua.
const (
	fnSaveMessage   = "mtq_save_message"
	fnDeleteMessage = "mtq_delete_message"
	fnLoadMessages  = "mtq_load_messages"
)

// Repository keeps broker messages in a Tarantool space
type Repository struct {
	conn   *tarantool.Connection
	logger *logger.Logger
	mu     sync.RWMutex
	closed bool
}

// Config represents Tarantool repository configuration
type Config struct {
	Address  string
	User     string
	Password string
	Timeout  time.Duration
}

// NewRepository creates a new Tarantool repository
func NewRepository(ctx context.Context, cfg *Config, log *logger.Logger) (*Repository, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if log == nil {
		log = logger.NewNop()
	}

	dialer := tarantool.NetDialer{
		Address:  cfg.Address,
		User:     cfg.User,
		Password: cfg.Password,
	}
	opts := tarantool.Opts{
		Timeout: cfg.Timeout,
	}

	conn, err := tarantool.Connect(ctx, dialer, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Tarantool: %w", err)
	}

	return &Repository{
		conn:   conn,
		logger: log,
	}, nil
}

// Close closes the Tarantool connection
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	return r.conn.Close()
}

// Ping checks if the connection to Tarantool is alive
func (r *Repository) Ping() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("repository is closed")
	}

	_, err := r.conn.Ping()
	return err
}

func (r *Repository) call(ctx context.Context, functionName string, args []interface{}) ([]interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("repository is closed")
	}

	req := tarantool.NewCall17Request(functionName).Args(args).Context(ctx)
	return r.conn.Do(req).Get()
}

// SaveMessage inserts or replaces the record for msg. Payloads offloaded to
// object storage are not written; only their object name is.
func (r *Repository) SaveMessage(ctx context.Context, msg *entity.Message) error {
	_, err := r.call(ctx, fnSaveMessage, messageArgs(msg))
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
	}
	return nil
}

// DeleteMessage removes the record with the given ID and returns the object
// name its payload was offloaded to, if any.
func (r *Repository) DeleteMessage(ctx context.Context, id string) (string, error) {
	resp, err := r.call(ctx, fnDeleteMessage, []interface{}{id})
	if err != nil {
		return "", fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	if len(resp) == 0 {
		return "", nil
	}
	return toString(resp[0]), nil
}

// LoadMessages returns every journalled message ordered by destination and sequence.
func (r *Repository) LoadMessages(ctx context.Context) ([]*entity.Message, error) {
	resp, err := r.call(ctx, fnLoadMessages, []interface{}{})
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	if len(resp) == 0 {
		return []*entity.Message{}, nil
	}

	tuples, ok := resp[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid response format: %T", resp[0])
	}

	messages := make([]*entity.Message, 0, len(tuples))
	for _, raw := range tuples {
		tuple, ok := raw.([]interface{})
		if !ok {
			r.logger.Warn("Skipping malformed journal record", logger.String("type", fmt.Sprintf("%T", raw)))
			continue
		}
		msg, err := parseTuple(tuple)
		if err != nil {
			r.logger.Warn("Skipping malformed journal record", logger.Error(err))
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Field order of a journal tuple.
const (
	fieldID = iota
	fieldDestination
	fieldSequence
	fieldPriority
	fieldPayload
	fieldHeaders
	fieldTimestamp
	fieldExpiresAt
	fieldDeliveryCount
	fieldObjectName
	fieldCount
)

func messageArgs(msg *entity.Message) []interface{} {
	var payload interface{}
	if msg.ObjectName == "" {
		payload = msg.Payload
	}
	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	var expiresAt int64
	if !msg.ExpiresAt.IsZero() {
		expiresAt = msg.ExpiresAt.UnixNano()
	}

	args := make([]interface{}, fieldCount)
	args[fieldID] = msg.ID
	args[fieldDestination] = msg.Destination
	args[fieldSequence] = msg.Sequence
	args[fieldPriority] = msg.Priority
	args[fieldPayload] = payload
	args[fieldHeaders] = headers
	args[fieldTimestamp] = msg.Timestamp.UnixNano()
	args[fieldExpiresAt] = expiresAt
	args[fieldDeliveryCount] = msg.DeliveryCount
	args[fieldObjectName] = msg.ObjectName
	return args
}

func parseTuple(tuple []interface{}) (*entity.Message, error) {
	if len(tuple) < fieldCount {
		return nil, fmt.Errorf("journal record has %d fields, want %d", len(tuple), fieldCount)
	}

	msg := &entity.Message{
		ID:            toString(tuple[fieldID]),
		Destination:   toString(tuple[fieldDestination]),
		Sequence:      toUint64(tuple[fieldSequence]),
		Priority:      uint8(toUint64(tuple[fieldPriority])),
		Payload:       toBytes(tuple[fieldPayload]),
		Headers:       toHeaders(tuple[fieldHeaders]),
		Timestamp:     time.Unix(0, int64(toUint64(tuple[fieldTimestamp]))),
		DeliveryCount: uint32(toUint64(tuple[fieldDeliveryCount])),
		ObjectName:    toString(tuple[fieldObjectName]),
	}
	if exp := toUint64(tuple[fieldExpiresAt]); exp > 0 {
		msg.ExpiresAt = time.Unix(0, int64(exp))
	}
	if msg.ID == "" || msg.Destination == "" {
		return nil, fmt.Errorf("journal record without id or destination")
	}
	return msg, nil
}

// Helper function for type conversion to uint64
func toUint64(val interface{}) uint64 {
	switch v := val.(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	case int:
		return uint64(v)
	case int8:
		return uint64(v)
	case int16:
		return uint64(v)
	case int32:
		return uint64(v)
	case uint:
		return uint64(v)
	case uint8:
		return uint64(v)
	case uint16:
		return uint64(v)
	case uint32:
		return uint64(v)
	case float64:
		return uint64(v)
	case float32:
		return uint64(v)
	default:
		return 0
	}
}

// Helper function for type conversion to string
func toString(val interface{}) string {
	switch v := val.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// Payloads come back as bin or str depending on how Lua stored them.
func toBytes(val interface{}) []byte {
	switch v := val.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

func toHeaders(val interface{}) map[string]string {
	headers := make(map[string]string)
	switch m := val.(type) {
	case map[string]interface{}:
		for k, v := range m {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	case map[interface{}]interface{}:
		for k, v := range m {
			if ks, ok := k.(string); ok {
				if vs, ok := v.(string); ok {
					headers[ks] = vs
				}
			}
		}
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}
