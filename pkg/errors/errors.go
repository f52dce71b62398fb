package errors

import stderrors "errors"

// Error codes for broker failures. Keep stable; they travel over the wire
// and are rebuilt on the client side.
const (
	ErrCodeCapacityExceeded      = "broker.capacity_exceeded"
	ErrCodeProtocol              = "broker.protocol_error"
	ErrCodeAuth                  = "broker.auth_error"
	ErrCodeDeliveryTimeout       = "broker.delivery_timeout"
	ErrCodeMaxRedeliveryExceeded = "broker.max_redelivery_exceeded"
	ErrCodeDestinationFailed     = "broker.destination_failed"
	ErrCodeUnknownDestination    = "broker.unknown_destination"
	ErrCodeBrokerStopped         = "broker.stopped"
	ErrCodeSessionClosed         = "broker.session_closed"
	ErrCodeUnknownDelivery       = "broker.unknown_delivery"
	ErrCodeInvalidArgument       = "broker.invalid_argument"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrCapacityExceeded      = Code(ErrCodeCapacityExceeded)
	ErrProtocol              = Code(ErrCodeProtocol)
	ErrAuth                  = Code(ErrCodeAuth)
	ErrDeliveryTimeout       = Code(ErrCodeDeliveryTimeout)
	ErrMaxRedeliveryExceeded = Code(ErrCodeMaxRedeliveryExceeded)
	ErrDestinationFailed     = Code(ErrCodeDestinationFailed)
	ErrUnknownDestination    = Code(ErrCodeUnknownDestination)
	ErrBrokerStopped         = Code(ErrCodeBrokerStopped)
	ErrSessionClosed         = Code(ErrCodeSessionClosed)
	ErrUnknownDelivery       = Code(ErrCodeUnknownDelivery)
	ErrInvalidArgument       = Code(ErrCodeInvalidArgument)
)

// CodeOf returns the code of the first coded error in err's chain,
// or an empty string when the chain carries none.
func CodeOf(err error) string {
	var ce codedError
	if stderrors.As(err, &ce) {
		return string(ce)
	}
	return ""
}
