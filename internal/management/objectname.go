package management

import (
	"fmt"
	"strings"

	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
)

// Object name keys and values.
const (
	keyType            = "type"
	keyBrokerName      = "brokerName"
	keyDestinationType = "destinationType"
	keyDestinationName = "destinationName"

	TypeBroker           = "Broker"
	DestinationTypeQueue = "Queue"
)

// ObjectName identifies a managed object, either a broker
// (type=Broker,brokerName=localhost) or one of its queues
// (type=Broker,brokerName=localhost,destinationType=Queue,destinationName=example).
type ObjectName struct {
	BrokerName      string
	DestinationType string
	DestinationName string
}

// BrokerObjectName names the broker itself.
func BrokerObjectName(broker string) ObjectName {
	return ObjectName{BrokerName: broker}
}

// QueueObjectName names a queue of broker.
func QueueObjectName(broker, queue string) ObjectName {
	return ObjectName{BrokerName: broker, DestinationType: DestinationTypeQueue, DestinationName: queue}
}

// IsQueue reports whether n names a queue rather than the broker.
func (n ObjectName) IsQueue() bool {
	return n.DestinationType == DestinationTypeQueue
}

func (n ObjectName) String() string {
	var b strings.Builder
	b.WriteString(keyType + "=" + TypeBroker)
	b.WriteString("," + keyBrokerName + "=" + n.BrokerName)
	if n.IsQueue() {
		b.WriteString("," + keyDestinationType + "=" + n.DestinationType)
		b.WriteString("," + keyDestinationName + "=" + n.DestinationName)
	}
	return b.String()
}

// ParseObjectName parses a comma separated key=value object name. A leading
// "domain:" part, as in org.apache.activemq:type=Broker,..., is ignored.
func ParseObjectName(s string) (ObjectName, error) {
	props := s
	if i := strings.Index(s, ":"); i >= 0 && !strings.Contains(s[:i], "=") {
		props = s[i+1:]
	}
	if strings.TrimSpace(props) == "" {
		return ObjectName{}, fmt.Errorf("%w: empty object name", qerr.ErrInvalidArgument)
	}

	values := make(map[string]string, 4)
	for _, part := range strings.Split(props, ",") {
		key, value, ok := strings.Cut(part, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return ObjectName{}, fmt.Errorf("%w: malformed object name property %q", qerr.ErrInvalidArgument, part)
		}
		switch key {
		case keyType, keyBrokerName, keyDestinationType, keyDestinationName:
		default:
			return ObjectName{}, fmt.Errorf("%w: unknown object name key %q", qerr.ErrInvalidArgument, key)
		}
		if _, dup := values[key]; dup {
			return ObjectName{}, fmt.Errorf("%w: duplicate object name key %q", qerr.ErrInvalidArgument, key)
		}
		values[key] = value
	}

	if values[keyType] != TypeBroker {
		return ObjectName{}, fmt.Errorf("%w: object name must have type=%s", qerr.ErrInvalidArgument, TypeBroker)
	}
	n := ObjectName{
		BrokerName:      values[keyBrokerName],
		DestinationType: values[keyDestinationType],
		DestinationName: values[keyDestinationName],
	}
	if n.BrokerName == "" {
		return ObjectName{}, fmt.Errorf("%w: object name has no %s", qerr.ErrInvalidArgument, keyBrokerName)
	}

	switch {
	case n.DestinationType == "" && n.DestinationName == "":
	case n.DestinationType != DestinationTypeQueue:
		return ObjectName{}, fmt.Errorf("%w: unsupported destination type %q", qerr.ErrInvalidArgument, n.DestinationType)
	case n.DestinationName == "":
		return ObjectName{}, fmt.Errorf("%w: queue object name has no %s", qerr.ErrInvalidArgument, keyDestinationName)
	}
	return n, nil
}
