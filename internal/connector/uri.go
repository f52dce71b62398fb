package connector

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
)

// Schemes a connector URI may use. Both select the framed gRPC transport.
const (
	SchemeGRPC = "grpc"
	SchemeMTQ  = "mtq"
)

// URI is a parsed connector address such as grpc://0.0.0.0:61616.
type URI struct {
	Scheme string
	Host   string
	Port   int
}

// ParseURI parses a connector URI. Port 0 asks for an ephemeral port.
func ParseURI(raw string) (URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return URI{}, fmt.Errorf("%w: connector uri %q: %w", qerr.ErrInvalidArgument, raw, err)
	}

	switch u.Scheme {
	case SchemeGRPC, SchemeMTQ:
	case "":
		return URI{}, fmt.Errorf("%w: connector uri %q has no scheme", qerr.ErrInvalidArgument, raw)
	default:
		return URI{}, fmt.Errorf("%w: unsupported connector scheme %q", qerr.ErrInvalidArgument, u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return URI{}, fmt.Errorf("%w: connector uri %q must not have a path", qerr.ErrInvalidArgument, raw)
	}

	portStr := u.Port()
	if portStr == "" {
		return URI{}, fmt.Errorf("%w: connector uri %q has no port", qerr.ErrInvalidArgument, raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return URI{}, fmt.Errorf("%w: connector uri %q has invalid port", qerr.ErrInvalidArgument, raw)
	}

	return URI{Scheme: u.Scheme, Host: u.Hostname(), Port: port}, nil
}

// Address is the host:port to listen on or dial.
func (u URI) Address() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

func (u URI) String() string {
	return u.Scheme + "://" + u.Address()
}
