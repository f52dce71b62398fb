package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
)

// Permissions carried by principals.
const (
	PermissionPublish = "publish"
	PermissionConsume = "consume"
)

// User is a statically configured account.
type User struct {
	Username     string
	Password     string
	Destinations []string
	Permissions  []string
}

// Config represents authentication configuration
type Config struct {
	// Enabled turns credential checks on. Disabled auth admits every
	// connection as an anonymous principal with full access.
	Enabled bool
	// AllowAnonymous admits connections that present no credentials at all.
	AllowAnonymous bool
	Users          []User
	JWTSecret      string
	JWTIssuer      string
}

// Credentials are what a connection presents during the handshake.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Claims are the JWT claims accepted as bearer tokens.
type Claims struct {
	ClientID     string   `json:"client_id"`
	Destinations []string `json:"destinations"`
	Permissions  []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Principal is the authenticated identity of a connection.
type Principal struct {
	ClientID     string
	Destinations []string
	Permissions  []string
	Anonymous    bool
}

// Authenticator checks credentials against static users and signed tokens.
type Authenticator struct {
	cfg   Config
	users map[string]User
}

// New creates an Authenticator
func New(cfg Config) (*Authenticator, error) {
	users := make(map[string]User, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("user without username")
		}
		if _, dup := users[u.Username]; dup {
			return nil, fmt.Errorf("duplicate user: %s", u.Username)
		}
		users[u.Username] = u
	}
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = "minitoolqueue"
	}
	return &Authenticator{cfg: cfg, users: users}, nil
}

func anonymous() *Principal {
	return &Principal{
		ClientID:     "anonymous",
		Destinations: []string{"*"},
		Permissions:  []string{PermissionPublish, PermissionConsume},
		Anonymous:    true,
	}
}

// Authenticate resolves credentials to a principal or fails with ErrAuth.
func (a *Authenticator) Authenticate(c Credentials) (*Principal, error) {
	if a == nil || !a.cfg.Enabled {
		return anonymous(), nil
	}

	switch {
	case c.Token != "":
		return a.authenticateToken(c.Token)
	case c.Username != "":
		return a.authenticateUser(c.Username, c.Password)
	case a.cfg.AllowAnonymous:
		return anonymous(), nil
	default:
		return nil, fmt.Errorf("%w: credentials required", qerr.ErrAuth)
	}
}

func (a *Authenticator) authenticateUser(username, password string) (*Principal, error) {
	u, ok := a.users[username]
	// Unknown users still go through the compare.
	expected := u.Password
	if !ok {
		expected = "\x00"
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(password)) != 1 || !ok {
		return nil, fmt.Errorf("%w: invalid username or password", qerr.ErrAuth)
	}

	return &Principal{
		ClientID:     u.Username,
		Destinations: u.Destinations,
		Permissions:  u.Permissions,
	}, nil
}

func (a *Authenticator) authenticateToken(token string) (*Principal, error) {
	if a.cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%w: token authentication is not configured", qerr.ErrAuth)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(a.cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.cfg.JWTIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token: %w", qerr.ErrAuth, err)
	}
	if claims.ClientID == "" {
		return nil, fmt.Errorf("%w: token has no client_id", qerr.ErrAuth)
	}

	return &Principal{
		ClientID:     claims.ClientID,
		Destinations: claims.Destinations,
		Permissions:  claims.Permissions,
	}, nil
}

// IssueToken signs a bearer token for clientID.
func (a *Authenticator) IssueToken(clientID string, destinations, permissions []string, ttl time.Duration) (string, error) {
	if a.cfg.JWTSecret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	if clientID == "" {
		return "", errors.New("client id is required")
	}

	now := time.Now()
	claims := Claims{
		ClientID:     clientID,
		Destinations: destinations,
		Permissions:  permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.cfg.JWTIssuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.JWTSecret))
}

// CanPublish fails with ErrAuth unless p may publish to destination.
func (p *Principal) CanPublish(destination string) error {
	return p.check(PermissionPublish, destination)
}

// CanConsume fails with ErrAuth unless p may consume from destination.
func (p *Principal) CanConsume(destination string) error {
	return p.check(PermissionConsume, destination)
}

func (p *Principal) check(permission, destination string) error {
	if !slices.Contains(p.Permissions, permission) {
		return fmt.Errorf("%w: %s lacks %s permission", qerr.ErrAuth, p.ClientID, permission)
	}
	for _, pattern := range p.Destinations {
		if MatchDestination(pattern, destination) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not %s on %q", qerr.ErrAuth, p.ClientID, permission, destination)
}

// MatchDestination reports whether destination matches pattern. "*" matches
// everything and a trailing ".*" matches any name under that prefix.
func MatchDestination(pattern, destination string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(destination, prefix) && len(destination) > len(prefix)
	default:
		return pattern == destination
	}
}
