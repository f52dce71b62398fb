package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
)

func testAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New(Config{
		Enabled:   true,
		JWTSecret: "test-secret",
		Users: []User{
			{
				Username:     "app",
				Password:     "s3cret",
				Destinations: []string{"example", "orders.*"},
				Permissions:  []string{PermissionPublish, PermissionConsume},
			},
			{
				Username:     "reader",
				Password:     "r",
				Destinations: []string{"*"},
				Permissions:  []string{PermissionConsume},
			},
		},
	})
	require.NoError(t, err)
	return a
}

func TestAuthenticate_Disabled(t *testing.T) {
	a, err := New(Config{})
	require.NoError(t, err)

	p, err := a.Authenticate(Credentials{})
	require.NoError(t, err)
	assert.True(t, p.Anonymous)
	assert.NoError(t, p.CanPublish("anything"))
	assert.NoError(t, p.CanConsume("anything"))

	var nilAuth *Authenticator
	p, err = nilAuth.Authenticate(Credentials{Username: "x"})
	require.NoError(t, err)
	assert.True(t, p.Anonymous)
}

func TestAuthenticate_StaticUsers(t *testing.T) {
	a := testAuthenticator(t)

	tests := []struct {
		name    string
		creds   Credentials
		wantErr bool
	}{
		{name: "valid", creds: Credentials{Username: "app", Password: "s3cret"}},
		{name: "wrong password", creds: Credentials{Username: "app", Password: "nope"}, wantErr: true},
		{name: "unknown user", creds: Credentials{Username: "ghost", Password: "s3cret"}, wantErr: true},
		{name: "no credentials", creds: Credentials{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := a.Authenticate(tt.creds)
			if tt.wantErr {
				assert.ErrorIs(t, err, qerr.ErrAuth)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "app", p.ClientID)
		})
	}
}

func TestAuthenticate_AllowAnonymous(t *testing.T) {
	a, err := New(Config{Enabled: true, AllowAnonymous: true})
	require.NoError(t, err)

	p, err := a.Authenticate(Credentials{})
	require.NoError(t, err)
	assert.True(t, p.Anonymous)
}

func TestTokens(t *testing.T) {
	a := testAuthenticator(t)

	token, err := a.IssueToken("svc-1", []string{"images.*"}, []string{PermissionPublish}, time.Hour)
	require.NoError(t, err)

	p, err := a.Authenticate(Credentials{Token: token})
	require.NoError(t, err)
	assert.Equal(t, "svc-1", p.ClientID)
	assert.NoError(t, p.CanPublish("images.png"))
	assert.ErrorIs(t, p.CanConsume("images.png"), qerr.ErrAuth)
	assert.ErrorIs(t, p.CanPublish("logs.app"), qerr.ErrAuth)

	expired, err := a.IssueToken("svc-1", []string{"*"}, []string{PermissionPublish}, -time.Minute)
	require.NoError(t, err)
	_, err = a.Authenticate(Credentials{Token: expired})
	assert.ErrorIs(t, err, qerr.ErrAuth)

	other, err := New(Config{Enabled: true, JWTSecret: "different"})
	require.NoError(t, err)
	_, err = other.Authenticate(Credentials{Token: token})
	assert.ErrorIs(t, err, qerr.ErrAuth)
}

func TestTokens_RejectsUnsignedAlgorithm(t *testing.T) {
	a := testAuthenticator(t)
	claims := Claims{
		ClientID: "evil",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "minitoolqueue",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = a.Authenticate(Credentials{Token: unsigned})
	assert.ErrorIs(t, err, qerr.ErrAuth)
}

func TestPrincipalPermissions(t *testing.T) {
	a := testAuthenticator(t)

	app, err := a.Authenticate(Credentials{Username: "app", Password: "s3cret"})
	require.NoError(t, err)
	assert.NoError(t, app.CanPublish("example"))
	assert.NoError(t, app.CanConsume("orders.eu"))
	assert.ErrorIs(t, app.CanPublish("billing"), qerr.ErrAuth)

	reader, err := a.Authenticate(Credentials{Username: "reader", Password: "r"})
	require.NoError(t, err)
	assert.NoError(t, reader.CanConsume("billing"))
	assert.ErrorIs(t, reader.CanPublish("billing"), qerr.ErrAuth)
}

func TestMatchDestination(t *testing.T) {
	tests := []struct {
		pattern, destination string
		want                 bool
	}{
		{"*", "anything", true},
		{"example", "example", true},
		{"example", "example2", false},
		{"orders.*", "orders.eu", true},
		{"orders.*", "orders.", false},
		{"orders.*", "ordersx", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchDestination(tt.pattern, tt.destination), "%s vs %s", tt.pattern, tt.destination)
	}
}

func TestNew_RejectsBadUsers(t *testing.T) {
	_, err := New(Config{Users: []User{{Username: ""}}})
	assert.Error(t, err)

	_, err = New(Config{Users: []User{{Username: "a"}, {Username: "a"}}})
	assert.Error(t, err)
}
