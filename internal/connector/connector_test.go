package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
	"github.com/moroshma/MiniToolQueue/pkg/wire"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		raw     string
		want    URI
		wantErr bool
	}{
		{raw: "grpc://0.0.0.0:61616", want: URI{Scheme: "grpc", Host: "0.0.0.0", Port: 61616}},
		{raw: "mtq://localhost:0", want: URI{Scheme: "mtq", Host: "localhost", Port: 0}},
		{raw: "grpc://:7000", want: URI{Scheme: "grpc", Host: "", Port: 7000}},
		{raw: "tcp://localhost:61616", wantErr: true},
		{raw: "amqp://localhost:5672", wantErr: true},
		{raw: "localhost:61616", wantErr: true},
		{raw: "grpc://localhost", wantErr: true},
		{raw: "grpc://localhost:99999", wantErr: true},
		{raw: "grpc://localhost:1/path", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseURI(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, qerr.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestURI_String(t *testing.T) {
	u := URI{Scheme: "grpc", Host: "::1", Port: 5}
	assert.Equal(t, "grpc://[::1]:5", u.String())
}

// echoServer answers every frame with the same frame.
type echoServer struct{}

func (echoServer) Connect(stream wire.FrameStream) error {
	for {
		f, err := stream.Recv()
		if err != nil {
			return nil
		}
		if err := stream.Send(f); err != nil {
			return err
		}
	}
}

func TestConnector_ServesFramesAndHealth(t *testing.T) {
	c, err := New("grpc://127.0.0.1:0", echoServer{}, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	require.NotZero(t, c.Port())
	assert.Contains(t, c.URI(), "grpc://127.0.0.1:")

	cc, err := grpc.NewClient(c.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := wire.OpenStream(ctx, cc)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&wire.Frame{Type: wire.FrameClose, Seq: 7}))
	echoed, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, wire.FrameClose, echoed.Type)
	assert.Equal(t, uint64(7), echoed.Seq)
	require.NoError(t, stream.CloseSend())

	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: wire.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestConnector_StopIsIdempotent(t *testing.T) {
	c, err := New("mtq://127.0.0.1:0", echoServer{}, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
	assert.Error(t, c.Start())
}

func TestConnector_StopBeforeStart(t *testing.T) {
	c, err := New("grpc://127.0.0.1:0", echoServer{}, Options{}, nil)
	require.NoError(t, err)
	assert.NoError(t, c.Stop(context.Background()))
	assert.Nil(t, c.Addr())
}

func TestNew_RejectsBadURI(t *testing.T) {
	_, err := New("http://localhost:80", echoServer{}, Options{}, nil)
	assert.ErrorIs(t, err, qerr.ErrInvalidArgument)
}

func TestConnector_StartReturnsAndIsIdempotent(t *testing.T) {
	c, err := New("grpc://127.0.0.1:0", echoServer{}, Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	started := make(chan error, 1)
	go func() { started <- c.Start() }()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}

	uri := c.URI()
	require.NoError(t, c.Start())
	assert.Equal(t, uri, c.URI())
	assert.NotContains(t, uri, ":0")
}
