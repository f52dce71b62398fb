package wire

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName   = "minitoolqueue.v1.Broker"
	ConnectMethod = "/" + ServiceName + "/Connect"
)

// FrameStream is one side of a connection.
type FrameStream interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	Context() context.Context
}

// ClientStream is the client side of a connection.
type ClientStream interface {
	FrameStream
	CloseSend() error
}

// BrokerServer is implemented by the broker's connection handler.
type BrokerServer interface {
	Connect(FrameStream) error
}

// ServiceDesc describes the broker service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BrokerServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "minitoolqueue/v1/broker",
}

// RegisterBrokerServer registers srv on s.
func RegisterBrokerServer(s grpc.ServiceRegistrar, srv BrokerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(BrokerServer).Connect(&serverStream{stream})
}

type serverStream struct {
	grpc.ServerStream
}

func (s *serverStream) Send(f *Frame) error {
	return s.ServerStream.SendMsg(f)
}

func (s *serverStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// OpenStream starts a Connect stream on cc using the msgpack codec.
func OpenStream(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (ClientStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], ConnectMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &clientStream{stream}, nil
}

type clientStream struct {
	grpc.ClientStream
}

func (c *clientStream) Send(f *Frame) error {
	return c.ClientStream.SendMsg(f)
}

func (c *clientStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := c.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}
