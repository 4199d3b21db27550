package location

import "google.golang.org/grpc"

// CabPosition is one streamed location ping.
type CabPosition struct {
	CabId string
	X     float64
	Y     float64
	Ts    int64
}

// Ack is returned when the stream closes.
type Ack struct{}

// LocationServer defines the gRPC contract.
type LocationServer interface {
	StreamPositions(Location_StreamPositionsServer) error
}

// RegisterLocationServer registers the service implementation.
func RegisterLocationServer(s *grpc.Server, srv LocationServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "dispatch.Location",
		HandlerType: (*LocationServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "StreamPositions",
			Handler:       _Location_StreamPositions_Handler,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, srv)
}

// Location_StreamPositionsServer defines the bidi stream interface.
type Location_StreamPositionsServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*CabPosition, error)
}

func _Location_StreamPositions_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(LocationServer).StreamPositions(&positionStreamServer{ServerStream: stream})
}

type positionStreamServer struct {
	grpc.ServerStream
}

func (s *positionStreamServer) SendAndClose(*Ack) error { return nil }

func (s *positionStreamServer) Recv() (*CabPosition, error) {
	msg := new(CabPosition)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
