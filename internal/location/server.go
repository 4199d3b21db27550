package location

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/cabdispatch/internal/dispatch/domain"
)

var positionsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "location_positions_dropped_total",
	Help: "Streamed pings discarded before reaching the fleet store.",
}, []string{"reason"})

// PositionSink receives ingested location pings. The fleet store satisfies
// this directly.
type PositionSink interface {
	UpdatePosition(ctx context.Context, cabID uuid.UUID, pos domain.Position) error
}

// Server ingests cab position streams into the fleet store.
type Server struct {
	sink PositionSink
}

// NewServer constructs a server.
func NewServer(sink PositionSink) *Server {
	return &Server{sink: sink}
}

// StreamPositions drains the stream, applying each ping. Pings for unknown
// or malformed cab ids are counted and skipped; a GPS feed regularly lags
// fleet registration and must not tear the stream down.
func (s *Server) StreamPositions(stream Location_StreamPositionsServer) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&Ack{})
		}
		if err != nil {
			return err
		}
		cabID, err := uuid.Parse(msg.CabId)
		if err != nil {
			positionsDropped.WithLabelValues("bad_id").Inc()
			continue
		}
		pos := domain.Position{X: msg.X, Y: msg.Y}
		if err := s.sink.UpdatePosition(stream.Context(), cabID, pos); err != nil {
			positionsDropped.WithLabelValues("unknown_cab").Inc()
		}
	}
}
