package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-qasr/internal/logger"
	"github.com/23skdu/longbow-qasr/internal/metrics"
)

// DefaultFlightPath is the descriptor path transcripts are put under.
const DefaultFlightPath = "transcripts"

// FlightSink sends transcript batches to an Arrow Flight server with DoPut.
type FlightSink struct {
	client  flight.Client
	addr    string
	path    []string
	timeout time.Duration
	mem     memory.Allocator
}

// NewFlightSink connects to addr (host:port). The connection is lazy; the
// first Write reports an unreachable server.
func NewFlightSink(addr string, path ...string) (*FlightSink, error) {
	if addr == "" {
		return nil, errors.New("flight address is empty")
	}
	if len(path) == 0 {
		path = []string{DefaultFlightPath}
	}
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &FlightSink{
		client:  client,
		addr:    addr,
		path:    path,
		timeout: 30 * time.Second,
		mem:     memory.NewGoAllocator(),
	}, nil
}

func (s *FlightSink) Write(ctx context.Context, ts []Transcript) error {
	if s.client == nil {
		return fmt.Errorf("client not connected")
	}
	if len(ts) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	rec := BuildRecord(s.mem, ts)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(Schema), ipc.WithAllocator(s.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: s.path})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}

	metrics.RecordExport("flight", len(ts))
	logger.Log.Debug("exported transcripts", "addr", s.addr, "count", len(ts))
	return nil
}

func (s *FlightSink) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
