package export

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-qasr/internal/metrics"
)

// IPCSink appends transcript batches to an Arrow IPC file. The file footer
// is written on Close.
type IPCSink struct {
	mu  sync.Mutex
	mem memory.Allocator
	f   *os.File
	w   *ipc.FileWriter
}

func NewIPCSink(path string) (*IPCSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}
	mem := memory.NewGoAllocator()
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create IPC writer: %w", err)
	}
	return &IPCSink{mem: mem, f: f, w: w}, nil
}

func (s *IPCSink) Write(_ context.Context, ts []Transcript) error {
	if len(ts) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("export file closed")
	}
	rec := BuildRecord(s.mem, ts)
	defer rec.Release()
	if err := s.w.Write(rec); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	metrics.RecordExport("ipc", len(ts))
	return nil
}

func (s *IPCSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	err := s.w.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.w = nil
	return err
}

// ReadIPCFile loads every transcript stored in an Arrow IPC file.
func ReadIPCFile(path string) ([]Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to open IPC file: %w", err)
	}
	defer r.Close()

	var out []Transcript
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d: %w", i, err)
		}
		ts, err := ReadRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, ts...)
	}
	return out, nil
}
