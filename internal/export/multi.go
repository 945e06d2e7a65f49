package export

import (
	"context"
	"errors"
)

// Multi fans each write out to several sinks. Every sink is attempted; the
// errors are joined.
type Multi []Sink

func (m Multi) Write(ctx context.Context, ts []Transcript) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, ts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open builds the sinks named by a non-empty ipc path and flight address.
// It returns nil when neither is set.
func Open(ipcPath, flightAddr string) (Sink, error) {
	var m Multi
	if ipcPath != "" {
		s, err := NewIPCSink(ipcPath)
		if err != nil {
			return nil, err
		}
		m = append(m, s)
	}
	if flightAddr != "" {
		s, err := NewFlightSink(flightAddr)
		if err != nil {
			m.Close()
			return nil, err
		}
		m = append(m, s)
	}
	switch len(m) {
	case 0:
		return nil, nil
	case 1:
		return m[0], nil
	}
	return m, nil
}
