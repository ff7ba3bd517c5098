// Package sink persists crawled records. Sinks are idempotent on the
// (platform, content id) pair so re-delivered pages never duplicate rows.
package sink

import (
	"context"
	"errors"

	"github.com/bettaflow/mediaspider/internal/model"
)

// Sink stores a batch of extracted records. Persist returns the number of
// records newly written; re-delivered records are updated or skipped, never
// duplicated.
type Sink interface {
	Persist(ctx context.Context, records []model.Record) (int, error)
	Close() error
}

// MultiSink fans every batch out to all configured backends. A failing
// backend does not stop delivery to the others.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks into one. A single sink is returned unwrapped.
func NewMultiSink(sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return &MultiSink{sinks: sinks}
}

// Persist delivers the batch to every backend and reports the highest
// new-record count among them.
func (m *MultiSink) Persist(ctx context.Context, records []model.Record) (int, error) {
	var (
		stored int
		errs   []error
	)
	for _, s := range m.sinks {
		n, err := s.Persist(ctx, records)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > stored {
			stored = n
		}
	}
	return stored, errors.Join(errs...)
}

// Close closes every backend.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
