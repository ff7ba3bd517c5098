package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/pkg/logger"
)

// JSONLSink appends records to a newline-delimited JSON file. Already-seen
// (platform, content id) pairs are skipped, including pairs written by a
// previous run of the same file.
type JSONLSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	seen map[string]struct{}
	log  *logger.Logger
}

// NewJSONLSink opens or creates the target file and rebuilds the seen set
// from its existing contents.
func NewJSONLSink(path string, log *logger.Logger) (*JSONLSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating sink directory: %w", err)
		}
	}

	seen, err := loadSeen(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening sink file: %w", err)
	}

	return &JSONLSink{
		f:    f,
		w:    bufio.NewWriter(f),
		seen: seen,
		log:  log.WithComponent("jsonl-sink"),
	}, nil
}

func loadSeen(path string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return seen, nil
		}
		return nil, fmt.Errorf("reading sink file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec model.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			// Torn trailing line from a crashed run; the record will be
			// re-delivered and rewritten.
			continue
		}
		seen[recordKey(rec)] = struct{}{}
	}
	return seen, scanner.Err()
}

func recordKey(r model.Record) string {
	return string(r.Platform) + "/" + r.ContentID
}

// Persist appends unseen records and flushes. Returns the number appended.
func (s *JSONLSink) Persist(ctx context.Context, records []model.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		key := recordKey(rec)
		if _, dup := s.seen[key]; dup {
			continue
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return stored, fmt.Errorf("encoding record %s: %w", key, err)
		}
		if _, err := s.w.Write(append(line, '\n')); err != nil {
			return stored, fmt.Errorf("writing record %s: %w", key, err)
		}
		s.seen[key] = struct{}{}
		stored++
	}

	if err := s.w.Flush(); err != nil {
		return stored, fmt.Errorf("flushing sink file: %w", err)
	}
	s.log.Debug("batch persisted", "records", len(records), "new", stored)
	return stored, nil
}

// Close flushes and closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}
