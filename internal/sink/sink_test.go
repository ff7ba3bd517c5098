package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/pkg/logger"
)

func testRecords(ids ...string) []model.Record {
	recs := make([]model.Record, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, model.Record{
			ContentID: id,
			Platform:  model.PlatformWeibo,
			Kind:      model.KindSearch,
			Body:      "body of " + id,
			FetchedAt: time.Now().UTC(),
		})
	}
	return recs
}

func readLines(t *testing.T, path string) []model.Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var recs []model.Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec model.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.NoError(t, scanner.Err())
	return recs
}

func TestJSONLSink_PersistAndDedupe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	s, err := NewJSONLSink(path, logger.Default())
	require.NoError(t, err)
	defer s.Close()

	n, err := s.Persist(context.Background(), testRecords("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-delivering the same batch plus one new record stores only the
	// new one.
	n, err = s.Persist(context.Background(), testRecords("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Close())
	recs := readLines(t, path)
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].ContentID)
	assert.Equal(t, "c", recs[2].ContentID)
}

func TestJSONLSink_SeenSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")

	s, err := NewJSONLSink(path, logger.Default())
	require.NoError(t, err)
	_, err = s.Persist(context.Background(), testRecords("a", "b"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewJSONLSink(path, logger.Default())
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Persist(context.Background(), testRecords("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "records from the previous run are already seen")

	require.NoError(t, reopened.Close())
	assert.Len(t, readLines(t, path), 2)
}

func TestJSONLSink_DistinctPlatformsSameID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	s, err := NewJSONLSink(path, logger.Default())
	require.NoError(t, err)
	defer s.Close()

	recs := []model.Record{
		{ContentID: "123", Platform: model.PlatformWeibo, FetchedAt: time.Now().UTC()},
		{ContentID: "123", Platform: model.PlatformTieba, FetchedAt: time.Now().UTC()},
	}
	n, err := s.Persist(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "dedupe key includes the platform")
}

func TestJSONLSink_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "records.jsonl")
	s, err := NewJSONLSink(path, logger.Default())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = os.Stat(filepath.Dir(path))
	assert.NoError(t, err)
}

type stubSink struct {
	persisted [][]model.Record
	stored    int
	err       error
	closed    bool
}

func (f *stubSink) Persist(_ context.Context, records []model.Record) (int, error) {
	f.persisted = append(f.persisted, records)
	if f.err != nil {
		return 0, f.err
	}
	return f.stored, nil
}

func (f *stubSink) Close() error {
	f.closed = true
	return nil
}

func TestMultiSink_FansOut(t *testing.T) {
	a := &stubSink{stored: 2}
	b := &stubSink{stored: 1}
	m := NewMultiSink(a, b)

	n, err := m.Persist(context.Background(), testRecords("x", "y"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, a.persisted, 1)
	assert.Len(t, b.persisted, 1)

	require.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestMultiSink_FailingBackendDoesNotBlockOthers(t *testing.T) {
	broken := &stubSink{err: errors.New("disk full")}
	healthy := &stubSink{stored: 3}
	m := NewMultiSink(broken, healthy)

	n, err := m.Persist(context.Background(), testRecords("x"))
	assert.Error(t, err)
	assert.Equal(t, 3, n, "healthy backend still persisted")
	assert.Len(t, healthy.persisted, 1)
}

func TestNewMultiSink_SingleUnwrapped(t *testing.T) {
	only := &stubSink{}
	assert.Same(t, Sink(only), NewMultiSink(only))
}
