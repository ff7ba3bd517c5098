package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bettaflow/mediaspider/internal/config"
	"github.com/bettaflow/mediaspider/internal/intake"
	"github.com/bettaflow/mediaspider/internal/login"
	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/internal/platform"
	"github.com/bettaflow/mediaspider/internal/proxy"
	"github.com/bettaflow/mediaspider/internal/session"
	"github.com/bettaflow/mediaspider/pkg/logger"
)

type fakeHandle struct {
	mu       sync.Mutex
	released bool
}

func (h *fakeHandle) Navigate(string) error          { return nil }
func (h *fakeHandle) CurrentURL() (string, error)    { return "https://example.com", nil }
func (h *fakeHandle) HTML() (string, error)          { return "<html></html>", nil }
func (h *fakeHandle) Evaluate(string, any) error     { return nil }
func (h *fakeHandle) RestoreCookies([]byte) error    { return nil }
func (h *fakeHandle) ExportCookies() ([]byte, error) { return []byte(`[]`), nil }

func (h *fakeHandle) Release() {
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
}

func (h *fakeHandle) wasReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// scriptedCrawler consumes one step per capability call, recording the
// cursor each call arrived with.
type scriptedCrawler struct {
	mu      sync.Mutex
	steps   []func(ctx context.Context, cursor string) (*platform.Page, error)
	cursors []string
	calls   int
}

func (c *scriptedCrawler) next(ctx context.Context, cursor string) (*platform.Page, error) {
	c.mu.Lock()
	c.calls++
	c.cursors = append(c.cursors, cursor)
	var step func(context.Context, string) (*platform.Page, error)
	if len(c.steps) > 0 {
		step = c.steps[0]
		c.steps = c.steps[1:]
	}
	c.mu.Unlock()

	if step == nil {
		return &platform.Page{}, nil
	}
	return step(ctx, cursor)
}

func (c *scriptedCrawler) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedCrawler) seenCursors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cursors...)
}

func (c *scriptedCrawler) Platform() model.Platform { return model.PlatformWeibo }

func (c *scriptedCrawler) SearchByKeyword(ctx context.Context, _ platform.Browser, _, cursor string) (*platform.Page, error) {
	return c.next(ctx, cursor)
}

func (c *scriptedCrawler) FetchByID(ctx context.Context, _ platform.Browser, _ string) (*platform.Page, error) {
	return c.next(ctx, "")
}

func (c *scriptedCrawler) FetchComments(ctx context.Context, _ platform.Browser, _, cursor string) (*platform.Page, error) {
	return c.next(ctx, cursor)
}

func (c *scriptedCrawler) FetchCreatorFeed(ctx context.Context, _ platform.Browser, _, cursor string) (*platform.Page, error) {
	return c.next(ctx, cursor)
}

type fakeAuth struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (a *fakeAuth) Authenticate(_ context.Context, _ login.Browser, p model.Platform, account string) (*session.Record, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return &session.Record{Platform: p, Account: account, AuthState: []byte(`[]`), SavedAt: time.Now().UTC()}, nil
}

func (a *fakeAuth) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type capturingSink struct {
	mu      sync.Mutex
	batches [][]model.Record
}

func (s *capturingSink) Persist(_ context.Context, records []model.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]model.Record(nil), records...))
	return len(records), nil
}

func (s *capturingSink) Close() error { return nil }

func (s *capturingSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

type fakeArchive struct {
	mu  sync.Mutex
	raw []byte
}

func (a *fakeArchive) Store(_ context.Context, item *model.WorkItem, raw []byte) (string, error) {
	a.mu.Lock()
	a.raw = append([]byte(nil), raw...)
	a.mu.Unlock()
	return "s3://archive/payloads/" + item.ID + ".html", nil
}

type resultCollector struct {
	mu      sync.Mutex
	results []*model.CrawlResult
}

func (r *resultCollector) hook(res *model.CrawlResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *resultCollector) all() []*model.CrawlResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.CrawlResult(nil), r.results...)
}

type harness struct {
	orch    *Orchestrator
	pool    *proxy.Pool
	store   *session.MemoryStore
	auth    *fakeAuth
	crawler *scriptedCrawler
	sink    *capturingSink
	archive *fakeArchive
	handle  *fakeHandle
	results *resultCollector
}

func newHarness(t *testing.T, addresses []string) *harness {
	t.Helper()
	h := &harness{
		pool: proxy.NewPool(config.ProxyConfig{
			Addresses:    addresses,
			LeaseTTL:     time.Minute,
			FailCooldown: time.Second,
			ScoreFloor:   1,
			InitialScore: 10,
		}, logger.Default()),
		store:   session.NewMemoryStore(),
		auth:    &fakeAuth{},
		crawler: &scriptedCrawler{},
		sink:    &capturingSink{},
		archive: &fakeArchive{},
		handle:  &fakeHandle{},
		results: &resultCollector{},
	}

	acquire := func(ctx context.Context, p model.Platform, lease *proxy.Lease, rec *session.Record) (Handle, error) {
		require.NotNil(t, lease, "browser acquired without a proxy lease")
		return h.handle, nil
	}

	h.orch = New(
		config.OrchestratorConfig{
			GlobalWorkers:      2,
			PerPlatformWorkers: 2,
			MaxRetries:         2,
			RetryDelay:         time.Millisecond,
			ItemTimeout:        5 * time.Second,
			MaxPages:           10,
		},
		h.pool,
		h.store,
		h.auth,
		acquire,
		map[model.Platform]platform.Crawler{model.PlatformWeibo: h.crawler},
		h.sink,
		h.archive,
		logger.Default(),
	)
	h.orch.ResultHook = h.results.hook
	return h
}

func (h *harness) preloadSession(t *testing.T) {
	t.Helper()
	err := h.store.Save(context.Background(), &session.Record{
		Platform:  model.PlatformWeibo,
		AuthState: []byte(`[]`),
		SavedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
}

func (h *harness) run(t *testing.T, items ...*model.WorkItem) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.orch.Run(ctx, intake.NewStaticSource(items...).Items())
}

func pageOf(hasMore bool, next string, ids ...string) *platform.Page {
	p := &platform.Page{HasMore: hasMore, NextCursor: next}
	for _, id := range ids {
		p.Records = append(p.Records, model.Record{
			ContentID: id,
			Platform:  model.PlatformWeibo,
			Kind:      model.KindSearch,
			FetchedAt: time.Now().UTC(),
		})
	}
	return p
}

func TestRun_HappyPathStreamsAllPages(t *testing.T) {
	h := newHarness(t, []string{"10.0.0.1:8080"})
	h.preloadSession(t)
	h.crawler.steps = []func(context.Context, string) (*platform.Page, error){
		func(_ context.Context, cursor string) (*platform.Page, error) {
			return pageOf(true, "2", "a", "b"), nil
		},
		func(_ context.Context, cursor string) (*platform.Page, error) {
			return pageOf(false, "", "c"), nil
		},
	}

	item := model.NewWorkItem(model.PlatformWeibo, "keyword", model.KindSearch, 0)
	require.NoError(t, h.run(t, item))

	results := h.results.all()
	require.Len(t, results, 1)
	assert.Equal(t, model.StatusSuccess, results[0].Status)
	assert.Len(t, results[0].Records, 3)

	assert.Equal(t, []string{"", "2"}, h.crawler.seenCursors())
	assert.Equal(t, 2, h.sink.batchCount(), "each page persisted as it arrived")
	assert.Equal(t, 1, h.auth.callCount(), "cached session validated exactly once before reuse")
	assert.True(t, h.handle.wasReleased())
	assert.Equal(t, 1, h.pool.Healthy(), "lease returned to the pool")

	snap := h.orch.Snapshot()[model.PlatformWeibo]
	assert.Equal(t, Progress{Succeeded: 1}, snap)
}

func TestRun_CachedSessionNotTrustedWithoutValidation(t *testing.T) {
	h := newHarness(t, []string{"10.0.0.1:8080"})
	h.preloadSession(t)
	h.auth.err = fmt.Errorf("cookie validation: %w", login.ErrLoginFailed)

	require.NoError(t, h.run(t, model.NewWorkItem(model.PlatformWeibo, "kw", model.KindSearch, 0)))

	assert.Equal(t, 1, h.auth.callCount())
	assert.Equal(t, 0, h.crawler.callCount(), "no platform request on a record that failed validation")

	results := h.results.all()
	require.Len(t, results, 1)
	assert.Equal(t, model.StatusFailed, results[0].Status)
	assert.Equal(t, model.FailBlocked, results[0].FailureClass)
}

func TestRun_MissingSessionTriggersLogin(t *testing.T) {
	h := newHarness(t, []string{"10.0.0.1:8080"})
	h.crawler.steps = []func(context.Context, string) (*platform.Page, error){
		func(_ context.Context, _ string) (*platform.Page, error) {
			return pageOf(false, "", "a"), nil
		},
	}

	require.NoError(t, h.run(t, model.NewWorkItem(model.PlatformWeibo, "kw", model.KindSearch, 0)))

	assert.Equal(t, 1, h.auth.callCount())
	results := h.results.all()
	require.Len(t, results, 1)
	assert.Equal(t, model.StatusSuccess, results[0].Status)
}

func TestRun_LoginFailureIsTerminal(t *testing.T) {
	h := newHarness(t, []string{"10.0.0.1:8080"})
	h.auth.err = fmt.Errorf("operator did not confirm: %w", login.ErrLoginFailed)

	require.NoError(t, h.run(t, model.NewWorkItem(model.PlatformWeibo, "kw", model.KindSearch, 0)))

	assert.Equal(t, 1, h.auth.callCount(), "a denied login is not re-challenged")
	assert.Equal(t, 0, h.crawler.callCount())

	results := h.results.all()
	require.Len(t, results, 1)
	assert.Equal(t, model.StatusFailed, results[0].Status)
	assert.Equal(t, model.FailBlocked, results[0].FailureClass)
	assert.Equal(t, Progress{Failed: 1}, h.orch.Snapshot()[model.PlatformWeibo])
}

func TestRun_SessionInvalidMidSequenceResumesFromCursor(t *testing.T) {
	h := newHarness(t, []string{"10.0.0.1:8080"})
	h.preloadSession(t)
	h.crawler.steps = []func(context.Context, string) (*platform.Page, error){
		func(_ context.Context, _ string) (*platform.Page, error) {
			return pageOf(true, "2", "a"), nil
		},
		func(_ context.Context, _ string) (*platform.Page, error) {
			return nil, fmt.Errorf("redirected to login: %w", model.ErrSessionInvalid)
		},
		func(_ context.Context, cursor string) (*platform.Page, error) {
			return pageOf(false, "", "b"), nil
		},
	}

	require.NoError(t, h.run(t, model.NewWorkItem(model.PlatformWeibo, "kw", model.KindSearch, 0)))

	assert.Equal(t, 2, h.auth.callCount(), "initial validation plus one in-place re-auth")
	// The failed call and the resumed call both carry the checkpointed
	// cursor, never the beginning of the sequence.
	assert.Equal(t, []string{"", "2", "2"}, h.crawler.seenCursors())

	results := h.results.all()
	require.Len(t, results, 1)
	assert.Equal(t, model.StatusSuccess, results[0].Status)
	assert.Len(t, results[0].Records, 2)
}

func TestRun_TransientFailuresRetriedExactlyToCap(t *testing.T) {
	h := newHarness(t, []string{"10.0.0.1:8080"})
	h.preloadSession(t)
	// No steps: every call falls through to the default empty page; replace
	// with a permanent failure instead.
	fail := func(_ context.Context, _ string) (*platform.Page, error) {
		return nil, errors.New("connection reset by peer")
	}
	h.crawler.steps = []func(context.Context, string) (*platform.Page, error){fail, fail, fail, fail}

	require.NoError(t, h.run(t, model.NewWorkItem(model.PlatformWeibo, "kw", model.KindSearch, 0)))

	assert.Equal(t, 3, h.crawler.callCount(), "initial attempt plus MaxRetries, never more")

	results := h.results.all()
	require.Len(t, results, 1)
	assert.Equal(t, model.StatusFailed, results[0].Status)
	assert.Equal(t, model.FailTransient, results[0].FailureClass)
	assert.Equal(t, 2, results[0].Item.Attempt)
	assert.Equal(t, Progress{Failed: 1}, h.orch.Snapshot()[model.PlatformWeibo])
}

func TestRun_RetriedItemResumesFromCursorWithoutRewriting(t *testing.T) {
	h := newHarness(t, []string{"10.0.0.1:8080"})
	h.preloadSession(t)
	h.crawler.steps = []func(context.Context, string) (*platform.Page, error){
		func(_ context.Context, _ string) (*platform.Page, error) {
			return pageOf(true, "2", "a", "b"), nil
		},
		func(_ context.Context, _ string) (*platform.Page, error) {
			return nil, errors.New("connection reset by peer")
		},
		func(_ context.Context, cursor string) (*platform.Page, error) {
			return pageOf(false, "", "c"), nil
		},
	}

	require.NoError(t, h.run(t, model.NewWorkItem(model.PlatformWeibo, "kw", model.KindSearch, 0)))

	// Attempt one persisted page 1 and failed on page 2; attempt two picked
	// up at cursor 2 without re-fetching page 1.
	assert.Equal(t, []string{"", "2", "2"}, h.crawler.seenCursors())
	assert.Equal(t, 2, h.sink.batchCount())

	results := h.results.all()
	require.Len(t, results, 1)
	assert.Equal(t, model.StatusSuccess, results[0].Status)
}

func TestRun_ProxyExhaustionFailsWithoutCrawling(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.run(t, model.NewWorkItem(model.PlatformWeibo, "kw", model.KindSearch, 0)))

	assert.Equal(t, 0, h.crawler.callCount())
	results := h.results.all()
	require.Len(t, results, 1)
	assert.Equal(t, model.StatusFailed, results[0].Status)
	assert.Equal(t, model.FailProxyExhausted, results[0].FailureClass)
}

func TestRun_ParseErrorArchivedAndTerminal(t *testing.T) {
	h := newHarness(t, []string{"10.0.0.1:8080"})
	h.preloadSession(t)
	h.crawler.steps = []func(context.Context, string) (*platform.Page, error){
		func(_ context.Context, _ string) (*platform.Page, error) {
			return nil, &platform.ParseError{Op: "search", Raw: []byte("<html>weird</html>"), Err: errors.New("undefined")}
		},
	}

	require.NoError(t, h.run(t, model.NewWorkItem(model.PlatformWeibo, "kw", model.KindSearch, 0)))

	assert.Equal(t, 1, h.crawler.callCount(), "parse errors are never retried")

	results := h.results.all()
	require.Len(t, results, 1)
	assert.Equal(t, model.StatusFailed, results[0].Status)
	assert.Equal(t, model.FailParse, results[0].FailureClass)
	assert.Contains(t, results[0].PayloadRef, "s3://archive/payloads/")
	assert.Equal(t, "<html>weird</html>", string(h.archive.raw))
}

func TestRun_BlockedInvalidatesSession(t *testing.T) {
	h := newHarness(t, []string{"10.0.0.1:8080"})
	h.preloadSession(t)
	h.crawler.steps = []func(context.Context, string) (*platform.Page, error){
		func(_ context.Context, _ string) (*platform.Page, error) {
			return nil, fmt.Errorf("account suspended: %w", model.ErrBlocked)
		},
	}

	require.NoError(t, h.run(t, model.NewWorkItem(model.PlatformWeibo, "kw", model.KindSearch, 0)))

	results := h.results.all()
	require.Len(t, results, 1)
	assert.Equal(t, model.FailBlocked, results[0].FailureClass)

	_, err := h.store.Load(context.Background(), model.PlatformWeibo, "")
	assert.ErrorIs(t, err, model.ErrNotFound, "blocked session must not be reused")
}

func TestRun_CancellationMarksInFlightCancelled(t *testing.T) {
	h := newHarness(t, []string{"10.0.0.1:8080"})
	h.preloadSession(t)
	started := make(chan struct{})
	h.crawler.steps = []func(context.Context, string) (*platform.Page, error){
		func(ctx context.Context, _ string) (*platform.Page, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		item := model.NewWorkItem(model.PlatformWeibo, "kw", model.KindSearch, 0)
		errCh <- h.orch.Run(ctx, intake.NewStaticSource(item).Items())
	}()

	<-started
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.True(t, h.handle.wasReleased(), "cancellation must not leak the handle")
	results := h.results.all()
	require.Len(t, results, 1)
	assert.Equal(t, model.StatusFailed, results[0].Status)
	assert.Equal(t, model.FailCancelled, results[0].FailureClass)
}

func TestEnqueue_UnknownPlatformRejected(t *testing.T) {
	h := newHarness(t, []string{"10.0.0.1:8080"})
	err := h.orch.Enqueue(model.NewWorkItem(model.PlatformTieba, "kw", model.KindSearch, 0))
	assert.Error(t, err)
}
