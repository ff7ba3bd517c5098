// Package orchestrator schedules crawl work across a bounded worker pool,
// tying together session resolution, proxy leasing, browser acquisition,
// platform crawling, and record persistence for each item.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bettaflow/mediaspider/internal/config"
	"github.com/bettaflow/mediaspider/internal/login"
	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/internal/platform"
	"github.com/bettaflow/mediaspider/internal/proxy"
	"github.com/bettaflow/mediaspider/internal/session"
	"github.com/bettaflow/mediaspider/internal/sink"
	"github.com/bettaflow/mediaspider/pkg/logger"
)

// Handle is the slice of a browser handle one worker owns for one item.
// Satisfied by *browser.Handle.
type Handle interface {
	Navigate(url string) error
	CurrentURL() (string, error)
	HTML() (string, error)
	Evaluate(expr string, out any) error
	RestoreCookies(authState []byte) error
	ExportCookies() ([]byte, error)
	Release()
}

// AcquireFunc obtains a browser handle for an item. The acquisition mode is
// fixed at wiring time; wrap *browser.Manager.Acquire.
type AcquireFunc func(ctx context.Context, p model.Platform, lease *proxy.Lease, rec *session.Record) (Handle, error)

// Authenticator resolves a working session on a handle. Satisfied by
// *login.Coordinator.
type Authenticator interface {
	Authenticate(ctx context.Context, b login.Browser, p model.Platform, account string) (*session.Record, error)
}

// Archiver stores raw payloads of parse failures. Satisfied by
// *sink.PayloadArchive.
type Archiver interface {
	Store(ctx context.Context, item *model.WorkItem, raw []byte) (string, error)
}

// Progress is the per-platform item accounting. Every accepted item is in
// exactly one bucket at any time.
type Progress struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Orchestrator owns the worker pool and the per-item pipeline.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	pool     *proxy.Pool
	store    session.Store
	login    Authenticator
	acquire  AcquireFunc
	crawlers map[model.Platform]platform.Crawler
	sink     sink.Sink
	archive  Archiver
	log      *logger.Logger

	// ResultHook observes every terminal result, e.g. a progress bar or a
	// bus publisher. Called from worker goroutines.
	ResultHook func(*model.CrawlResult)

	queue *workQueue
	items sync.WaitGroup

	mu       sync.Mutex
	progress map[model.Platform]*Progress
}

// New wires an orchestrator. The archive may be nil; parse failures are then
// recorded without a payload reference.
func New(
	cfg config.OrchestratorConfig,
	pool *proxy.Pool,
	store session.Store,
	auth Authenticator,
	acquire AcquireFunc,
	crawlers map[model.Platform]platform.Crawler,
	s sink.Sink,
	archive Archiver,
	log *logger.Logger,
) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		pool:     pool,
		store:    store,
		login:    auth,
		acquire:  acquire,
		crawlers: crawlers,
		sink:     s,
		archive:  archive,
		log:      log.WithComponent("orchestrator"),
		queue:    newWorkQueue(),
		progress: make(map[model.Platform]*Progress),
	}
}

// Enqueue accepts an item into the pending set.
func (o *Orchestrator) Enqueue(item *model.WorkItem) error {
	if _, ok := o.crawlers[item.Platform]; !ok {
		return fmt.Errorf("no crawler registered for platform %q", item.Platform)
	}
	o.items.Add(1)
	o.bump(item.Platform, func(p *Progress) { p.Pending++ })
	o.queue.Push(item)
	return nil
}

// Run consumes the source until it is exhausted, then blocks until every
// accepted item reaches a terminal state or ctx is cancelled. Workers never
// exceed the global cap; per-platform slots bound concurrency per platform.
func (o *Orchestrator) Run(ctx context.Context, items <-chan *model.WorkItem) error {
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	slots := make(map[model.Platform]chan struct{})
	for p := range o.crawlers {
		slots[p] = make(chan struct{}, o.cfg.PerPlatformWorkers)
	}

	var workers sync.WaitGroup
	for i := 0; i < o.cfg.GlobalWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			o.workerLoop(workerCtx, slots)
		}()
	}

feed:
	for {
		select {
		case <-ctx.Done():
			break feed
		case item, ok := <-items:
			if !ok {
				break feed
			}
			if err := o.Enqueue(item); err != nil {
				o.log.WithError(err).Warn("rejecting work item", "item_id", item.ID)
			}
		}
	}

	done := make(chan struct{})
	go func() {
		o.items.Wait()
		close(done)
	}()

	var runErr error
	select {
	case <-done:
		runErr = ctx.Err()
	case <-ctx.Done():
		runErr = ctx.Err()
	}

	stopWorkers()
	workers.Wait()
	return runErr
}

func (o *Orchestrator) workerLoop(ctx context.Context, slots map[model.Platform]chan struct{}) {
	for {
		item, err := o.queue.Pop(ctx)
		if err != nil {
			return
		}

		slot := slots[item.Platform]
		select {
		case <-ctx.Done():
			// Drained but never started; the item stays pending.
			o.items.Done()
			return
		case slot <- struct{}{}:
		}

		o.bump(item.Platform, func(p *Progress) { p.Pending--; p.InFlight++ })
		result := o.processItem(ctx, item)
		<-slot

		o.settle(ctx, item, result)
	}
}

// settle routes a finished attempt: re-enqueue retryable failures under the
// attempt cap, record everything else as terminal.
func (o *Orchestrator) settle(ctx context.Context, item *model.WorkItem, result *model.CrawlResult) {
	class := result.FailureClass
	if result.Status != model.StatusSuccess && class.Retryable() && item.Attempt < o.cfg.MaxRetries && ctx.Err() == nil {
		item.Attempt++
		o.bump(item.Platform, func(p *Progress) { p.InFlight--; p.Pending++ })
		o.log.Info("re-enqueueing item",
			"item_id", item.ID, "attempt", item.Attempt, "class", string(class), "cursor", item.Cursor)

		delay := o.cfg.RetryDelay * time.Duration(item.Attempt)
		go func() {
			select {
			case <-ctx.Done():
				// Shutdown beat the backoff; count the item as failed so
				// Run can drain.
				o.bump(item.Platform, func(p *Progress) { p.Pending--; p.Failed++ })
				o.items.Done()
			case <-time.After(delay):
				o.queue.Push(item)
			}
		}()
		return
	}

	switch result.Status {
	case model.StatusSuccess, model.StatusPartial:
		o.bump(item.Platform, func(p *Progress) { p.InFlight--; p.Succeeded++ })
	default:
		o.bump(item.Platform, func(p *Progress) { p.InFlight--; p.Failed++ })
	}

	if o.ResultHook != nil {
		o.ResultHook(result)
	}
	o.items.Done()
}

// processItem runs the full pipeline for one attempt: lease, session,
// browser, crawl loop, sink. The handle is released before the lease on
// every path.
func (o *Orchestrator) processItem(ctx context.Context, item *model.WorkItem) *model.CrawlResult {
	result := model.NewCrawlResult(item)
	log := o.log.WithFields(map[string]any{
		"item_id": item.ID, "platform": string(item.Platform), "kind": string(item.Kind),
	})

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ItemTimeout)
	defer cancel()

	lease, err := o.leaseWithBackoff(ctx, item.Platform)
	if err != nil {
		return o.fail(result, err, log)
	}
	outcome := proxy.OutcomeFailure
	defer func() { o.pool.Release(lease, outcome) }()

	rec, err := o.store.Load(ctx, item.Platform, item.Account)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return o.fail(result, err, log)
	}

	handle, err := o.acquire(ctx, item.Platform, lease, rec)
	if err != nil {
		return o.fail(result, err, log)
	}
	defer handle.Release()

	// The loaded record only seeds the browser launch. The coordinator
	// validates it before the first platform request and falls back to the
	// interactive challenge when it no longer works; an expired record is
	// never crawled on.
	if _, err := o.login.Authenticate(ctx, handle, item.Platform, item.Account); err != nil {
		return o.fail(result, err, log)
	}

	if err := o.crawlLoop(ctx, item, handle, result, log); err != nil {
		if len(result.Records) > 0 {
			// Persisted pages survive the failure; the cursor marks the
			// resume point.
			result.Status = model.StatusPartial
			result.FailureClass = model.Classify(err)
			result.ErrDetail = err.Error()
			result.FinishedAt = time.Now().UTC()
			return result
		}
		return o.fail(result, err, log)
	}

	outcome = proxy.OutcomeSuccess
	result.Status = model.StatusSuccess
	result.FinishedAt = time.Now().UTC()
	log.Info("item succeeded", "records", len(result.Records))
	return result
}

// crawlLoop walks the cursor sequence, streaming each page to the sink and
// checkpointing the cursor so a retried attempt resumes mid-sequence. A
// session-invalid signal triggers one in-place re-authentication.
func (o *Orchestrator) crawlLoop(ctx context.Context, item *model.WorkItem, handle Handle, result *model.CrawlResult, log *logger.Logger) error {
	crawler := o.crawlers[item.Platform]
	reauthed := false

	for pages := 0; o.cfg.MaxPages <= 0 || pages < o.cfg.MaxPages; pages++ {
		page, err := platform.Fetch(ctx, crawler, handle, item)
		if err != nil {
			if errors.Is(err, model.ErrSessionInvalid) && !reauthed {
				reauthed = true
				log.Warn("session invalidated mid-sequence, re-authenticating", "cursor", item.Cursor)
				if _, aerr := o.login.Authenticate(ctx, handle, item.Platform, item.Account); aerr != nil {
					return aerr
				}
				pages--
				continue
			}
			if errors.Is(err, model.ErrBlocked) {
				// A banned account must never be silently reused.
				if ierr := o.store.Invalidate(ctx, item.Platform, item.Account); ierr != nil {
					log.WithError(ierr).Warn("failed to invalidate blocked session")
				}
			}
			return err
		}

		if len(page.Records) > 0 {
			if _, serr := o.sink.Persist(ctx, page.Records); serr != nil {
				return fmt.Errorf("persisting page: %w", serr)
			}
			result.Records = append(result.Records, page.Records...)
		}

		if !page.HasMore {
			return nil
		}
		item.Cursor = page.NextCursor
	}
	return nil
}

// fail finalizes a terminal or retryable failure, archiving the raw payload
// of parse errors for diagnosis.
func (o *Orchestrator) fail(result *model.CrawlResult, err error, log *logger.Logger) *model.CrawlResult {
	result.Status = model.StatusFailed
	result.FailureClass = model.Classify(err)
	result.ErrDetail = err.Error()
	result.FinishedAt = time.Now().UTC()

	// A denied or timed-out interactive login is terminal for the item;
	// re-enqueueing would re-challenge the operator in a loop.
	if errors.Is(err, login.ErrLoginFailed) {
		result.FailureClass = model.FailBlocked
	}

	var parseErr *platform.ParseError
	if errors.As(err, &parseErr) && o.archive != nil && len(parseErr.Raw) > 0 {
		// Archival must not depend on the (possibly cancelled) item ctx.
		actx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		ref, aerr := o.archive.Store(actx, result.Item, parseErr.Raw)
		if aerr != nil {
			log.WithError(aerr).Warn("failed to archive payload")
		} else {
			result.PayloadRef = ref
		}
	}

	log.WithError(err).Warn("item failed",
		"class", string(result.FailureClass), "attempt", result.Item.Attempt)
	return result
}

// leaseWithBackoff retries the lease step while the pool reports exhaustion.
// Persistent exhaustion surfaces as ErrNoHealthyProxy, which is retryable at
// the item level.
func (o *Orchestrator) leaseWithBackoff(ctx context.Context, p model.Platform) (*proxy.Lease, error) {
	delay := o.cfg.RetryDelay
	for attempt := 0; ; attempt++ {
		lease, err := o.pool.Lease(ctx, p)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, model.ErrNoHealthyProxy) || attempt >= 2 {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			delay *= 2
		}
	}
}

func (o *Orchestrator) bump(p model.Platform, fn func(*Progress)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	prog, ok := o.progress[p]
	if !ok {
		prog = &Progress{}
		o.progress[p] = prog
	}
	fn(prog)
}

// Snapshot returns the current per-platform progress counters.
func (o *Orchestrator) Snapshot() map[model.Platform]Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[model.Platform]Progress, len(o.progress))
	for p, prog := range o.progress {
		out[p] = *prog
	}
	return out
}
