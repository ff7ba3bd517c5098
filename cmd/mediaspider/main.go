// Package main is the entry point for the mediaspider crawl CLI.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bettaflow/mediaspider/internal/browser"
	"github.com/bettaflow/mediaspider/internal/config"
	"github.com/bettaflow/mediaspider/internal/intake"
	"github.com/bettaflow/mediaspider/internal/login"
	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/internal/orchestrator"
	"github.com/bettaflow/mediaspider/internal/platform"
	"github.com/bettaflow/mediaspider/internal/proxy"
	"github.com/bettaflow/mediaspider/internal/session"
	"github.com/bettaflow/mediaspider/internal/sink"
	"github.com/bettaflow/mediaspider/internal/throttle"
	"github.com/bettaflow/mediaspider/pkg/logger"
	"github.com/bettaflow/mediaspider/pkg/shutdown"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// CrawlOptions holds options for the crawl command.
type CrawlOptions struct {
	Platforms   []string
	Keywords    []string
	IDs         []string
	Kind        string
	Priority    int
	Account     string
	BrowserMode string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:     "mediaspider",
		Short:   "Multi-platform content acquisition CLI",
		Long:    "Crawls social platforms through controlled browser sessions with managed login state, proxy rotation, and per-platform rate limits.",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	rootCmd.AddCommand(newCrawlCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCheckProxiesCmd())

	return rootCmd.Execute()
}

// newCrawlCmd creates the one-shot crawl subcommand.
func newCrawlCmd() *cobra.Command {
	opts := &CrawlOptions{}

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run a one-shot crawl over keywords or content ids",
		Example: `  # Search a keyword on weibo
  mediaspider crawl --platforms=weibo --keywords=topic

  # Search two keywords on every platform
  mediaspider crawl --platforms=weibo,xiaohongshu,tieba --keywords=a,b

  # Fetch specific posts with their comments
  mediaspider crawl --platforms=weibo --ids=4931029,4931030 --kind=comments

  # Pull a creator feed through an attached browser
  mediaspider crawl --platforms=xiaohongshu --ids=5f0e9a --kind=creator --browser-mode=attach`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Platforms, "platforms", "p", nil, "Platforms to crawl: weibo, xiaohongshu, tieba")
	cmd.Flags().StringSliceVarP(&opts.Keywords, "keywords", "k", nil, "Search keywords")
	cmd.Flags().StringSliceVar(&opts.IDs, "ids", nil, "Content or creator ids (with --kind=detail, comments, or creator)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "search", "Crawl kind: search, detail, comments, creator")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "Item priority; higher runs first")
	cmd.Flags().StringVarP(&opts.Account, "account", "a", "", "Platform account label for session storage")
	cmd.Flags().StringVar(&opts.BrowserMode, "browser-mode", "auto", "Browser acquisition: isolated, attach, auto")
	cmd.MarkFlagRequired("platforms")

	return cmd
}

// newServeCmd creates the long-running bus consumer subcommand.
func newServeCmd() *cobra.Command {
	var browserMode string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume work items from the message bus until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(browserMode)
		},
	}

	cmd.Flags().StringVar(&browserMode, "browser-mode", "auto", "Browser acquisition: isolated, attach, auto")
	return cmd
}

// newCheckProxiesCmd creates the proxy health probe subcommand.
func newCheckProxiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-proxies",
		Short: "Probe every configured proxy and print pool health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := newLogger(cfg)

			pool := proxy.NewPool(cfg.Proxy, log)
			pool.CheckAll(cmd.Context())
			fmt.Printf("healthy proxies: %d/%d\n", pool.Healthy(), len(cfg.Proxy.Addresses))
			return nil
		},
	}
}

// runCrawl executes the crawl command.
func runCrawl(ctx context.Context, opts *CrawlOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, cancelling...")
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger(cfg)
	log.SetDefault()

	items, err := buildItems(opts)
	if err != nil {
		return err
	}

	app, err := newApp(cfg, log, opts.BrowserMode)
	if err != nil {
		return err
	}
	defer app.close()

	log.Info("starting crawl",
		"platforms", opts.Platforms,
		"items", len(items),
		"kind", opts.Kind,
		"browser_mode", opts.BrowserMode,
	)

	bar := progressbar.NewOptions(len(items),
		progressbar.OptionSetDescription("Crawling"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	app.orch.ResultHook = func(*model.CrawlResult) {
		bar.Add(1)
	}

	err = app.orch.Run(ctx, intake.NewStaticSource(items...).Items())
	printSummary(app.orch.Snapshot())
	return err
}

// runServe executes the serve command.
func runServe(browserMode string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Intake.NATSURL == "" {
		return fmt.Errorf("NATS_URL must be set for serve mode")
	}
	log := newLogger(cfg)
	log.SetDefault()

	app, err := newApp(cfg, log, browserMode)
	if err != nil {
		return err
	}

	source, err := intake.NewNATSSource(cfg.Intake, log)
	if err != nil {
		app.close()
		return err
	}
	publisher, err := intake.NewProgressPublisher(cfg.Intake, log)
	if err != nil {
		source.Close()
		app.close()
		return err
	}
	// Ack on terminal results only, so unfinished items are redelivered to
	// the next process.
	app.orch.ResultHook = func(res *model.CrawlResult) {
		source.Ack(res.Item.ID)
		publisher.Publish(res)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- app.orch.Run(ctx, source.Items())
	}()

	// Cleanups run last-registered first: stop the orchestrator before
	// tearing down its sinks and connections.
	handler := shutdown.New(log, 30*time.Second)
	handler.RegisterNamed("app", func(context.Context) error { return app.close() })
	handler.RegisterNamed("progress", func(context.Context) error { return publisher.Close() })
	handler.RegisterNamed("intake", func(context.Context) error { return source.Close() })
	handler.RegisterNamed("orchestrator", func(sctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	})

	log.Info("serving", "subject", cfg.Intake.Subject, "operator_addr", cfg.Operator.ListenAddr)
	handler.Wait()
	return nil
}

// app bundles the wired components shared by crawl and serve.
type app struct {
	orch     *orchestrator.Orchestrator
	sinks    sink.Sink
	sessions session.Store
	operator *http.Server
	log      *logger.Logger
}

// newApp wires the full pipeline from configuration.
func newApp(cfg *config.Config, log *logger.Logger, browserMode string) (*app, error) {
	mode, err := parseMode(browserMode)
	if err != nil {
		return nil, err
	}

	pool := proxy.NewPool(cfg.Proxy, log)
	th := throttle.New(cfg.Throttle, log)

	sessions, err := newSessionStore(cfg)
	if err != nil {
		return nil, err
	}

	sinks, archive, err := newSinks(cfg, log)
	if err != nil {
		return nil, err
	}

	crawlers := make(map[model.Platform]platform.Crawler, len(model.Platforms()))
	auths := make(map[model.Platform]login.PlatformAuth, len(model.Platforms()))
	pcfg := platform.DefaultConfig()
	pcfg.MaxRetries = cfg.Orchestrator.MaxRetries
	for _, p := range model.Platforms() {
		c, err := platform.New(p, th, pcfg, log)
		if err != nil {
			return nil, err
		}
		crawlers[p] = c
		a, err := platform.NewAuth(p)
		if err != nil {
			return nil, err
		}
		auths[p] = a
	}

	operator := login.NewWSOperator(log)
	operatorSrv := &http.Server{Addr: cfg.Operator.ListenAddr, Handler: operator}
	go func() {
		if err := operatorSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("operator channel server failed")
		}
	}()

	coordinator := login.NewCoordinator(sessions, operator, auths, cfg.Orchestrator.LoginTimeout, log)

	mgr := browser.NewManager(cfg.Browser, log)
	acquire := func(ctx context.Context, p model.Platform, lease *proxy.Lease, rec *session.Record) (orchestrator.Handle, error) {
		return mgr.Acquire(ctx, p, lease, rec, mode)
	}

	orch := orchestrator.New(cfg.Orchestrator, pool, sessions, coordinator, acquire, crawlers, sinks, archive, log)

	return &app{
		orch:     orch,
		sinks:    sinks,
		sessions: sessions,
		operator: operatorSrv,
		log:      log,
	}, nil
}

func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.operator.Shutdown(ctx); err != nil {
		a.log.WithError(err).Warn("operator server shutdown failed")
	}
	if closer, ok := a.sessions.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.log.WithError(err).Warn("session store close failed")
		}
	}
	return a.sinks.Close()
}

func newSessionStore(cfg *config.Config) (session.Store, error) {
	if cfg.Session.Backend == "redis" {
		return session.NewRedisStore(cfg.Session)
	}
	return session.NewMemoryStore(), nil
}

// newSinks builds the configured record backends and, when object storage
// is configured, the raw payload archive.
func newSinks(cfg *config.Config, log *logger.Logger) (sink.Sink, orchestrator.Archiver, error) {
	var backends []sink.Sink
	for _, name := range cfg.Sink.Backends {
		switch name {
		case "jsonl":
			s, err := sink.NewJSONLSink(cfg.Sink.JSONLPath, log)
			if err != nil {
				return nil, nil, err
			}
			backends = append(backends, s)
		case "postgres":
			s, err := sink.NewPostgresSink(cfg.Sink, log)
			if err != nil {
				return nil, nil, err
			}
			backends = append(backends, s)
		}
	}
	if len(backends) == 0 {
		return nil, nil, fmt.Errorf("no sink backends configured")
	}

	var archive orchestrator.Archiver
	if cfg.Sink.ArchiveEndpoint != "" {
		a, err := sink.NewPayloadArchive(cfg.Sink, log)
		if err != nil {
			return nil, nil, err
		}
		archive = a
	}
	return sink.NewMultiSink(backends...), archive, nil
}

// buildItems expands the flag matrix into work items: one per
// platform x query.
func buildItems(opts *CrawlOptions) ([]*model.WorkItem, error) {
	kind := model.CrawlKind(opts.Kind)
	switch kind {
	case model.KindSearch, model.KindDetail, model.KindComments, model.KindCreatorFeed:
	default:
		return nil, fmt.Errorf("unknown kind %q (valid: search, detail, comments, creator)", opts.Kind)
	}

	queries := opts.Keywords
	if kind != model.KindSearch {
		queries = opts.IDs
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("no queries: pass --keywords for search or --ids for %s", kind)
	}

	var items []*model.WorkItem
	for _, name := range opts.Platforms {
		p := model.Platform(name)
		if !p.Valid() {
			return nil, fmt.Errorf("unknown platform %q (valid: weibo, xiaohongshu, tieba)", name)
		}
		for _, q := range queries {
			item := model.NewWorkItem(p, q, kind, opts.Priority)
			item.Account = opts.Account
			items = append(items, item)
		}
	}
	return items, nil
}

func parseMode(name string) (browser.Mode, error) {
	switch name {
	case "isolated":
		return browser.ModeIsolated, nil
	case "attach":
		return browser.ModeAttach, nil
	case "auto":
		return browser.ModeAuto, nil
	default:
		return 0, fmt.Errorf("unknown browser mode %q (valid: isolated, attach, auto)", name)
	}
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
}

// printSummary prints the per-platform outcome counts after a run.
func printSummary(snapshot map[model.Platform]orchestrator.Progress) {
	fmt.Println()
	fmt.Println("=== Crawl Summary ===")
	for _, p := range model.Platforms() {
		prog, ok := snapshot[p]
		if !ok {
			continue
		}
		fmt.Printf("%-12s succeeded=%d failed=%d pending=%d\n", p, prog.Succeeded, prog.Failed, prog.Pending)
	}
	fmt.Println("=====================")
}
