// Package browser owns the lifecycle of controlled browser instances: launch
// of isolated automated instances, attach to an already-running browser over
// its debugging endpoint, and guaranteed teardown on release.
package browser

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"github.com/bettaflow/mediaspider/internal/config"
	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/internal/proxy"
	"github.com/bettaflow/mediaspider/internal/session"
	"github.com/bettaflow/mediaspider/pkg/logger"
)

// Mode selects how a browser instance is obtained.
type Mode int

const (
	// ModeIsolated launches a fresh automated instance with proxy and
	// fingerprint injected at launch.
	ModeIsolated Mode = iota
	// ModeAttach connects to an already-running browser via its debugging
	// endpoint, inheriting the operating user's real profile.
	ModeAttach
	// ModeAuto tries attach first and falls back to isolated launch when
	// the debugging endpoint is unreachable.
	ModeAuto
)

func (m Mode) String() string {
	switch m {
	case ModeAttach:
		return "attach"
	case ModeAuto:
		return "auto"
	default:
		return "isolated"
	}
}

// Manager acquires and releases browser handles. Each handle is exclusively
// owned by one worker; concurrency comes from multiple handles, never from
// sharing one.
type Manager struct {
	cfg  config.BrowserConfig
	log  *logger.Logger
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// NewManager creates a browser session manager.
func NewManager(cfg config.BrowserConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:  cfg,
		log:  log.WithComponent("browser"),
		dial: net.DialTimeout,
	}
}

// Acquire obtains a browser handle bound to the given proxy lease and session
// record. The parent ctx governs the handle's whole lifetime: cancelling it
// aborts any in-flight operation on the handle.
func (m *Manager) Acquire(ctx context.Context, platform model.Platform, lease *proxy.Lease, rec *session.Record, mode Mode) (*Handle, error) {
	switch mode {
	case ModeAttach:
		return m.attach(ctx, platform, rec)
	case ModeAuto:
		h, err := m.attach(ctx, platform, rec)
		if err == nil {
			return h, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.log.WithError(err).Info("attach unavailable, falling back to isolated launch", "platform", string(platform))
		return m.launch(ctx, platform, lease, rec)
	default:
		return m.launch(ctx, platform, lease, rec)
	}
}

// launch starts a fresh automated instance.
func (m *Manager) launch(ctx context.Context, platform model.Platform, lease *proxy.Lease, rec *session.Record) (*Handle, error) {
	opts := execOptions(m.cfg)
	if lease != nil {
		opts = append(opts, chromedp.ProxyServer(lease.URL()))
	}
	if m.cfg.SaveLoginState && m.cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(m.cfg.UserDataDir))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	h := &Handle{
		ID:        uuid.NewString(),
		Platform:  platform,
		Lease:     lease,
		mode:      ModeIsolated,
		ctx:       browserCtx,
		cancels:   []context.CancelFunc{browserCancel, allocCancel},
		opTimeout: m.cfg.RequestTimeout,
		log:       m.log.WithFields(map[string]any{"platform": string(platform), "mode": "isolated"}),
	}

	if err := h.init(rec); err != nil {
		h.Release()
		return nil, fmt.Errorf("isolated launch: %w", err)
	}
	m.log.Info("browser launched", "platform", string(platform), "handle", h.ID)
	return h, nil
}

// attach connects to a running browser over its debugging port. Fails with
// model.ErrAttachUnavailable when the port is not reachable within the
// startup timeout.
func (m *Manager) attach(ctx context.Context, platform model.Platform, rec *session.Record) (*Handle, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", m.cfg.DebugPort)
	conn, err := m.dial("tcp", addr, m.cfg.AttachTimeout)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", addr, model.ErrAttachUnavailable)
	}
	conn.Close()

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, "http://"+addr)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	h := &Handle{
		ID:        uuid.NewString(),
		Platform:  platform,
		mode:      ModeAttach,
		ctx:       browserCtx,
		cancels:   []context.CancelFunc{browserCancel, allocCancel},
		opTimeout: m.cfg.RequestTimeout,
		log:       m.log.WithFields(map[string]any{"platform": string(platform), "mode": "attach"}),
	}

	if err := h.init(rec); err != nil {
		h.Release()
		return nil, fmt.Errorf("attach: %w", err)
	}
	m.log.Info("attached to running browser", "platform", string(platform), "handle", h.ID)
	return h, nil
}
