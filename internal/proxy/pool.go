// Package proxy maintains a pool of outbound proxy addresses with rolling
// health scores and exclusive leases.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bettaflow/mediaspider/internal/config"
	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/pkg/logger"
)

// Outcome reports how a lease was used, driving the health score.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

// Lease is a temporary exclusive grant of one proxy address.
type Lease struct {
	ID       string
	Address  string
	Username string
	Password string
	Expiry   time.Time
}

// URL renders the lease as a proxy URL suitable for the browser launcher.
func (l *Lease) URL() string {
	if l.Username != "" {
		return fmt.Sprintf("http://%s:%s@%s", url.QueryEscape(l.Username), url.QueryEscape(l.Password), l.Address)
	}
	return "http://" + l.Address
}

type entry struct {
	address    string
	score      int
	leased     bool
	leaseID    string
	leaseExp   time.Time
	coolUntil  time.Time
	lastLeased time.Time
}

// Pool hands out one non-exhausted address per session request.
type Pool struct {
	cfg     config.ProxyConfig
	log     *logger.Logger
	httpNew func(proxyURL string) *http.Client

	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewPool creates a pool seeded with the configured addresses.
func NewPool(cfg config.ProxyConfig, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.Default()
	}
	p := &Pool{
		cfg:     cfg,
		log:     log.WithComponent("proxy-pool"),
		entries: make(map[string]*entry, len(cfg.Addresses)),
		now:     time.Now,
		httpNew: newProxyClient,
	}
	for _, addr := range cfg.Addresses {
		p.entries[addr] = &entry{address: addr, score: cfg.InitialScore}
	}
	return p
}

// Lease picks the highest-scoring address that is not leased and not cooling
// down. Ties break by least-recently-used. Returns ErrNoHealthyProxy when
// every address is below the score floor, cooling down, or already leased.
func (p *Pool) Lease(ctx context.Context, platform model.Platform) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.reclaimExpired(now)

	var best *entry
	for _, e := range p.entries {
		if e.leased || e.score < p.cfg.ScoreFloor || now.Before(e.coolUntil) {
			continue
		}
		if best == nil || e.score > best.score ||
			(e.score == best.score && e.lastLeased.Before(best.lastLeased)) {
			best = e
		}
	}
	if best == nil {
		return nil, model.ErrNoHealthyProxy
	}

	lease := &Lease{
		ID:       uuid.NewString(),
		Address:  best.address,
		Username: p.cfg.Username,
		Password: p.cfg.Password,
		Expiry:   now.Add(p.cfg.LeaseTTL),
	}
	best.leased = true
	best.leaseID = lease.ID
	best.leaseExp = lease.Expiry
	best.lastLeased = now

	p.log.Debug("leased proxy", "address", best.address, "platform", string(platform), "score", best.score)
	return lease, nil
}

// Release returns a lease to the pool and folds the outcome into the
// address health score. Releasing an already-reclaimed lease is a no-op.
func (p *Pool) Release(lease *Lease, outcome Outcome) {
	if lease == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[lease.Address]
	if !ok || !e.leased || e.leaseID != lease.ID {
		return
	}
	e.leased = false
	e.leaseID = ""

	switch outcome {
	case OutcomeSuccess:
		e.score++
	case OutcomeFailure, OutcomeTimeout:
		e.score -= 2
		if e.score < 0 {
			e.score = 0
		}
		e.coolUntil = p.now().Add(p.cfg.FailCooldown)
	}
	p.log.Debug("released proxy", "address", e.address, "score", e.score)
}

// reclaimExpired reaps leases held past their expiry and degrades the
// address. Callers hold p.mu.
func (p *Pool) reclaimExpired(now time.Time) {
	for _, e := range p.entries {
		if e.leased && now.After(e.leaseExp) {
			p.log.Warn("reclaiming expired lease", "address", e.address)
			e.leased = false
			e.leaseID = ""
			e.score -= 2
			if e.score < 0 {
				e.score = 0
			}
			e.coolUntil = now.Add(p.cfg.FailCooldown)
		}
	}
}

// Healthy reports how many addresses are currently leasable.
func (p *Pool) Healthy() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := 0
	for _, e := range p.entries {
		if !e.leased && e.score >= p.cfg.ScoreFloor && !now.Before(e.coolUntil) {
			n++
		}
	}
	return n
}

// CheckAll probes every unleased address against the configured probe URL
// and folds the result into its score.
func (p *Pool) CheckAll(ctx context.Context) {
	p.mu.Lock()
	addrs := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		if !e.leased {
			addrs = append(addrs, e.address)
		}
	}
	p.mu.Unlock()

	for _, addr := range addrs {
		ok := p.probe(ctx, addr)
		p.mu.Lock()
		if e, exists := p.entries[addr]; exists {
			if ok {
				e.score++
			} else {
				e.score -= 2
				if e.score < 0 {
					e.score = 0
				}
				e.coolUntil = p.now().Add(p.cfg.FailCooldown)
			}
		}
		p.mu.Unlock()
	}
}

func (p *Pool) probe(ctx context.Context, addr string) bool {
	proxyURL := "http://" + addr
	if p.cfg.Username != "" {
		proxyURL = fmt.Sprintf("http://%s:%s@%s", url.QueryEscape(p.cfg.Username), url.QueryEscape(p.cfg.Password), addr)
	}
	client := p.httpNew(proxyURL)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.ProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		p.log.Debug("proxy probe failed", "address", addr, "err", err.Error())
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func newProxyClient(proxyURL string) *http.Client {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return http.DefaultClient
	}
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(parsed)},
	}
}
