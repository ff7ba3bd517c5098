// Package login drives the cached-credential or human-in-the-loop login flow
// for a platform/account pair, modeled as an explicit state machine.
package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/internal/session"
	"github.com/bettaflow/mediaspider/pkg/logger"
)

// State is one step of the login state machine.
type State string

const (
	StateNoSession     State = "no_session"
	StateAwaitingAuth  State = "awaiting_interactive_auth"
	StateValidating    State = "validating"
	StateAuthenticated State = "authenticated"
	StateFailed        State = "failed"
)

// ErrLoginFailed is terminal for the attempt: the operator timed out, denied
// the challenge, or validation never passed.
var ErrLoginFailed = errors.New("login failed")

// Challenge is the artifact presented to a human operator, e.g. a scannable
// QR payload extracted from the platform's login page.
type Challenge struct {
	ID       string         `json:"id"`
	Platform model.Platform `json:"platform"`
	Account  string         `json:"account"`
	Kind     string         `json:"kind"`
	Payload  string         `json:"payload"`
	IssuedAt time.Time      `json:"issued_at"`
}

// Confirmation is the operator's asynchronous response to a challenge.
type Confirmation struct {
	ChallengeID string `json:"challenge_id"`
	Accepted    bool   `json:"accepted"`
}

// OperatorChannel delivers challenges to a human operator and returns their
// confirmations. The channel is external; a websocket implementation lives in
// this package, tests substitute a fake.
type OperatorChannel interface {
	Present(ctx context.Context, ch Challenge) (<-chan Confirmation, error)
	// Abandon drops a presented challenge nobody is waiting on anymore.
	Abandon(challengeID string)
}

// Browser is the slice of a browser handle the login flow needs. Satisfied
// by *browser.Handle; tests substitute fakes.
type Browser interface {
	Navigate(url string) error
	CurrentURL() (string, error)
	Evaluate(expr string, out any) error
	RestoreCookies(authState []byte) error
	ExportCookies() ([]byte, error)
}

// PlatformAuth supplies the platform-specific pieces of the flow: producing
// the interactive challenge and performing one lightweight authenticated
// request to confirm a session actually works.
type PlatformAuth interface {
	Challenge(ctx context.Context, b Browser) (kind, payload string, err error)
	Validate(ctx context.Context, b Browser) error
}

// Coordinator runs the login state machine.
type Coordinator struct {
	store    session.Store
	operator OperatorChannel
	auths    map[model.Platform]PlatformAuth
	timeout  time.Duration
	log      *logger.Logger

	// TransitionHook observes state transitions; tests use it to assert the
	// machine's path.
	TransitionHook func(platform model.Platform, account string, from, to State)
}

// NewCoordinator creates a login coordinator.
func NewCoordinator(store session.Store, operator OperatorChannel, auths map[model.Platform]PlatformAuth, timeout time.Duration, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		store:    store,
		operator: operator,
		auths:    auths,
		timeout:  timeout,
		log:      log.WithComponent("login"),
	}
}

func (c *Coordinator) transition(platform model.Platform, account string, from, to State) State {
	c.log.Info("login state transition", "platform", string(platform), "account", account, "from", string(from), "to", string(to))
	if c.TransitionHook != nil {
		c.TransitionHook(platform, account, from, to)
	}
	return to
}

// Authenticate resolves a working session for (platform, account) on the
// given handle. A loaded record that validates short-circuits the
// interactive step; otherwise the operator is challenged. On success the
// refreshed record is saved and returned.
func (c *Coordinator) Authenticate(ctx context.Context, b Browser, platform model.Platform, account string) (*session.Record, error) {
	auth, ok := c.auths[platform]
	if !ok {
		return nil, fmt.Errorf("no auth flow registered for platform %q: %w", platform, ErrLoginFailed)
	}

	state := StateNoSession

	rec, err := c.store.Load(ctx, platform, account)
	switch {
	case err == nil:
		// Cached session: validate before trusting it.
		state = c.transition(platform, account, state, StateValidating)
		if err := b.RestoreCookies(rec.AuthState); err == nil {
			if err := auth.Validate(ctx, b); err == nil {
				return c.finish(ctx, b, platform, account, state)
			}
		}
		// Stale or rejected: never reused silently.
		if err := c.store.Invalidate(ctx, platform, account); err != nil {
			c.log.WithError(err).Warn("failed to invalidate stale session", "platform", string(platform))
		}
		state = c.transition(platform, account, state, StateNoSession)
	case errors.Is(err, model.ErrNotFound):
	default:
		return nil, fmt.Errorf("loading session: %w", err)
	}

	// Interactive path: present a challenge and block on the operator. This
	// is the single designed suspension point requiring a human.
	kind, payload, err := auth.Challenge(ctx, b)
	if err != nil {
		c.transition(platform, account, state, StateFailed)
		return nil, fmt.Errorf("producing challenge: %w", err)
	}

	challenge := Challenge{
		ID:       uuid.NewString(),
		Platform: platform,
		Account:  account,
		Kind:     kind,
		Payload:  payload,
		IssuedAt: time.Now().UTC(),
	}

	state = c.transition(platform, account, state, StateAwaitingAuth)
	confirmations, err := c.operator.Present(ctx, challenge)
	if err != nil {
		c.transition(platform, account, state, StateFailed)
		return nil, fmt.Errorf("presenting challenge: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.operator.Abandon(challenge.ID)
		c.transition(platform, account, state, StateFailed)
		return nil, ctx.Err()
	case <-timer.C:
		c.operator.Abandon(challenge.ID)
		c.transition(platform, account, state, StateFailed)
		return nil, fmt.Errorf("operator did not confirm within %s: %w", c.timeout, ErrLoginFailed)
	case conf := <-confirmations:
		if !conf.Accepted {
			c.operator.Abandon(challenge.ID)
			c.transition(platform, account, state, StateFailed)
			return nil, fmt.Errorf("operator rejected challenge: %w", ErrLoginFailed)
		}
	}

	state = c.transition(platform, account, state, StateValidating)
	if err := auth.Validate(ctx, b); err != nil {
		c.transition(platform, account, state, StateFailed)
		return nil, fmt.Errorf("post-login validation: %w", errors.Join(err, ErrLoginFailed))
	}

	return c.finish(ctx, b, platform, account, state)
}

// finish exports the live cookie jar, saves the refreshed record, and lands
// in Authenticated.
func (c *Coordinator) finish(ctx context.Context, b Browser, platform model.Platform, account string, state State) (*session.Record, error) {
	authState, err := b.ExportCookies()
	if err != nil {
		c.transition(platform, account, state, StateFailed)
		return nil, fmt.Errorf("exporting session state: %w", err)
	}

	now := time.Now().UTC()
	rec := &session.Record{
		Platform:      platform,
		Account:       account,
		AuthState:     authState,
		SavedAt:       now,
		LastValidated: now,
	}
	if err := c.store.Save(ctx, rec); err != nil && !errors.Is(err, model.ErrStaleSave) {
		c.transition(platform, account, state, StateFailed)
		return nil, fmt.Errorf("saving session: %w", err)
	}

	c.transition(platform, account, state, StateAuthenticated)
	return rec, nil
}
