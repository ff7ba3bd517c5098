package model

import (
	"context"
	"errors"
	"net"
)

// FailureClass buckets an error into the orchestrator's retry taxonomy.
type FailureClass string

const (
	// FailNone marks a result that did not fail.
	FailNone FailureClass = ""
	// FailTransient covers timeouts and connection resets; retried with backoff.
	FailTransient FailureClass = "transient"
	// FailRateLimited is an explicit slow-down signal; cooldown then retry.
	FailRateLimited FailureClass = "rate_limited"
	// FailSessionInvalid means auth was rejected mid-crawl; re-login then retry.
	FailSessionInvalid FailureClass = "session_invalid"
	// FailProxyExhausted means no healthy proxy address was available.
	FailProxyExhausted FailureClass = "proxy_exhausted"
	// FailParse means the response shape was unexpected; terminal.
	FailParse FailureClass = "parse"
	// FailBlocked means the platform rejected the content or banned the
	// account; terminal and the session record must not be reused.
	FailBlocked FailureClass = "blocked"
	// FailCancelled means the work item was aborted by cancellation.
	FailCancelled FailureClass = "cancelled"
)

// Retryable reports whether the class allows re-enqueueing the item.
func (c FailureClass) Retryable() bool {
	switch c {
	case FailTransient, FailRateLimited, FailSessionInvalid, FailProxyExhausted:
		return true
	}
	return false
}

// Sentinel errors shared across components. Components wrap these with
// fmt.Errorf("...: %w", err) so Classify sees them through the chain.
var (
	ErrNoHealthyProxy    = errors.New("no healthy proxy available")
	ErrAttachUnavailable = errors.New("browser debug endpoint unreachable")
	ErrSessionInvalid    = errors.New("session rejected by platform")
	ErrRateLimited       = errors.New("platform requested slow down")
	ErrParse             = errors.New("unexpected response shape")
	ErrBlocked           = errors.New("account banned or content blocked")
	ErrNotFound          = errors.New("not found")
	ErrStaleSave         = errors.New("stale session save rejected")
)

// Classify maps an error onto the failure taxonomy. The orchestrator is the
// single caller deciding retry versus terminal failure from the result.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return FailNone
	case errors.Is(err, context.Canceled):
		return FailCancelled
	case errors.Is(err, ErrBlocked):
		return FailBlocked
	case errors.Is(err, ErrParse):
		return FailParse
	case errors.Is(err, ErrSessionInvalid):
		return FailSessionInvalid
	case errors.Is(err, ErrRateLimited):
		return FailRateLimited
	case errors.Is(err, ErrNoHealthyProxy):
		return FailProxyExhausted
	case errors.Is(err, context.DeadlineExceeded):
		return FailTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailTransient
	}
	return FailTransient
}
