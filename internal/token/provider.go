// Package token keeps a bot access token fresh.
//
// The Provider acquires a credential from the REST API and schedules its own
// renewal ahead of expiry. A failed renewal is reported on Failures so the
// gateway session can reset; the next successful Acquire re-arms renewal.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrel-bot/kestrel/internal/metrics"
	"github.com/kestrel-bot/kestrel/internal/rest"
)

const (
	// renewTimeout bounds a single background renewal.
	renewTimeout = 30 * time.Second
	// minRenewDelay keeps a short-lived token from spinning the renewal timer.
	minRenewDelay = time.Second
)

// Source issues access tokens.
type Source interface {
	AcquireToken(ctx context.Context) (rest.Token, error)
}

// Credential is an immutable access token snapshot.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the credential is set and not yet expired.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt)
}

// CredentialError reports that a token could not be fetched or refreshed.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential: %v", e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Provider acquires and renews credentials.
type Provider struct {
	src    Source
	margin time.Duration
	logger *slog.Logger
	now    func() time.Time
	floor  time.Duration

	mu       sync.Mutex
	cred     Credential
	timer    *time.Timer
	gen      uint64
	failures chan error
}

// NewProvider creates a provider that renews margin before expiry.
func NewProvider(src Source, margin time.Duration, logger *slog.Logger) *Provider {
	return &Provider{
		src:      src,
		margin:   margin,
		logger:   logger.With("component", "token"),
		now:      time.Now,
		floor:    minRenewDelay,
		failures: make(chan error, 1),
	}
}

// Acquire fetches a fresh credential, stores it and schedules renewal.
func (p *Provider) Acquire(ctx context.Context) (Credential, error) {
	cred, _, err := p.acquire(ctx, 0, false)
	return cred, err
}

// acquire fetches a credential. When pinned, the result is discarded if Stop
// or another Acquire superseded generation gen while the request was in flight.
func (p *Provider) acquire(ctx context.Context, gen uint64, pinned bool) (Credential, bool, error) {
	tok, err := p.src.AcquireToken(ctx)
	if err != nil {
		metrics.RecordTokenRefresh(false)
		return Credential{}, false, &CredentialError{Err: err}
	}
	metrics.RecordTokenRefresh(true)

	cred := Credential{Token: tok.AccessToken, ExpiresAt: p.now().Add(tok.ExpiresIn)}

	p.mu.Lock()
	if pinned && gen != p.gen {
		p.mu.Unlock()
		return cred, false, nil
	}
	p.cred = cred
	p.scheduleLocked(cred.ExpiresAt)
	p.mu.Unlock()

	p.logger.Info("access token acquired", "expires_at", cred.ExpiresAt.Format(time.RFC3339))
	return cred, true, nil
}

// Current returns the most recently acquired credential.
func (p *Provider) Current() Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cred
}

// Failures delivers renewal errors. The channel holds at most one pending
// failure; later failures are dropped until it is drained.
func (p *Provider) Failures() <-chan error {
	return p.failures
}

// Stop cancels any pending renewal. Safe to call repeatedly.
func (p *Provider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Provider) scheduleLocked(expiresAt time.Time) {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
	}
	delay := expiresAt.Sub(p.now()) - p.margin
	if delay < p.floor {
		delay = p.floor
	}
	gen := p.gen
	p.timer = time.AfterFunc(delay, func() { p.renew(gen) })
}

func (p *Provider) renew(gen uint64) {
	p.mu.Lock()
	stale := gen != p.gen
	p.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
	defer cancel()

	_, stored, err := p.acquire(ctx, gen, true)
	if err != nil {
		p.mu.Lock()
		stale = gen != p.gen
		p.mu.Unlock()
		if stale {
			return
		}
		p.logger.Warn("token renewal failed", "error", err)
		select {
		case p.failures <- err:
		default:
		}
		return
	}
	if !stored {
		p.logger.Debug("discarded renewal for stopped provider")
	}
}
