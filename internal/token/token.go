// Package token issues and checks the short-lived capability tokens that
// authorize executing an approved proposal.
package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/clock"
	"github.com/fyrsmithlabs/autopilot/internal/proposal"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 15 * time.Minute

// tokenBytes is the entropy of a token before hex encoding.
const tokenBytes = 32

// Token is a minted capability token.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer mints, persists, validates and consumes tokens.
type Issuer struct {
	store  proposal.Store
	clock  clock.Clock
	ttl    time.Duration
	random io.Reader
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(i *Issuer) { i.clock = c }
}

// WithRandom overrides crypto/rand, for deterministic tests.
func WithRandom(r io.Reader) Option {
	return func(i *Issuer) { i.random = r }
}

// NewIssuer creates an Issuer over store.
func NewIssuer(store proposal.Store, opts ...Option) *Issuer {
	i := &Issuer{store: store, clock: clock.Real{}, ttl: DefaultTTL, random: rand.Reader}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Mint generates a token and its expiry without persisting it.
func (i *Issuer) Mint() (Token, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(i.random, buf); err != nil {
		return Token{}, fmt.Errorf("failed to generate token: %w", err)
	}
	return Token{Value: hex.EncodeToString(buf), ExpiresAt: i.clock.Now().Add(i.ttl)}, nil
}

// Issue mints a token and stores it on an approved approval.
func (i *Issuer) Issue(ctx context.Context, approvalID string) (Token, error) {
	tok, err := i.Mint()
	if err != nil {
		return Token{}, err
	}
	if err := i.store.SetToken(ctx, approvalID, tok.Value, tok.ExpiresAt); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// Validate checks presented against the stored approval. It has no side
// effects. Errors are not_approved, bad_token or token_expired.
func (i *Issuer) Validate(ctx context.Context, approvalID, presented string) error {
	rec, err := i.store.Get(ctx, approvalID)
	if err != nil {
		return err
	}
	return Check(rec.Approval, presented, i.clock.Now())
}

// Consume clears the stored token. Consuming an already cleared token is a no-op.
func (i *Issuer) Consume(ctx context.Context, approvalID string) error {
	return i.store.ClearToken(ctx, approvalID)
}

// Check is the pure validation rule: the approval must be approved, hold a
// token equal to presented, and now must not be after the expiry.
func Check(a *proposal.Approval, presented string, now time.Time) error {
	const op = "validate_token"
	if a == nil || a.Status != proposal.StatusApproved {
		return apperr.New(apperr.KindNotApproved, op, "proposal is not approved")
	}
	if a.Token == nil || presented == "" ||
		subtle.ConstantTimeCompare([]byte(*a.Token), []byte(presented)) != 1 {
		return apperr.New(apperr.KindBadToken, op, "capability token does not match")
	}
	if a.TokenExpiresAt == nil || now.After(*a.TokenExpiresAt) {
		return apperr.New(apperr.KindTokenExpired, op, "capability token expired")
	}
	return nil
}
