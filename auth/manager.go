// Package auth runs the client side of SEP-10 Stellar Web Authentication for
// a custodial account: every user is identified to the anchor by the pair
// (auth account, memo).
//
// A challenge is validated before it is signed: it must be signed by the
// anchor's known signing key, scoped to the anchor host as both home domain
// and web_auth_domain, and bound to the requested account and memo. A
// challenge failing any check is never signed or submitted.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/support/log"
	"github.com/stellar/go/txnbuild"

	cashout "github.com/marwen-abid/anchor-cashout-go"
	"github.com/marwen-abid/anchor-cashout-go/anchor"
	"github.com/marwen-abid/anchor-cashout-go/errors"
)

// ChallengeClient is the subset of the anchor client used for SEP-10.
type ChallengeClient interface {
	Host() string
	FetchChallenge(ctx context.Context, account string, memo uint64) (*anchor.ChallengeResponse, error)
	SubmitChallenge(ctx context.Context, signedXDR string) (string, error)
}

// Config holds the anchor identity challenges are checked against.
type Config struct {
	// SigningKey is the anchor's SEP-10 SIGNING_KEY (G...).
	SigningKey string
	// NetworkPassphrase of the network challenges are built for.
	NetworkPassphrase string
	// HomeDomain defaults to the anchor host.
	HomeDomain string
	// WebAuthDomain defaults to the anchor host.
	WebAuthDomain string
}

// Token is a bearer credential scoped to (Account, Memo).
type Token struct {
	Value     string
	Account   string
	Memo      uint64
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// Expired reports whether the token is past its exp claim at now.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Manager performs SEP-10 exchanges against one anchor.
type Manager struct {
	client ChallengeClient
	config Config
	logger *log.Entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to log.DefaultLogger.
func WithLogger(logger *log.Entry) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager validates config; both domains default to the anchor host.
func NewManager(client ChallengeClient, config Config, opts ...Option) (*Manager, error) {
	if client == nil {
		return nil, errors.NewCoreError(errors.CONFIG_INVALID, "challenge client is required", nil)
	}
	if _, err := keypair.ParseAddress(config.SigningKey); err != nil {
		return nil, errors.NewCoreError(errors.CONFIG_INVALID, "anchor signing key must be a valid public key", err)
	}
	if strings.TrimSpace(config.NetworkPassphrase) == "" {
		return nil, errors.NewCoreError(errors.CONFIG_INVALID, "network passphrase is required", nil)
	}
	if config.HomeDomain == "" {
		config.HomeDomain = client.Host()
	}
	if config.WebAuthDomain == "" {
		config.WebAuthDomain = client.Host()
	}

	m := &Manager{
		client: client,
		config: config,
		logger: log.DefaultLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Authenticate fetches, validates, signs and submits a challenge for the
// signer's account and memo, and returns the anchor's bearer token. Tokens
// are not cached: every call performs a full exchange.
func (m *Manager) Authenticate(ctx context.Context, signer cashout.Signer, memo uint64) (*Token, error) {
	account := signer.PublicKey()
	logger := m.logger.WithFields(log.F{"account": account, "memo": memo})

	challenge, err := m.client.FetchChallenge(ctx, account, memo)
	if err != nil {
		return nil, err
	}

	if err := m.validate(challenge, account, memo); err != nil {
		logger.WithError(err).Warn("rejecting auth challenge")
		return nil, err
	}

	signed, err := signer.SignTransaction(ctx, challenge.Transaction, m.config.NetworkPassphrase)
	if err != nil {
		return nil, errors.NewClientError(errors.SIGNER_ERROR, "failed to sign challenge transaction", err)
	}

	value, err := m.client.SubmitChallenge(ctx, signed)
	if err != nil {
		return nil, errors.NewClientError(errors.AUTHENTICATION_FAILED, "anchor rejected the signed challenge", err).
			With("reason", errors.ReasonRejectedChallenge)
	}

	token := &Token{
		Value:     value,
		Account:   account,
		Memo:      memo,
		ExpiresAt: tokenExpiry(value),
	}
	logger.WithField("expires_at", token.ExpiresAt).Info("authenticated with anchor")
	return token, nil
}

func (m *Manager) validate(challenge *anchor.ChallengeResponse, account string, memo uint64) error {
	if challenge.NetworkPassphrase != "" && challenge.NetworkPassphrase != m.config.NetworkPassphrase {
		return invalidChallenge(fmt.Sprintf("network passphrase mismatch: expected %s, got %s",
			m.config.NetworkPassphrase, challenge.NetworkPassphrase), nil)
	}

	_, clientAccount, _, challengeMemo, err := txnbuild.ReadChallengeTx(
		challenge.Transaction,
		m.config.SigningKey,
		m.config.NetworkPassphrase,
		m.config.WebAuthDomain,
		[]string{m.config.HomeDomain},
	)
	if err != nil {
		return invalidChallenge("challenge failed verification", err)
	}
	if clientAccount != account {
		return invalidChallenge(fmt.Sprintf("challenge is for account %s, expected %s", clientAccount, account), nil)
	}
	if challengeMemo == nil || uint64(*challengeMemo) != memo {
		return invalidChallenge("challenge memo does not match the requested memo", nil)
	}
	return nil
}

func invalidChallenge(message string, cause error) error {
	return errors.NewClientError(errors.AUTHENTICATION_FAILED, message, cause).
		With("reason", errors.ReasonInvalidChallenge)
}
