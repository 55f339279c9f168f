// Package withdraw drives SEP-24 interactive withdrawals from the custodial
// side.
//
// The Orchestrator authenticates and opens a withdrawal, recording it in the
// transaction store. The Controller later drives a recorded withdrawal to
// completion: it waits for the anchor to ask for funds, pays the anchor on
// chain with the memo it supplied, and waits for the anchor to acknowledge
// receipt.
package withdraw

import (
	"context"
	"strings"

	"github.com/stellar/go/support/log"

	cashout "github.com/marwen-abid/anchor-cashout-go"
	"github.com/marwen-abid/anchor-cashout-go/anchor"
	"github.com/marwen-abid/anchor-cashout-go/auth"
	"github.com/marwen-abid/anchor-cashout-go/errors"
)

const (
	defaultLang    = "en"
	callbackMarker = "callback=postmessage"
)

// Authenticator obtains a bearer token for a signer and memo.
type Authenticator interface {
	Authenticate(ctx context.Context, signer cashout.Signer, memo uint64) (*auth.Token, error)
}

// WithdrawalClient opens interactive withdrawals.
type WithdrawalClient interface {
	InitiateWithdrawal(ctx context.Context, token string, req anchor.WithdrawRequest) (*anchor.InteractiveResponse, error)
}

// WithdrawalRequest describes a withdrawal to open.
type WithdrawalRequest struct {
	AssetCode string
	// Account is the funds account the payment will be sent from.
	Account string
	Amount  string
	Lang    string
}

// OrchestratorConfig configures NewTransaction.
type OrchestratorConfig struct {
	AuthSigner cashout.Signer
	// Memo identifies the end user to the anchor.
	Memo         uint64
	AssetCode    string
	FundsAccount string
	Amount       string
	Lang         string
}

// Orchestrator opens withdrawals and records them.
type Orchestrator struct {
	client        WithdrawalClient
	authenticator Authenticator
	store         cashout.TransactionStore
	config        OrchestratorConfig
	settings
}

// NewOrchestrator validates config. Lang defaults to "en".
func NewOrchestrator(client WithdrawalClient, authenticator Authenticator, store cashout.TransactionStore, config OrchestratorConfig, opts ...Option) (*Orchestrator, error) {
	if client == nil || authenticator == nil {
		return nil, errors.NewCoreError(errors.CONFIG_INVALID, "anchor client and authenticator are required", nil)
	}
	if store == nil {
		return nil, errors.NewCoreError(errors.CONFIG_INVALID, "transaction store is required", nil)
	}
	if config.AuthSigner == nil {
		return nil, errors.NewCoreError(errors.CONFIG_INVALID, "auth signer is required", nil)
	}
	if strings.TrimSpace(config.AssetCode) == "" || strings.TrimSpace(config.FundsAccount) == "" {
		return nil, errors.NewCoreError(errors.CONFIG_INVALID, "asset code and funds account are required", nil)
	}
	if config.Lang == "" {
		config.Lang = defaultLang
	}

	return &Orchestrator{
		client:        client,
		authenticator: authenticator,
		store:         store,
		config:        config,
		settings:      newSettings(opts),
	}, nil
}

// NewTransaction authenticates the configured auth identity and opens a
// withdrawal of the configured asset and amount from the funds account.
func (o *Orchestrator) NewTransaction(ctx context.Context) (string, string, error) {
	token, err := o.authenticator.Authenticate(ctx, o.config.AuthSigner, o.config.Memo)
	if err != nil {
		return "", "", err
	}

	return o.InitiateWithdrawal(ctx, token, WithdrawalRequest{
		AssetCode: o.config.AssetCode,
		Account:   o.config.FundsAccount,
		Amount:    o.config.Amount,
		Lang:      o.config.Lang,
	})
}

// InitiateWithdrawal opens an interactive withdrawal under token and stores
// exactly one record for it. It returns the interactive URL, with the
// postMessage callback marker appended, and the anchor transaction id.
func (o *Orchestrator) InitiateWithdrawal(ctx context.Context, token *auth.Token, req WithdrawalRequest) (string, string, error) {
	if req.Lang == "" {
		req.Lang = defaultLang
	}

	resp, err := o.client.InitiateWithdrawal(ctx, token.Value, anchor.WithdrawRequest{
		AssetCode: req.AssetCode,
		Account:   req.Account,
		Lang:      req.Lang,
		Amount:    req.Amount,
	})
	if err != nil {
		return "", "", err
	}

	now := o.now()
	record := &cashout.Transaction{
		ID:             resp.ID,
		Token:          token.Value,
		TokenExpiresAt: token.ExpiresAt,
		InteractiveURL: withCallback(resp.URL),
		State:          cashout.StateInitiated,
		AssetCode:      req.AssetCode,
		Amount:         req.Amount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.Save(ctx, record); err != nil {
		return "", "", err
	}

	o.logger.WithFields(log.F{"tx_id": record.ID, "asset_code": req.AssetCode, "amount": req.Amount}).
		Info("withdrawal initiated")
	o.hooks.Trigger(HookWithdrawalInitiated, record)

	return record.InteractiveURL, record.ID, nil
}

func withCallback(u string) string {
	if strings.Contains(u, "?") {
		return u + "&" + callbackMarker
	}
	return u + "?" + callbackMarker
}
