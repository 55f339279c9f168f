// Package ledger submits the cash-out payment to the Stellar network through
// Horizon.
//
// A payment is built from the funds account's current sequence number,
// tagged with the anchor's ID memo, signed by the funds signer and submitted
// once. Horizon 504 responses mean the outcome is still pending, so the same
// envelope is resubmitted, which cannot pay twice.
package ledger

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
	"github.com/stellar/go/support/log"
	"github.com/stellar/go/txnbuild"

	cashout "github.com/marwen-abid/anchor-cashout-go"
	"github.com/marwen-abid/anchor-cashout-go/errors"
)

const (
	defaultBaseFee           = int64(10000)
	defaultTxTimeout         = 5 * time.Minute
	defaultMaxSubmitAttempts = 5
)

// Asset identifies the Stellar asset paid to the anchor. An empty issuer
// with code XLM means the native asset.
type Asset struct {
	Code   string
	Issuer string
}

func (a Asset) toTxnbuild() txnbuild.Asset {
	if a.Issuer == "" && (a.Code == "" || a.Code == "XLM") {
		return txnbuild.NativeAsset{}
	}
	return txnbuild.CreditAsset{Code: a.Code, Issuer: a.Issuer}
}

// SubmitterConfig configures a HorizonSubmitter.
type SubmitterConfig struct {
	Asset             Asset
	NetworkPassphrase string
	// BaseFee in stroops offered per operation (default: 10000).
	BaseFee int64
	// TxTimeout bounds the validity window of the transaction (default: 5m).
	TxTimeout time.Duration
	// MaxSubmitAttempts bounds resubmissions on Horizon 504 (default: 5).
	MaxSubmitAttempts int
}

// HorizonSubmitter implements cashout.PaymentSubmitter.
type HorizonSubmitter struct {
	client HorizonClient
	signer cashout.Signer
	config SubmitterConfig
	logger *log.Entry
}

// SubmitterOption configures a HorizonSubmitter.
type SubmitterOption func(*HorizonSubmitter)

// WithLogger sets the logger. Defaults to log.DefaultLogger.
func WithLogger(logger *log.Entry) SubmitterOption {
	return func(s *HorizonSubmitter) {
		s.logger = logger
	}
}

func NewHorizonSubmitter(client HorizonClient, signer cashout.Signer, config SubmitterConfig, opts ...SubmitterOption) (*HorizonSubmitter, error) {
	if client == nil || signer == nil {
		return nil, errors.NewCoreError(errors.CONFIG_INVALID, "horizon client and funds signer are required", nil)
	}
	if config.NetworkPassphrase == "" {
		return nil, errors.NewCoreError(errors.CONFIG_INVALID, "network passphrase is required", nil)
	}
	if config.Asset.Code != "" && config.Asset.Code != "XLM" && config.Asset.Issuer == "" {
		return nil, errors.NewCoreError(errors.CONFIG_INVALID, fmt.Sprintf("asset %s requires an issuer", config.Asset.Code), nil)
	}
	if config.BaseFee <= 0 {
		config.BaseFee = defaultBaseFee
	}
	if config.TxTimeout <= 0 {
		config.TxTimeout = defaultTxTimeout
	}
	if config.MaxSubmitAttempts <= 0 {
		config.MaxSubmitAttempts = defaultMaxSubmitAttempts
	}

	s := &HorizonSubmitter{
		client: client,
		signer: signer,
		config: config,
		logger: log.DefaultLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SubmitPayment pays req.Amount of the configured asset to req.Destination
// with an ID memo of req.Memo.
func (s *HorizonSubmitter) SubmitPayment(ctx context.Context, req cashout.PaymentRequest) (*cashout.PaymentResult, error) {
	source := s.signer.PublicKey()
	seq, err := loadSequence(s.client, source)
	if err != nil {
		return nil, err
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: source, Sequence: seq},
		IncrementSequenceNum: true,
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: req.Destination,
				Amount:      req.Amount,
				Asset:       s.config.Asset.toTxnbuild(),
			},
		},
		BaseFee: s.config.BaseFee,
		Memo:    txnbuild.MemoID(req.Memo),
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(int64(s.config.TxTimeout / time.Second)),
		},
	})
	if err != nil {
		return nil, errors.NewLedgerError(errors.LEDGER_SUBMISSION_FAILED, "failed to build payment transaction", err)
	}

	unsigned, err := tx.Base64()
	if err != nil {
		return nil, errors.NewLedgerError(errors.LEDGER_SUBMISSION_FAILED, "failed to encode payment transaction", err)
	}
	signed, err := s.signer.SignTransaction(ctx, unsigned, s.config.NetworkPassphrase)
	if err != nil {
		return nil, errors.NewClientError(errors.SIGNER_ERROR, "failed to sign payment transaction", err)
	}

	return s.submit(ctx, signed)
}

func (s *HorizonSubmitter) submit(ctx context.Context, envelope string) (*cashout.PaymentResult, error) {
	var lastErr error
	for attempt := 1; attempt <= s.config.MaxSubmitAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewLedgerError(errors.LEDGER_SUBMISSION_FAILED, "payment submission cancelled", err)
		}

		resp, err := s.client.SubmitTransactionXDR(envelope)
		if err == nil {
			return &cashout.PaymentResult{Hash: resp.Hash, Ledger: resp.Ledger}, nil
		}
		lastErr = err

		herr := horizonclient.GetError(err)
		if herr == nil || herr.Problem.Status != http.StatusGatewayTimeout {
			return nil, submissionError(err, herr)
		}
		s.logger.WithField("attempt", attempt).Warn("horizon timed out, resubmitting the same envelope")
	}

	return nil, errors.NewLedgerError(errors.LEDGER_SUBMISSION_FAILED,
		fmt.Sprintf("payment still pending after %d submissions", s.config.MaxSubmitAttempts), lastErr)
}

func submissionError(err error, herr *horizonclient.Error) error {
	ce := errors.NewLedgerError(errors.LEDGER_SUBMISSION_FAILED, "payment rejected by the network", err)
	if herr == nil {
		return ce
	}
	ce.With("status_code", herr.Problem.Status)
	if codes, cErr := herr.ResultCodes(); cErr == nil && codes != nil {
		ce.With("transaction_code", codes.TransactionCode)
		ce.With("operation_codes", codes.OperationCodes)
		ce.Message = fmt.Sprintf("payment rejected by the network: %s %v", codes.TransactionCode, codes.OperationCodes)
	}
	return ce
}

var _ cashout.PaymentSubmitter = (*HorizonSubmitter)(nil)
