package withdraw

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/support/log"

	cashout "github.com/marwen-abid/anchor-cashout-go"
	"github.com/marwen-abid/anchor-cashout-go/anchor"
	"github.com/marwen-abid/anchor-cashout-go/errors"
)

const (
	defaultPollInterval    = time.Second
	defaultPollTimeout     = 10 * time.Minute
	defaultMaxPollAttempts = 600
	stellarAmountPlaces    = 7
)

// StatusClient fetches SEP-24 transaction status.
type StatusClient interface {
	FetchTransaction(ctx context.Context, token, id string) (*anchor.Transaction, error)
}

// ControllerConfig bounds the status polling and the payment.
type ControllerConfig struct {
	// PollInterval is waited before every status request (default: 1s).
	PollInterval time.Duration
	// PollTimeout bounds each wait for a status (default: 10m).
	PollTimeout time.Duration
	// MaxPollAttempts bounds each wait for a status (default: 600).
	MaxPollAttempts int
	// MaxAmount rejects anchor-requested amounts above it. Empty disables
	// the check.
	MaxAmount string
}

// Receipt is returned once the anchor acknowledged the payment.
type Receipt struct {
	StatusPageURL   string
	ReferenceNumber string
	PaymentHash     string
}

// Controller drives recorded withdrawals through payment and confirmation.
type Controller struct {
	client    StatusClient
	store     cashout.TransactionStore
	payments  cashout.PaymentSubmitter
	config    ControllerConfig
	maxAmount *decimal.Decimal
	settings

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewController validates config and applies the polling defaults.
func NewController(client StatusClient, store cashout.TransactionStore, payments cashout.PaymentSubmitter, config ControllerConfig, opts ...Option) (*Controller, error) {
	if client == nil || store == nil || payments == nil {
		return nil, errors.NewCoreError(errors.CONFIG_INVALID, "status client, transaction store and payment submitter are required", nil)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = defaultPollTimeout
	}
	if config.MaxPollAttempts <= 0 {
		config.MaxPollAttempts = defaultMaxPollAttempts
	}

	c := &Controller{
		client:   client,
		store:    store,
		payments: payments,
		config:   config,
		settings: newSettings(opts),
		inflight: make(map[string]struct{}),
	}
	if config.MaxAmount != "" {
		limit, err := decimal.NewFromString(config.MaxAmount)
		if err != nil || !limit.IsPositive() {
			return nil, errors.NewCoreError(errors.CONFIG_INVALID, fmt.Sprintf("invalid max amount %q", config.MaxAmount), err)
		}
		c.maxAmount = &limit
	}
	return c, nil
}

// DrivePayment takes the withdrawal id to completion. It waits for
// pending_user_transfer_start, pays the anchor, then waits for
// pending_user_transfer_complete (or completed).
//
// A withdrawal whose payment was already recorded is not paid again: the
// drive resumes at the confirmation wait. An unknown id fails with
// UNKNOWN_TRANSACTION before any anchor call.
func (c *Controller) DrivePayment(ctx context.Context, id string) (*Receipt, error) {
	if !c.acquire(id) {
		return nil, errors.NewClientError(errors.TRANSFER_IN_PROGRESS, fmt.Sprintf("withdrawal %s is already being driven", id), nil).
			With("tx_id", id)
	}
	defer c.release(id)

	// read under the lock so the state never predates another drive
	record, err := c.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	logger := c.logger.WithField("tx_id", id)

	switch record.State {
	case cashout.StateFailed:
		return nil, errors.NewClientError(errors.TRANSITION_INVALID, fmt.Sprintf("withdrawal %s has failed: %s", id, record.Message), nil).
			With("tx_id", id)
	case cashout.StateCompleted:
		tx, err := c.client.FetchTransaction(ctx, record.Token, id)
		if err != nil {
			return nil, err
		}
		return receipt(tx, record), nil
	case cashout.StateInitiated, cashout.StateAwaitingPayment:
		if record, err = c.pay(ctx, record, logger); err != nil {
			return nil, err
		}
	}

	return c.confirm(ctx, record, logger)
}

func (c *Controller) pay(ctx context.Context, record *cashout.Transaction, logger *log.Entry) (*cashout.Transaction, error) {
	var err error
	if record.State == cashout.StateInitiated {
		if record, err = c.transition(ctx, record, cashout.StateAwaitingPayment, nil); err != nil {
			return nil, err
		}
	}

	logger.Info("waiting for anchor to request payment")
	tx, err := c.WaitForStatus(ctx, record, cashout.AnchorStatusPendingUserTransferStart)
	if err != nil {
		return nil, c.failOn(ctx, record, err, errors.UNEXPECTED_STATUS)
	}

	req, err := c.paymentRequest(tx)
	if err != nil {
		return nil, c.fail(ctx, record, err)
	}

	logger.WithFields(log.F{"destination": req.Destination, "amount": req.Amount, "memo": req.Memo}).
		Info("submitting payment")
	result, err := c.payments.SubmitPayment(ctx, req)
	if err != nil {
		if !errors.HasCode(err, errors.LEDGER_SUBMISSION_FAILED) {
			err = errors.NewLedgerError(errors.LEDGER_SUBMISSION_FAILED, "payment submission failed", err).
				With("tx_id", record.ID)
		}
		return nil, c.fail(ctx, record, err)
	}

	// the payment has landed; record it even if the caller went away
	record, err = c.transition(context.WithoutCancel(ctx), record, cashout.StatePaymentSubmitted, &result.Hash)
	if err != nil {
		return nil, err
	}
	logger.WithFields(log.F{"hash": result.Hash, "ledger": result.Ledger}).Info("payment accepted by ledger")
	c.hooks.Trigger(HookPaymentSubmitted, record)
	return record, nil
}

func (c *Controller) confirm(ctx context.Context, record *cashout.Transaction, logger *log.Entry) (*Receipt, error) {
	var err error
	if record.State == cashout.StatePaymentSubmitted {
		if record, err = c.transition(ctx, record, cashout.StateAwaitingConfirmation, nil); err != nil {
			return nil, err
		}
	}

	logger.Info("waiting for anchor to confirm receipt")
	tx, err := c.WaitForStatus(ctx, record,
		cashout.AnchorStatusPendingUserTransferComplete,
		cashout.AnchorStatusCompleted,
	)
	if err != nil {
		return nil, c.failOn(ctx, record, err, errors.UNEXPECTED_STATUS)
	}

	if record, err = c.transition(ctx, record, cashout.StateCompleted, nil); err != nil {
		return nil, err
	}
	logger.WithField("reference", tx.ExternalTransactionID).Info("withdrawal completed")
	c.hooks.Trigger(HookWithdrawalCompleted, record)
	return receipt(tx, record), nil
}

// WaitForStatus polls the anchor until the record's transaction reaches one
// of targets. It waits PollInterval before every request. Statuses that are
// neither a target nor terminal cause no side effect.
//
// It fails with UNEXPECTED_STATUS on a terminal anchor status and with
// POLL_TIMEOUT once PollTimeout or MaxPollAttempts is exhausted. A cancelled
// ctx returns the context error.
func (c *Controller) WaitForStatus(ctx context.Context, record *cashout.Transaction, targets ...cashout.AnchorStatus) (*anchor.Transaction, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.config.PollTimeout)
	defer cancel()

	timer := time.NewTimer(c.config.PollInterval)
	defer timer.Stop()

	var last cashout.AnchorStatus
	for attempt := 1; attempt <= c.config.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, c.pollEnded(parent, record, last, attempt-1)
		case <-timer.C:
		}

		tx, err := c.client.FetchTransaction(ctx, record.Token, record.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, c.pollEnded(parent, record, last, attempt)
			}
			return nil, err
		}

		if tx.Status != last {
			c.logger.WithFields(log.F{"tx_id": record.ID, "status": tx.Status, "attempt": attempt}).
				Debug("anchor status changed")
			last = tx.Status
		}

		switch evaluateStatus(tx.Status, targets) {
		case pollReached:
			return tx, nil
		case pollUnexpected:
			return nil, errors.NewClientError(errors.UNEXPECTED_STATUS,
				fmt.Sprintf("anchor reported status %s while waiting for %v", tx.Status, targets), nil).
				With("tx_id", record.ID).
				With("status", string(tx.Status)).
				With("anchor_message", tx.Message)
		}

		timer.Reset(c.config.PollInterval)
	}

	return nil, pollTimeout(record, last, c.config.MaxPollAttempts)
}

func (c *Controller) pollEnded(parent context.Context, record *cashout.Transaction, last cashout.AnchorStatus, attempts int) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return pollTimeout(record, last, attempts)
}

func pollTimeout(record *cashout.Transaction, last cashout.AnchorStatus, attempts int) error {
	return errors.NewClientError(errors.POLL_TIMEOUT,
		fmt.Sprintf("gave up after %d status requests, last status %q", attempts, last), nil).
		With("tx_id", record.ID).
		With("status", string(last))
}

// paymentRequest extracts and checks the payment the anchor asked for.
func (c *Controller) paymentRequest(tx *anchor.Transaction) (cashout.PaymentRequest, error) {
	if tx.WithdrawAnchorAccount == "" {
		return cashout.PaymentRequest{}, errors.NewClientError(errors.PAYMENT_MISMATCH, "anchor did not provide withdraw_anchor_account", nil).
			With("tx_id", tx.ID)
	}

	if tx.WithdrawMemoType != "" && tx.WithdrawMemoType != "id" {
		return cashout.PaymentRequest{}, errors.NewClientError(errors.INVALID_MEMO,
			fmt.Sprintf("unsupported withdraw_memo_type %q", tx.WithdrawMemoType), nil).
			With("tx_id", tx.ID)
	}
	memo, err := strconv.ParseUint(tx.WithdrawMemo, 10, 64)
	if err != nil {
		return cashout.PaymentRequest{}, errors.NewClientError(errors.INVALID_MEMO,
			fmt.Sprintf("withdraw_memo %q is not an ID memo", tx.WithdrawMemo), err).
			With("tx_id", tx.ID)
	}

	amount, err := decimal.NewFromString(tx.AmountIn)
	if err != nil {
		return cashout.PaymentRequest{}, errors.NewClientError(errors.PAYMENT_MISMATCH,
			fmt.Sprintf("amount_in %q is not a decimal", tx.AmountIn), err).
			With("tx_id", tx.ID)
	}
	switch {
	case !amount.IsPositive():
		err = fmt.Errorf("amount_in %s is not positive", tx.AmountIn)
	case !amount.Equal(amount.Truncate(stellarAmountPlaces)):
		err = fmt.Errorf("amount_in %s has more than %d decimal places", tx.AmountIn, stellarAmountPlaces)
	case c.maxAmount != nil && amount.GreaterThan(*c.maxAmount):
		err = fmt.Errorf("amount_in %s exceeds the maximum of %s", tx.AmountIn, c.maxAmount.String())
	}
	if err != nil {
		return cashout.PaymentRequest{}, errors.NewClientError(errors.PAYMENT_MISMATCH, err.Error(), nil).
			With("tx_id", tx.ID)
	}

	return cashout.PaymentRequest{
		Destination: tx.WithdrawAnchorAccount,
		Amount:      tx.AmountIn,
		Memo:        memo,
	}, nil
}

func (c *Controller) transition(ctx context.Context, record *cashout.Transaction, to cashout.TransactionState, hash *string) (*cashout.Transaction, error) {
	if err := ValidateTransition(record.State, to); err != nil {
		return nil, err
	}
	return c.store.Update(ctx, record.ID, &cashout.TransactionUpdate{State: &to, PaymentHash: hash})
}

// failOn records the failure only when err carries code. Other errors leave
// the record resumable.
func (c *Controller) failOn(ctx context.Context, record *cashout.Transaction, err error, code errors.Code) error {
	if !errors.HasCode(err, code) {
		return err
	}
	return c.fail(ctx, record, err)
}

// fail moves the record to failed with err as its message and returns err.
func (c *Controller) fail(ctx context.Context, record *cashout.Transaction, err error) error {
	logger := c.logger.WithField("tx_id", record.ID)

	state := cashout.StateFailed
	if vErr := ValidateTransition(record.State, state); vErr != nil {
		logger.WithError(vErr).Warn("cannot record withdrawal failure")
		return err
	}
	message := err.Error()
	failed, uErr := c.store.Update(context.WithoutCancel(ctx), record.ID, &cashout.TransactionUpdate{State: &state, Message: &message})
	if uErr != nil {
		logger.WithError(uErr).Error("failed to record withdrawal failure")
		return err
	}

	logger.WithError(err).Warn("withdrawal failed")
	c.hooks.Trigger(HookWithdrawalFailed, failed)
	return err
}

func (c *Controller) acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Controller) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
}

func receipt(tx *anchor.Transaction, record *cashout.Transaction) *Receipt {
	return &Receipt{
		StatusPageURL:   tx.MoreInfoURL,
		ReferenceNumber: tx.ExternalTransactionID,
		PaymentHash:     record.PaymentHash,
	}
}
