package withdraw_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/require"

	cashout "github.com/marwen-abid/anchor-cashout-go"
	"github.com/marwen-abid/anchor-cashout-go/anchor"
	"github.com/marwen-abid/anchor-cashout-go/auth"
	"github.com/marwen-abid/anchor-cashout-go/internal/anchortest"
	"github.com/marwen-abid/anchor-cashout-go/signers"
	"github.com/marwen-abid/anchor-cashout-go/store/memory"
	"github.com/marwen-abid/anchor-cashout-go/withdraw"
)

const userMemo = 42

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []cashout.PaymentRequest
	err      error
}

func (f *fakeSubmitter) SubmitPayment(_ context.Context, req cashout.PaymentRequest) (*cashout.PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &cashout.PaymentResult{Hash: "payment-hash", Ledger: 1234}, nil
}

func (f *fakeSubmitter) Requests() []cashout.PaymentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cashout.PaymentRequest(nil), f.requests...)
}

type harness struct {
	anchor       *anchortest.Anchor
	client       *anchor.Client
	store        *memory.TransactionStore
	payments     *fakeSubmitter
	hooks        *withdraw.HookRegistry
	authSigner   cashout.Signer
	funds        string
	orchestrator *withdraw.Orchestrator
	controller   *withdraw.Controller

	mu     sync.Mutex
	events []withdraw.HookEvent
}

func newHarness(t *testing.T, config withdraw.ControllerConfig) *harness {
	t.Helper()

	a := anchortest.New(t)
	client, err := anchor.NewClient(a.URL())
	require.NoError(t, err)
	manager, err := auth.NewManager(client, auth.Config{
		SigningKey:        a.SigningKey(),
		NetworkPassphrase: a.NetworkPassphrase(),
	})
	require.NoError(t, err)

	h := &harness{
		anchor:     a,
		client:     client,
		store:      memory.NewTransactionStore(),
		payments:   &fakeSubmitter{},
		hooks:      withdraw.NewHookRegistry(),
		authSigner: signers.FromKeypair(keypair.MustRandom()),
		funds:      keypair.MustRandom().Address(),
	}
	for _, event := range withdraw.HookEvents {
		event := event
		h.hooks.On(event, func(*cashout.Transaction) {
			h.mu.Lock()
			h.events = append(h.events, event)
			h.mu.Unlock()
		})
	}

	h.orchestrator, err = withdraw.NewOrchestrator(client, manager, h.store, withdraw.OrchestratorConfig{
		AuthSigner:   h.authSigner,
		Memo:         userMemo,
		AssetCode:    "USDC",
		FundsAccount: h.funds,
		Amount:       "10",
	}, withdraw.WithHooks(h.hooks))
	require.NoError(t, err)

	if config.PollInterval == 0 {
		config.PollInterval = time.Millisecond
	}
	if config.PollTimeout == 0 {
		config.PollTimeout = 5 * time.Second
	}
	if config.MaxPollAttempts == 0 {
		config.MaxPollAttempts = 50
	}
	h.controller, err = withdraw.NewController(client, h.store, h.payments, config, withdraw.WithHooks(h.hooks))
	require.NoError(t, err)
	return h
}

// open initiates a withdrawal and returns its id.
func (h *harness) open(t *testing.T) string {
	t.Helper()
	_, id, err := h.orchestrator.NewTransaction(context.Background())
	require.NoError(t, err)
	return id
}

func (h *harness) record(t *testing.T, id string) *cashout.Transaction {
	t.Helper()
	record, err := h.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return record
}

func (h *harness) Events() []withdraw.HookEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]withdraw.HookEvent(nil), h.events...)
}

func paymentRequested(destination, amount string) anchortest.Transaction {
	return anchortest.Transaction{
		Status:                "pending_user_transfer_start",
		AmountIn:              amount,
		WithdrawAnchorAccount: destination,
		WithdrawMemo:          "42",
		WithdrawMemoType:      "id",
	}
}

func receiptConfirmed() anchortest.Transaction {
	return anchortest.Transaction{
		Status:                "pending_user_transfer_complete",
		MoreInfoURL:           "https://anchor.example/tx",
		ExternalTransactionID: "REF-1",
	}
}
