package withdraw_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cashout "github.com/marwen-abid/anchor-cashout-go"
	"github.com/marwen-abid/anchor-cashout-go/errors"
	"github.com/marwen-abid/anchor-cashout-go/internal/anchortest"
	"github.com/marwen-abid/anchor-cashout-go/withdraw"
)

func TestDrivePaymentPaysWithAnchorMemo(t *testing.T) {
	h := newHarness(t, withdraw.ControllerConfig{})
	id := h.open(t)
	destination := keypair.MustRandom().Address()
	h.anchor.QueueStatus(id, paymentRequested(destination, "10.0000000"), receiptConfirmed())

	receipt, err := h.controller.DrivePayment(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, &withdraw.Receipt{
		StatusPageURL:   "https://anchor.example/tx",
		ReferenceNumber: "REF-1",
		PaymentHash:     "payment-hash",
	}, receipt)
	assert.Equal(t, []cashout.PaymentRequest{{Destination: destination, Amount: "10.0000000", Memo: 42}}, h.payments.Requests())

	// incomplete, pending_user_transfer_start, pending_user_transfer_complete
	assert.Equal(t, 3, h.anchor.Calls(anchortest.GetStatus))

	record := h.record(t, id)
	assert.Equal(t, cashout.StateCompleted, record.State)
	assert.Equal(t, "payment-hash", record.PaymentHash)
	assert.Equal(t, []withdraw.HookEvent{
		withdraw.HookWithdrawalInitiated,
		withdraw.HookPaymentSubmitted,
		withdraw.HookWithdrawalCompleted,
	}, h.Events())
}

func TestDrivePaymentAcceptsCompletedAsConfirmation(t *testing.T) {
	h := newHarness(t, withdraw.ControllerConfig{})
	id := h.open(t)
	h.anchor.QueueStatus(id,
		paymentRequested(keypair.MustRandom().Address(), "5"),
		anchortest.Transaction{Status: "completed", ExternalTransactionID: "REF-2"},
	)

	receipt, err := h.controller.DrivePayment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "REF-2", receipt.ReferenceNumber)
	assert.Equal(t, cashout.StateCompleted, h.record(t, id).State)
}

func TestDrivePaymentUnknownIDMakesNoAnchorCall(t *testing.T) {
	h := newHarness(t, withdraw.ControllerConfig{})

	_, err := h.controller.DrivePayment(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.UNKNOWN_TRANSACTION))
	assert.Zero(t, h.anchor.TotalCalls())
	assert.Empty(t, h.payments.Requests())
}

func TestDrivePaymentWaitsForPaymentRequest(t *testing.T) {
	h := newHarness(t, withdraw.ControllerConfig{MaxPollAttempts: 4})
	id := h.open(t)
	h.anchor.QueueStatus(id, anchortest.Transaction{Status: "pending_anchor"})

	_, err := h.controller.DrivePayment(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.POLL_TIMEOUT))
	assert.Equal(t, 4, h.anchor.Calls(anchortest.GetStatus))
	assert.Empty(t, h.payments.Requests())

	// a timed out drive can be resumed
	record := h.record(t, id)
	assert.Equal(t, cashout.StateAwaitingPayment, record.State)

	h.anchor.QueueStatus(id, paymentRequested(keypair.MustRandom().Address(), "10"), receiptConfirmed())
	_, err = h.controller.DrivePayment(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, h.payments.Requests(), 1)
}

func TestDrivePaymentPollTimeout(t *testing.T) {
	h := newHarness(t, withdraw.ControllerConfig{PollInterval: 20 * time.Millisecond, PollTimeout: 50 * time.Millisecond, MaxPollAttempts: 1000})
	id := h.open(t)

	_, err := h.controller.DrivePayment(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.POLL_TIMEOUT))
	assert.Empty(t, h.payments.Requests())
}

func TestDrivePaymentUnexpectedStatusFailsRecord(t *testing.T) {
	h := newHarness(t, withdraw.ControllerConfig{})
	id := h.open(t)
	h.anchor.QueueStatus(id, anchortest.Transaction{Status: "error", Message: "kyc rejected"})

	_, err := h.controller.DrivePayment(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.UNEXPECTED_STATUS))

	var ce *errors.CashoutError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "error", ce.Context["status"])
	assert.Equal(t, "kyc rejected", ce.Context["anchor_message"])

	record := h.record(t, id)
	assert.Equal(t, cashout.StateFailed, record.State)
	assert.NotEmpty(t, record.Message)
	assert.Contains(t, h.Events(), withdraw.HookWithdrawalFailed)
	assert.Empty(t, h.payments.Requests())

	// failed is terminal
	_, err = h.controller.DrivePayment(context.Background(), id)
	assert.True(t, errors.HasCode(err, errors.TRANSITION_INVALID))
}

func TestDrivePaymentLedgerFailureFailsRecord(t *testing.T) {
	h := newHarness(t, withdraw.ControllerConfig{})
	h.payments.err = stderrors.New("tx_insufficient_balance")
	id := h.open(t)
	h.anchor.QueueStatus(id, paymentRequested(keypair.MustRandom().Address(), "10"))

	_, err := h.controller.DrivePayment(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.LEDGER_SUBMISSION_FAILED))

	record := h.record(t, id)
	assert.Equal(t, cashout.StateFailed, record.State)
	assert.Empty(t, record.PaymentHash)
}

func TestDrivePaymentResumesWithoutPayingTwice(t *testing.T) {
	h := newHarness(t, withdraw.ControllerConfig{})
	for _, state := range []cashout.TransactionState{cashout.StatePaymentSubmitted, cashout.StateAwaitingConfirmation} {
		t.Run(string(state), func(t *testing.T) {
			id := "resume-" + string(state)
			require.NoError(t, h.store.Save(context.Background(), &cashout.Transaction{
				ID:          id,
				Token:       h.anchor.IssueToken(h.authSigner.PublicKey(), "42"),
				State:       state,
				PaymentHash: "earlier-hash",
			}))
			h.anchor.QueueStatus(id, receiptConfirmed())

			receipt, err := h.controller.DrivePayment(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, "earlier-hash", receipt.PaymentHash)
			assert.Equal(t, cashout.StateCompleted, h.record(t, id).State)
		})
	}
	assert.Empty(t, h.payments.Requests())
}

func TestDrivePaymentCompletedReturnsReceipt(t *testing.T) {
	h := newHarness(t, withdraw.ControllerConfig{})
	id := h.open(t)
	h.anchor.QueueStatus(id, paymentRequested(keypair.MustRandom().Address(), "10"), receiptConfirmed())

	_, err := h.controller.DrivePayment(context.Background(), id)
	require.NoError(t, err)
	calls := h.anchor.Calls(anchortest.GetStatus)

	receipt, err := h.controller.DrivePayment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "REF-1", receipt.ReferenceNumber)
	assert.Equal(t, calls+1, h.anchor.Calls(anchortest.GetStatus))
	assert.Len(t, h.payments.Requests(), 1)
}

func TestDrivePaymentRejectsConcurrentDrive(t *testing.T) {
	h := newHarness(t, withdraw.ControllerConfig{MaxPollAttempts: 100000, PollTimeout: time.Minute})
	id := h.open(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.controller.DrivePayment(ctx, id)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return h.anchor.Calls(anchortest.GetStatus) > 0
	}, 5*time.Second, time.Millisecond)

	_, err := h.controller.DrivePayment(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.TRANSFER_IN_PROGRESS))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("drive did not stop on cancellation")
	}
	assert.Equal(t, cashout.StateAwaitingPayment, h.record(t, id).State)
}

func TestDrivePaymentChecksRequestedPayment(t *testing.T) {
	destination := keypair.MustRandom().Address()
	cases := []struct {
		name string
		tx   anchortest.Transaction
		code errors.Code
	}{
		{"text memo", anchortest.Transaction{Status: "pending_user_transfer_start", AmountIn: "10", WithdrawAnchorAccount: destination, WithdrawMemo: "hello", WithdrawMemoType: "text"}, errors.INVALID_MEMO},
		{"non numeric memo", anchortest.Transaction{Status: "pending_user_transfer_start", AmountIn: "10", WithdrawAnchorAccount: destination, WithdrawMemo: "abc", WithdrawMemoType: "id"}, errors.INVALID_MEMO},
		{"missing memo", anchortest.Transaction{Status: "pending_user_transfer_start", AmountIn: "10", WithdrawAnchorAccount: destination}, errors.INVALID_MEMO},
		{"missing account", anchortest.Transaction{Status: "pending_user_transfer_start", AmountIn: "10", WithdrawMemo: "42", WithdrawMemoType: "id"}, errors.PAYMENT_MISMATCH},
		{"too precise", paymentRequested(destination, "10.12345678"), errors.PAYMENT_MISMATCH},
		{"above maximum", paymentRequested(destination, "100.5"), errors.PAYMENT_MISMATCH},
		{"not positive", paymentRequested(destination, "0"), errors.PAYMENT_MISMATCH},
		{"not a number", paymentRequested(destination, "ten"), errors.PAYMENT_MISMATCH},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, withdraw.ControllerConfig{MaxAmount: "100"})
			id := h.open(t)
			h.anchor.QueueStatus(id, tc.tx)

			_, err := h.controller.DrivePayment(context.Background(), id)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tc.code), err.Error())
			assert.Empty(t, h.payments.Requests())
			assert.Equal(t, cashout.StateFailed, h.record(t, id).State)
		})
	}
}

func TestDrivePaymentAcceptsSevenDecimalPlaces(t *testing.T) {
	h := newHarness(t, withdraw.ControllerConfig{MaxAmount: "100"})
	id := h.open(t)
	h.anchor.QueueStatus(id, paymentRequested(keypair.MustRandom().Address(), "99.1234567"), receiptConfirmed())

	_, err := h.controller.DrivePayment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "99.1234567", h.payments.Requests()[0].Amount)
}

func TestNewControllerValidatesConfig(t *testing.T) {
	h := newHarness(t, withdraw.ControllerConfig{})

	_, err := withdraw.NewController(nil, h.store, h.payments, withdraw.ControllerConfig{})
	assert.True(t, errors.HasCode(err, errors.CONFIG_INVALID))

	_, err = withdraw.NewController(h.client, h.store, h.payments, withdraw.ControllerConfig{MaxAmount: "-1"})
	assert.True(t, errors.HasCode(err, errors.CONFIG_INVALID))
}

// strictStore refuses updates on a finished context, as network-backed
// stores do.
type strictStore struct {
	cashout.TransactionStore
}

func (s strictStore) Update(ctx context.Context, id string, update *cashout.TransactionUpdate) (*cashout.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewStoreError(errors.STORE_ERROR, "update aborted", err)
	}
	return s.TransactionStore.Update(ctx, id, update)
}

// disconnectingSubmitter lands the payment while the caller goes away.
type disconnectingSubmitter struct {
	*fakeSubmitter
	cancel context.CancelFunc
}

func (s disconnectingSubmitter) SubmitPayment(ctx context.Context, req cashout.PaymentRequest) (*cashout.PaymentResult, error) {
	s.cancel()
	return s.fakeSubmitter.SubmitPayment(ctx, req)
}

func TestDrivePaymentRecordsHashAfterCallerCancels(t *testing.T) {
	h := newHarness(t, withdraw.ControllerConfig{})
	id := h.open(t)
	h.anchor.QueueStatus(id, paymentRequested(keypair.MustRandom().Address(), "10"), receiptConfirmed())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	controller, err := withdraw.NewController(h.client, strictStore{h.store}, disconnectingSubmitter{h.payments, cancel},
		withdraw.ControllerConfig{PollInterval: time.Millisecond, PollTimeout: 5 * time.Second, MaxPollAttempts: 50})
	require.NoError(t, err)

	_, err = controller.DrivePayment(ctx, id)
	require.Error(t, err)

	record := h.record(t, id)
	assert.Equal(t, cashout.StatePaymentSubmitted, record.State)
	assert.Equal(t, "payment-hash", record.PaymentHash)

	receipt, err := controller.DrivePayment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "payment-hash", receipt.PaymentHash)
	assert.Len(t, h.payments.Requests(), 1)
}

// gatedStore holds the first FindByID until released.
type gatedStore struct {
	cashout.TransactionStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) FindByID(ctx context.Context, id string) (*cashout.Transaction, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.TransactionStore.FindByID(ctx, id)
}

func TestDrivePaymentReadsRecordUnderLock(t *testing.T) {
	h := newHarness(t, withdraw.ControllerConfig{})
	id := h.open(t)
	h.anchor.QueueStatus(id, paymentRequested(keypair.MustRandom().Address(), "10"), receiptConfirmed())

	store := &gatedStore{TransactionStore: h.store, entered: make(chan struct{}), release: make(chan struct{})}
	controller, err := withdraw.NewController(h.client, store, h.payments,
		withdraw.ControllerConfig{PollInterval: time.Millisecond, PollTimeout: 5 * time.Second, MaxPollAttempts: 50})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := controller.DrivePayment(context.Background(), id)
		done <- err
	}()
	<-store.entered

	_, err = controller.DrivePayment(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.TRANSFER_IN_PROGRESS))

	close(store.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("drive did not finish")
	}
	assert.Equal(t, cashout.StateCompleted, h.record(t, id).State)
	assert.Len(t, h.payments.Requests(), 1)
}
