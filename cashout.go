// Package cashout provides the client side of a custodial Stellar cash-out flow.
// It authenticates with a SEP-24 anchor via SEP-10, initiates interactive
// withdrawals, and drives each withdrawal to completion by paying the anchor
// on-chain with the memo the anchor asked for.
//
// The root package holds the contracts shared by every layer: signing
// identities, the local transaction record and its store, and the ledger
// payment submitter.
package cashout

import (
	"context"
	"time"

	"github.com/marwen-abid/anchor-cashout-go/errors"
)

// Signer is the minimal contract for proving identity and authorizing payments.
// Two signers exist per process: the auth identity presented to the anchor and
// the funds identity that owns the pooled asset.
type Signer interface {
	// PublicKey returns the Stellar address (G...) identifying this signer.
	PublicKey() string

	// SignTransaction signs a Stellar transaction envelope (base64 XDR).
	// The networkPassphrase is required for computing the correct transaction hash.
	// Returns the signed envelope as base64 XDR.
	SignTransaction(ctx context.Context, xdr string, networkPassphrase string) (string, error)
}

// TransactionStore is the persistence interface for local transaction records.
// Implementations must be safe for concurrent use and must return copies so
// that callers never share a record with a concurrent poll.
type TransactionStore interface {
	// Save persists a new transaction record. Fails if the id already exists.
	Save(ctx context.Context, tx *Transaction) error

	// FindByID retrieves a transaction by its anchor-assigned identifier.
	// Returns an UNKNOWN_TRANSACTION error when absent.
	FindByID(ctx context.Context, id string) (*Transaction, error)

	// Update atomically applies a partial update to an existing record and
	// returns the updated copy.
	Update(ctx context.Context, id string, update *TransactionUpdate) (*Transaction, error)
}

// Transaction is the local record binding an anchor transaction id to the
// bearer token it was created under and to the resulting on-chain payment.
type Transaction struct {
	ID             string           `json:"id"`
	Token          string           `json:"token"`
	TokenExpiresAt time.Time        `json:"token_expires_at,omitempty"`
	InteractiveURL string           `json:"interactive_url"`
	PaymentHash    string           `json:"payment_hash,omitempty"`
	State          TransactionState `json:"state"`
	AssetCode      string           `json:"asset_code"`
	Amount         string           `json:"amount"` // Requested amount
	Message        string           `json:"message,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Clone returns a copy of the record.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// TransactionUpdate contains the mutable fields for a transaction update.
// Only non-nil fields are applied.
type TransactionUpdate struct {
	State       *TransactionState
	PaymentHash *string
	Message     *string
}

// Apply applies the update to t in place. PaymentHash may be set only once.
func (t *Transaction) Apply(update *TransactionUpdate, now time.Time) error {
	if update == nil {
		return nil
	}
	if update.PaymentHash != nil {
		if t.PaymentHash != "" && t.PaymentHash != *update.PaymentHash {
			return errors.NewStoreError(errors.STORE_ERROR, "payment hash already recorded", nil).
				With("tx_id", t.ID)
		}
		t.PaymentHash = *update.PaymentHash
	}
	if update.State != nil {
		t.State = *update.State
	}
	if update.Message != nil {
		t.Message = *update.Message
	}
	t.UpdatedAt = now
	return nil
}

// TransactionState is the local lifecycle state of a withdrawal.
type TransactionState string

const (
	// StateInitiated is set when the anchor accepted the withdrawal request.
	StateInitiated TransactionState = "initiated"

	// StateAwaitingPayment means the client is polling for pending_user_transfer_start.
	StateAwaitingPayment TransactionState = "awaiting_payment"

	// StatePaymentSubmitted means the ledger accepted the payment.
	StatePaymentSubmitted TransactionState = "payment_submitted"

	// StateAwaitingConfirmation means the client is polling for the anchor to
	// acknowledge receipt.
	StateAwaitingConfirmation TransactionState = "awaiting_confirmation"

	// StateCompleted is terminal: the anchor confirmed receipt of funds.
	StateCompleted TransactionState = "completed"

	// StateFailed is terminal: the anchor reported an error status or the
	// payment could not be made.
	StateFailed TransactionState = "failed"
)

// AnchorStatus is the SEP-24 transaction status reported by the anchor.
type AnchorStatus string

const (
	AnchorStatusIncomplete                  AnchorStatus = "incomplete"
	AnchorStatusPendingUserTransferStart    AnchorStatus = "pending_user_transfer_start"
	AnchorStatusPendingUserTransferComplete AnchorStatus = "pending_user_transfer_complete"
	AnchorStatusPendingExternal             AnchorStatus = "pending_external"
	AnchorStatusPendingAnchor               AnchorStatus = "pending_anchor"
	AnchorStatusPendingStellar              AnchorStatus = "pending_stellar"
	AnchorStatusPendingTrust                AnchorStatus = "pending_trust"
	AnchorStatusPendingUser                 AnchorStatus = "pending_user"
	AnchorStatusCompleted                   AnchorStatus = "completed"
	AnchorStatusRefunded                    AnchorStatus = "refunded"
	AnchorStatusExpired                     AnchorStatus = "expired"
	AnchorStatusError                       AnchorStatus = "error"
	AnchorStatusNoMarket                    AnchorStatus = "no_market"
	AnchorStatusTooSmall                    AnchorStatus = "too_small"
	AnchorStatusTooLarge                    AnchorStatus = "too_large"
)

// IsFailure reports whether the status ends the transaction unsuccessfully.
func (s AnchorStatus) IsFailure() bool {
	switch s {
	case AnchorStatusRefunded,
		AnchorStatusExpired,
		AnchorStatusError,
		AnchorStatusNoMarket,
		AnchorStatusTooSmall,
		AnchorStatusTooLarge:
		return true
	default:
		return false
	}
}

// PaymentRequest describes the on-chain payment the anchor asked for.
// Memo is mandatory: the anchor reconciles the payment by it.
type PaymentRequest struct {
	Destination string
	Amount      string
	Memo        uint64
}

// PaymentResult is returned once the ledger accepted a payment.
type PaymentResult struct {
	Hash   string
	Ledger int32
}

// PaymentSubmitter builds, signs and submits a Stellar payment carrying an
// ID memo, funded and signed by the funds identity.
type PaymentSubmitter interface {
	SubmitPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
}
