package anchor

import (
	cashout "github.com/marwen-abid/anchor-cashout-go"
)

// ChallengeResponse is returned by GET {auth}?account=&memo=.
type ChallengeResponse struct {
	Transaction       string `json:"transaction"`
	NetworkPassphrase string `json:"network_passphrase,omitempty"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// WithdrawRequest is the body of POST /sep24/transactions/withdraw/interactive.
type WithdrawRequest struct {
	AssetCode string `json:"asset_code"`
	Account   string `json:"account"`
	Lang      string `json:"lang,omitempty"`
	Amount    string `json:"amount,omitempty"`
}

// InteractiveResponse is the anchor's answer to a withdrawal initiation.
type InteractiveResponse struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	ID   string `json:"id"`
}

// Transaction is the SEP-24 transaction object returned by
// GET /sep24/transaction?id=. Only the fields the cash-out flow reads are
// decoded.
type Transaction struct {
	ID                    string               `json:"id"`
	Kind                  string               `json:"kind,omitempty"`
	Status                cashout.AnchorStatus `json:"status"`
	MoreInfoURL           string               `json:"more_info_url,omitempty"`
	AmountIn              string               `json:"amount_in,omitempty"`
	AmountOut             string               `json:"amount_out,omitempty"`
	AmountFee             string               `json:"amount_fee,omitempty"`
	WithdrawAnchorAccount string               `json:"withdraw_anchor_account,omitempty"`
	WithdrawMemo          string               `json:"withdraw_memo,omitempty"`
	WithdrawMemoType      string               `json:"withdraw_memo_type,omitempty"`
	ExternalTransactionID string               `json:"external_transaction_id,omitempty"`
	StellarTransactionID  string               `json:"stellar_transaction_id,omitempty"`
	Message               string               `json:"message,omitempty"`
}

type transactionEnvelope struct {
	Transaction *Transaction `json:"transaction"`
}

// errorEnvelope is the generic SEP error body.
type errorEnvelope struct {
	Error string `json:"error"`
}
