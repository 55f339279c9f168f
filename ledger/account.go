package ledger

import (
	"fmt"
	"net/http"

	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
	hProtocol "github.com/stellar/go-stellar-sdk/protocols/horizon"

	"github.com/marwen-abid/anchor-cashout-go/errors"
)

// HorizonClient is the subset of horizonclient.ClientInterface used here.
// Both *horizonclient.Client and *horizonclient.MockClient satisfy it.
type HorizonClient interface {
	AccountDetail(request horizonclient.AccountRequest) (hProtocol.Account, error)
	SubmitTransactionXDR(transactionXdr string) (hProtocol.Transaction, error)
}

// NewHorizonClient returns a client for the Horizon server at horizonURL.
func NewHorizonClient(horizonURL string) *horizonclient.Client {
	return &horizonclient.Client{HorizonURL: horizonURL}
}

// loadSequence returns the current sequence number of accountID.
func loadSequence(client HorizonClient, accountID string) (int64, error) {
	account, err := client.AccountDetail(horizonclient.AccountRequest{
		AccountID: accountID,
	})
	if err != nil {
		if herr := horizonclient.GetError(err); herr != nil && herr.Problem.Status == http.StatusNotFound {
			return 0, errors.NewLedgerError(errors.ACCOUNT_NOT_FOUND, fmt.Sprintf("account %s does not exist", accountID), err).
				With("account", accountID)
		}
		return 0, errors.NewLedgerError(errors.LEDGER_SUBMISSION_FAILED, fmt.Sprintf("failed to fetch account %s", accountID), err).
			With("account", accountID)
	}

	seq, err := account.GetSequenceNumber()
	if err != nil {
		return 0, errors.NewLedgerError(errors.LEDGER_SUBMISSION_FAILED, "invalid account sequence number", err).
			With("account", accountID)
	}
	return seq, nil
}
