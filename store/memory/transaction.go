// Package memory provides an in-memory cashout.TransactionStore.
// Records live in a map guarded by a sync.RWMutex and are never evicted, so
// the store is suitable for a single process with a bounded number of
// withdrawals and for tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	cashout "github.com/marwen-abid/anchor-cashout-go"
	"github.com/marwen-abid/anchor-cashout-go/errors"
)

// TransactionStore keeps records keyed by anchor transaction id. Every read
// and write works on a copy, so a caller never shares a record with a
// concurrent drive.
type TransactionStore struct {
	transactions map[string]*cashout.Transaction
	mu           sync.RWMutex
	now          func() time.Time
}

// NewTransactionStore creates an empty store.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		transactions: make(map[string]*cashout.Transaction),
		now:          time.Now,
	}
}

// Save persists a new record. Fails with STORE_ERROR if the id exists.
func (s *TransactionStore) Save(ctx context.Context, tx *cashout.Transaction) error {
	if tx == nil || tx.ID == "" {
		return errors.NewStoreError(errors.STORE_ERROR, "transaction id is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[tx.ID]; exists {
		return errors.NewStoreError(errors.STORE_ERROR, fmt.Sprintf("transaction %s already exists", tx.ID), nil).
			With("tx_id", tx.ID)
	}

	s.transactions[tx.ID] = tx.Clone()
	return nil
}

// FindByID returns a copy of the record, or UNKNOWN_TRANSACTION.
func (s *TransactionStore) FindByID(ctx context.Context, id string) (*cashout.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, exists := s.transactions[id]
	if !exists {
		return nil, unknown(id)
	}

	return tx.Clone(), nil
}

// Update applies the non-nil fields of update under the write lock and
// returns the updated copy.
func (s *TransactionStore) Update(ctx context.Context, id string, update *cashout.TransactionUpdate) (*cashout.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, exists := s.transactions[id]
	if !exists {
		return nil, unknown(id)
	}

	updated := tx.Clone()
	if err := updated.Apply(update, s.now()); err != nil {
		return nil, err
	}
	s.transactions[id] = updated

	return updated.Clone(), nil
}

func unknown(id string) error {
	return errors.NewStoreError(errors.UNKNOWN_TRANSACTION, fmt.Sprintf("transaction %s not found", id), nil).
		With("tx_id", id)
}

// Verify that TransactionStore implements cashout.TransactionStore
var _ cashout.TransactionStore = (*TransactionStore)(nil)
