// Package redis provides a cashout.TransactionStore backed by Redis, for
// deployments where several processes serve the same withdrawals.
//
// Each record is stored as a JSON value under {prefix}{id}. Updates use
// WATCH/MULTI so that concurrent writers of one id never interleave a
// read-modify-write.
package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	cashout "github.com/marwen-abid/anchor-cashout-go"
	"github.com/marwen-abid/anchor-cashout-go/errors"
)

const (
	defaultPrefix     = "cashout:tx:"
	maxUpdateAttempts = 10
)

// TransactionStore is a Redis implementation of cashout.TransactionStore.
type TransactionStore struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a TransactionStore.
type Option func(*TransactionStore)

// WithPrefix sets the key prefix (default: "cashout:tx:").
func WithPrefix(prefix string) Option {
	return func(s *TransactionStore) {
		s.prefix = prefix
	}
}

// WithTTL expires records ttl after they are saved. Updates keep the
// remaining TTL. Zero (the default) keeps records forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *TransactionStore) {
		s.ttl = ttl
	}
}

func NewTransactionStore(client goredis.UniversalClient, opts ...Option) *TransactionStore {
	s := &TransactionStore{
		client: client,
		prefix: defaultPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists a new record with SETNX. Fails with STORE_ERROR if the id exists.
func (s *TransactionStore) Save(ctx context.Context, tx *cashout.Transaction) error {
	if tx == nil || tx.ID == "" {
		return errors.NewStoreError(errors.STORE_ERROR, "transaction id is required", nil)
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return errors.NewStoreError(errors.STORE_ERROR, "failed to encode transaction", err)
	}

	created, err := s.client.SetNX(ctx, s.key(tx.ID), data, s.ttl).Result()
	if err != nil {
		return errors.NewStoreError(errors.STORE_ERROR, "failed to save transaction", err).With("tx_id", tx.ID)
	}
	if !created {
		return errors.NewStoreError(errors.STORE_ERROR, fmt.Sprintf("transaction %s already exists", tx.ID), nil).
			With("tx_id", tx.ID)
	}
	return nil
}

// FindByID loads the record, or fails with UNKNOWN_TRANSACTION.
func (s *TransactionStore) FindByID(ctx context.Context, id string) (*cashout.Transaction, error) {
	return s.load(ctx, s.client, id)
}

// Update applies update inside a WATCH transaction, retrying when another
// writer modified the record concurrently.
func (s *TransactionStore) Update(ctx context.Context, id string, update *cashout.TransactionUpdate) (*cashout.Transaction, error) {
	key := s.key(id)
	var updated *cashout.Transaction

	apply := func(rtx *goredis.Tx) error {
		tx, err := s.load(ctx, rtx, id)
		if err != nil {
			return err
		}
		if err := tx.Apply(update, s.now()); err != nil {
			return err
		}
		data, err := json.Marshal(tx)
		if err != nil {
			return errors.NewStoreError(errors.STORE_ERROR, "failed to encode transaction", err)
		}

		_, err = rtx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, goredis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		updated = tx
		return nil
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, apply, key)
		if err == nil {
			return updated, nil
		}
		if stderrors.Is(err, goredis.TxFailedErr) {
			continue
		}
		var ce *errors.CashoutError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, errors.NewStoreError(errors.STORE_ERROR, "failed to update transaction", err).With("tx_id", id)
	}

	return nil, errors.NewStoreError(errors.STORE_ERROR, fmt.Sprintf("transaction %s is contended", id), nil).
		With("tx_id", id)
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func (s *TransactionStore) load(ctx context.Context, client getter, id string) (*cashout.Transaction, error) {
	data, err := client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, errors.NewStoreError(errors.UNKNOWN_TRANSACTION, fmt.Sprintf("transaction %s not found", id), nil).
				With("tx_id", id)
		}
		return nil, errors.NewStoreError(errors.STORE_ERROR, "failed to load transaction", err).With("tx_id", id)
	}

	var tx cashout.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, errors.NewStoreError(errors.STORE_ERROR, "failed to decode transaction", err).With("tx_id", id)
	}
	return &tx, nil
}

func (s *TransactionStore) key(id string) string {
	return s.prefix + id
}

// Verify that TransactionStore implements cashout.TransactionStore
var _ cashout.TransactionStore = (*TransactionStore)(nil)
