// Package events forwards withdrawal lifecycle hooks to a watermill
// publisher, so that other services can follow cash-outs without polling the
// backend.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stellar/go/support/log"

	cashout "github.com/marwen-abid/anchor-cashout-go"
	"github.com/marwen-abid/anchor-cashout-go/errors"
	"github.com/marwen-abid/anchor-cashout-go/withdraw"
)

// DefaultTopic is the topic lifecycle events are published on.
const DefaultTopic = "cashout.withdrawals"

// LifecycleEvent is the JSON payload of a published message. The bearer
// token of the record is never included.
type LifecycleEvent struct {
	Event       string    `json:"event"`
	TxID        string    `json:"tx_id"`
	State       string    `json:"state"`
	AssetCode   string    `json:"asset_code,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	PaymentHash string    `json:"payment_hash,omitempty"`
	Message     string    `json:"message,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// WatermillForwarder publishes lifecycle events.
type WatermillForwarder struct {
	publisher message.Publisher
	topic     string
	logger    *log.Entry
	now       func() time.Time
}

// Option configures a WatermillForwarder.
type Option func(*WatermillForwarder)

// WithTopic overrides DefaultTopic.
func WithTopic(topic string) Option {
	return func(f *WatermillForwarder) {
		f.topic = topic
	}
}

// WithLogger sets the logger used to report publish failures.
func WithLogger(logger *log.Entry) Option {
	return func(f *WatermillForwarder) {
		f.logger = logger
	}
}

func NewWatermillForwarder(publisher message.Publisher, opts ...Option) *WatermillForwarder {
	f := &WatermillForwarder{
		publisher: publisher,
		topic:     DefaultTopic,
		logger:    log.DefaultLogger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register subscribes the forwarder to every withdrawal hook. Publish
// failures are logged and never interrupt the withdrawal.
func (f *WatermillForwarder) Register(hooks *withdraw.HookRegistry) {
	for _, event := range withdraw.HookEvents {
		event := event
		hooks.On(event, func(tx *cashout.Transaction) {
			if err := f.Publish(event, tx); err != nil {
				f.logger.WithError(err).WithField("tx_id", tx.ID).Error("failed to publish lifecycle event")
			}
		})
	}
}

// Publish sends one lifecycle event for tx.
func (f *WatermillForwarder) Publish(event withdraw.HookEvent, tx *cashout.Transaction) error {
	payload, err := json.Marshal(LifecycleEvent{
		Event:       string(event),
		TxID:        tx.ID,
		State:       string(tx.State),
		AssetCode:   tx.AssetCode,
		Amount:      tx.Amount,
		PaymentHash: tx.PaymentHash,
		Message:     tx.Message,
		OccurredAt:  f.now().UTC(),
	})
	if err != nil {
		return errors.NewCoreError(errors.EVENT_PUBLISH_FAILED, "failed to marshal event", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("event", string(event))
	msg.Metadata.Set("tx_id", tx.ID)

	if err := f.publisher.Publish(f.topic, msg); err != nil {
		return errors.NewCoreError(errors.EVENT_PUBLISH_FAILED, fmt.Sprintf("failed to publish %s", event), err).
			With("tx_id", tx.ID)
	}
	return nil
}
