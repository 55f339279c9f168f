package withdraw

import (
	"sync"

	cashout "github.com/marwen-abid/anchor-cashout-go"
)

// HookEvent represents a named lifecycle event of a withdrawal.
type HookEvent string

const (
	HookWithdrawalInitiated HookEvent = "withdrawal:initiated"
	HookPaymentSubmitted    HookEvent = "withdrawal:payment_submitted"
	HookWithdrawalCompleted HookEvent = "withdrawal:completed"
	HookWithdrawalFailed    HookEvent = "withdrawal:failed"
)

// HookEvents lists every event the orchestrator and controller trigger.
var HookEvents = []HookEvent{
	HookWithdrawalInitiated,
	HookPaymentSubmitted,
	HookWithdrawalCompleted,
	HookWithdrawalFailed,
}

// HookHandler receives a copy of the record an event was triggered for.
type HookHandler func(*cashout.Transaction)

// HookRegistry manages lifecycle event handlers.
//
// Handlers are stored per event and execute sequentially in registration
// order. Each handler receives its own copy of the record. The registry is
// safe for concurrent registration and triggering.
type HookRegistry struct {
	handlers map[HookEvent][]HookHandler
	mu       sync.RWMutex
}

// NewHookRegistry returns an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{
		handlers: make(map[HookEvent][]HookHandler),
	}
}

// On registers a handler for event. Handlers should not block: they run on
// the goroutine driving the withdrawal.
func (r *HookRegistry) On(event HookEvent, handler HookHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[event] = append(r.handlers[event], handler)
}

// Trigger executes all handlers registered for event. A handler may register
// further handlers without deadlocking.
func (r *HookRegistry) Trigger(event HookEvent, tx *cashout.Transaction) {
	r.mu.RLock()
	handlers := append([]HookHandler{}, r.handlers[event]...)
	r.mu.RUnlock()

	for _, handler := range handlers {
		handler(tx.Clone())
	}
}
