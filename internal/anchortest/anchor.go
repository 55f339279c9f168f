// Package anchortest runs an in-process SEP-10/SEP-24 anchor for tests.
//
// The anchor issues real SEP-10 challenges, verifies the signed response, and
// answers SEP-24 status requests from a per-transaction queue of scripted
// states. Every request is counted so tests can assert that a call was or was
// not made.
package anchortest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"

	"github.com/marwen-abid/anchor-cashout-go/core/toml"
)

// Endpoint names accepted by Calls.
const (
	GetChallenge  = "GET /auth"
	PostChallenge = "POST /auth"
	Withdraw      = "POST /sep24/transactions/withdraw/interactive"
	GetStatus     = "GET /sep24/transaction"
)

// Transaction is the SEP-24 transaction object served by the status endpoint.
type Transaction struct {
	ID                    string `json:"id"`
	Kind                  string `json:"kind,omitempty"`
	Status                string `json:"status"`
	MoreInfoURL           string `json:"more_info_url,omitempty"`
	AmountIn              string `json:"amount_in,omitempty"`
	WithdrawAnchorAccount string `json:"withdraw_anchor_account,omitempty"`
	WithdrawMemo          string `json:"withdraw_memo,omitempty"`
	WithdrawMemoType      string `json:"withdraw_memo_type,omitempty"`
	ExternalTransactionID string `json:"external_transaction_id,omitempty"`
	Message               string `json:"message,omitempty"`
}

// WithdrawBody is a recorded withdrawal initiation request.
type WithdrawBody struct {
	AssetCode string `json:"asset_code"`
	Account   string `json:"account"`
	Lang      string `json:"lang"`
	Amount    string `json:"amount"`
	Subject   string `json:"-"`
	Memo      string `json:"-"`
}

// Anchor is a fake anchor backed by an httptest.Server.
type Anchor struct {
	server       *httptest.Server
	signing      *keypair.Full
	challengeKey *keypair.Full
	passphrase   string
	jwtSecret    []byte
	domain       string
	rejectAuth   bool
	interactive  string

	mu          sync.Mutex
	calls       map[string]int
	statuses    map[string][]Transaction
	withdrawals []WithdrawBody
	tokens      []string
}

// Option configures an Anchor.
type Option func(*Anchor)

// WithChallengeKey signs challenges with kp instead of the advertised
// signing key.
func WithChallengeKey(kp *keypair.Full) Option {
	return func(a *Anchor) {
		a.challengeKey = kp
	}
}

// WithChallengeDomain scopes challenges to domain instead of the anchor host.
func WithChallengeDomain(domain string) Option {
	return func(a *Anchor) {
		a.domain = domain
	}
}

// WithRejectedAuth makes POST /auth answer 400 for every submission.
func WithRejectedAuth() Option {
	return func(a *Anchor) {
		a.rejectAuth = true
	}
}

// WithInteractiveURL sets the URL returned by withdrawal initiation. The
// transaction id is appended as a query parameter.
func WithInteractiveURL(u string) Option {
	return func(a *Anchor) {
		a.interactive = u
	}
}

// New starts an anchor on the testnet passphrase. It is closed on test cleanup.
func New(t testing.TB, opts ...Option) *Anchor {
	t.Helper()

	signing := keypair.MustRandom()
	a := &Anchor{
		signing:      signing,
		challengeKey: signing,
		passphrase:   network.TestNetworkPassphrase,
		jwtSecret:    []byte("anchortest-" + uuid.NewString()),
		calls:        make(map[string]int),
		statuses:     make(map[string][]Transaction),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.server = httptest.NewServer(a.routes())
	t.Cleanup(a.server.Close)
	if a.interactive == "" {
		a.interactive = a.server.URL + "/interactive?lang=en"
	}
	return a
}

func (a *Anchor) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/stellar.toml", func(w http.ResponseWriter, r *http.Request) {
		toml.NewPublisher(a.Info()).Handler()(w, r)
	})
	mux.HandleFunc(GetChallenge, a.count(GetChallenge, a.handleGetChallenge))
	mux.HandleFunc(PostChallenge, a.count(PostChallenge, a.handlePostChallenge))
	mux.HandleFunc(Withdraw, a.count(Withdraw, a.requireAuth(a.handleWithdraw)))
	mux.HandleFunc(GetStatus, a.count(GetStatus, a.requireAuth(a.handleGetTransaction)))
	return mux
}

// URL returns the anchor base URL.
func (a *Anchor) URL() string {
	return a.server.URL
}

// Host returns host:port of the anchor.
func (a *Anchor) Host() string {
	return strings.TrimPrefix(a.server.URL, "http://")
}

// SigningKey returns the advertised SEP-10 signing key.
func (a *Anchor) SigningKey() string {
	return a.signing.Address()
}

// NetworkPassphrase returns the passphrase challenges are built for.
func (a *Anchor) NetworkPassphrase() string {
	return a.passphrase
}

// Info returns the stellar.toml document the anchor publishes.
func (a *Anchor) Info() *toml.AnchorInfo {
	return &toml.AnchorInfo{
		NetworkPassphrase:   a.passphrase,
		SigningKey:          a.signing.Address(),
		WebAuthEndpoint:     a.server.URL + "/auth",
		TransferServerSep24: a.server.URL + "/sep24",
	}
}

// QueueStatus appends states served for id, one per status request. The last
// queued state is repeated once the queue is drained.
func (a *Anchor) QueueStatus(id string, txs ...Transaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range txs {
		if txs[i].ID == "" {
			txs[i].ID = id
		}
		if txs[i].Kind == "" {
			txs[i].Kind = "withdrawal"
		}
	}
	a.statuses[id] = append(a.statuses[id], txs...)
}

// Calls returns how many times endpoint was requested.
func (a *Anchor) Calls(endpoint string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[endpoint]
}

// TotalCalls returns the number of requests across all endpoints.
func (a *Anchor) TotalCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, n := range a.calls {
		total += n
	}
	return total
}

// Withdrawals returns the recorded withdrawal initiation requests.
func (a *Anchor) Withdrawals() []WithdrawBody {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]WithdrawBody(nil), a.withdrawals...)
}

// Tokens returns every token issued by POST /auth, in order.
func (a *Anchor) Tokens() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.tokens...)
}

func (a *Anchor) homeDomain() string {
	if a.domain != "" {
		return a.domain
	}
	return a.Host()
}

func (a *Anchor) webAuthDomain() string {
	return a.homeDomain()
}

func (a *Anchor) count(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.calls[endpoint]++
		a.mu.Unlock()
		next(w, r)
	}
}

func (a *Anchor) requireAuth(next func(http.ResponseWriter, *http.Request, *Claims)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.verifyBearer(r.Header.Get("Authorization"))
		if err != nil {
			writeJSONError(w, "invalid token", http.StatusForbidden)
			return
		}
		next(w, r, claims)
	}
}

func (a *Anchor) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		writeJSONError(w, "missing account parameter", http.StatusBadRequest)
		return
	}

	challenge, err := a.createChallenge(account, r.URL.Query().Get("memo"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"transaction":        challenge,
		"network_passphrase": a.passphrase,
	})
}

func (a *Anchor) handlePostChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Transaction string `json:"transaction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Transaction == "" {
		writeJSONError(w, "missing transaction", http.StatusBadRequest)
		return
	}
	if a.rejectAuth {
		writeJSONError(w, "challenge verification failed", http.StatusBadRequest)
		return
	}

	token, err := a.verifyChallenge(req.Transaction)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	a.tokens = append(a.tokens, token)
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *Anchor) handleWithdraw(w http.ResponseWriter, r *http.Request, claims *Claims) {
	var body WithdrawBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if body.AssetCode == "" || body.Account == "" {
		writeJSONError(w, "asset_code and account are required", http.StatusBadRequest)
		return
	}
	body.Subject = claims.Subject
	body.Memo = claims.Memo

	id := uuid.NewString()
	a.mu.Lock()
	a.withdrawals = append(a.withdrawals, body)
	if _, ok := a.statuses[id]; !ok {
		a.statuses[id] = []Transaction{{ID: id, Kind: "withdrawal", Status: "incomplete"}}
	}
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"type": "interactive_customer_info_needed",
		"url":  fmt.Sprintf("%s&transaction_id=%s", a.interactive, id),
		"id":   id,
	})
}

func (a *Anchor) handleGetTransaction(w http.ResponseWriter, r *http.Request, _ *Claims) {
	id := r.URL.Query().Get("id")

	a.mu.Lock()
	queue, ok := a.statuses[id]
	var tx Transaction
	if ok {
		tx = queue[0]
		if len(queue) > 1 {
			a.statuses[id] = queue[1:]
		}
	}
	a.mu.Unlock()

	if !ok {
		writeJSONError(w, "transaction not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
