// Package anchor is the HTTP client for the four anchor calls of the cash-out
// flow: SEP-10 challenge fetch and submit, SEP-24 interactive withdrawal
// initiation, and SEP-24 transaction status.
//
// Every call is issued exactly once. A non-2xx response is surfaced as an
// ANCHOR_REQUEST_FAILED error carrying the status code and the raw body.
package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/stellar/go/support/log"

	"github.com/marwen-abid/anchor-cashout-go/core/net"
	"github.com/marwen-abid/anchor-cashout-go/errors"
)

// Endpoints holds the absolute URLs of the anchor services.
type Endpoints struct {
	// WebAuth is the SEP-10 endpoint (WEB_AUTH_ENDPOINT).
	WebAuth string
	// TransferServer is the SEP-24 root (TRANSFER_SERVER_SEP0024).
	TransferServer string
}

// Client talks to a single anchor.
type Client struct {
	host      string
	endpoints Endpoints
	http      *net.Client
	logger    *log.Entry
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the transport used for anchor calls.
func WithHTTPClient(client *net.Client) Option {
	return func(c *Client) {
		c.http = client
	}
}

// WithEndpoints overrides the endpoints derived from the base URL, e.g. with
// the values published in the anchor's stellar.toml. Empty fields are ignored.
func WithEndpoints(endpoints Endpoints) Option {
	return func(c *Client) {
		if endpoints.WebAuth != "" {
			c.endpoints.WebAuth = strings.TrimSuffix(endpoints.WebAuth, "/")
		}
		if endpoints.TransferServer != "" {
			c.endpoints.TransferServer = strings.TrimSuffix(endpoints.TransferServer, "/")
		}
	}
}

// WithLogger sets the logger. Defaults to log.DefaultLogger.
func WithLogger(logger *log.Entry) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the anchor served at baseURL. The SEP-10
// endpoint defaults to {baseURL}/auth and the SEP-24 root to {baseURL}/sep24.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, errors.NewCoreError(errors.CONFIG_INVALID, fmt.Sprintf("invalid anchor base URL %q", baseURL), err)
	}
	base := strings.TrimSuffix(baseURL, "/")

	c := &Client{
		host: u.Host,
		endpoints: Endpoints{
			WebAuth:        base + "/auth",
			TransferServer: base + "/sep24",
		},
		http:   net.NewClient(),
		logger: log.DefaultLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Host returns the anchor host (with port, if any). It is both the expected
// home domain and web_auth_domain of SEP-10 challenges.
func (c *Client) Host() string {
	return c.host
}

// FetchChallenge requests a SEP-10 challenge for account and the custodial
// memo identifying the user.
func (c *Client) FetchChallenge(ctx context.Context, account string, memo uint64) (*ChallengeResponse, error) {
	query := url.Values{}
	query.Set("account", account)
	query.Set("memo", strconv.FormatUint(memo, 10))
	endpoint := c.endpoints.WebAuth + "?" + query.Encode()

	c.logger.WithField("account", account).Debug("fetching auth challenge")
	resp, err := c.http.Get(ctx, endpoint, nil)
	if err != nil {
		return nil, errors.NewClientError(errors.ANCHOR_REQUEST_FAILED, "challenge request failed", err)
	}

	var challenge ChallengeResponse
	if err := decode(resp, "challenge", &challenge); err != nil {
		return nil, err
	}
	if challenge.Transaction == "" {
		return nil, errors.NewClientError(errors.ANCHOR_REQUEST_FAILED, "challenge response has no transaction", nil)
	}
	return &challenge, nil
}

// SubmitChallenge posts the signed challenge and returns the bearer token.
func (c *Client) SubmitChallenge(ctx context.Context, signedXDR string) (string, error) {
	resp, err := c.http.PostJSON(ctx, c.endpoints.WebAuth, map[string]string{"transaction": signedXDR}, nil)
	if err != nil {
		return "", errors.NewClientError(errors.ANCHOR_REQUEST_FAILED, "challenge submission failed", err)
	}

	var token tokenResponse
	if err := decode(resp, "token", &token); err != nil {
		return "", err
	}
	if token.Token == "" {
		return "", errors.NewClientError(errors.ANCHOR_REQUEST_FAILED, "token response has no token", nil)
	}
	return token.Token, nil
}

// InitiateWithdrawal starts an interactive SEP-24 withdrawal.
func (c *Client) InitiateWithdrawal(ctx context.Context, token string, req WithdrawRequest) (*InteractiveResponse, error) {
	endpoint := c.endpoints.TransferServer + "/transactions/withdraw/interactive"

	c.logger.WithFields(log.F{"asset_code": req.AssetCode, "amount": req.Amount}).Debug("initiating withdrawal")
	resp, err := c.http.PostJSON(ctx, endpoint, req, bearer(token))
	if err != nil {
		return nil, errors.NewClientError(errors.ANCHOR_REQUEST_FAILED, "withdrawal request failed", err)
	}

	var interactive InteractiveResponse
	if err := decode(resp, "withdrawal", &interactive); err != nil {
		return nil, err
	}
	if interactive.ID == "" || interactive.URL == "" {
		return nil, errors.NewClientError(errors.ANCHOR_REQUEST_FAILED, "withdrawal response is missing id or url", nil)
	}
	return &interactive, nil
}

// FetchTransaction returns the current SEP-24 state of the transaction id.
func (c *Client) FetchTransaction(ctx context.Context, token, id string) (*Transaction, error) {
	endpoint := c.endpoints.TransferServer + "/transaction?id=" + url.QueryEscape(id)

	resp, err := c.http.Get(ctx, endpoint, bearer(token))
	if err != nil {
		return nil, errors.NewClientError(errors.ANCHOR_REQUEST_FAILED, fmt.Sprintf("status request for %s failed", id), err).
			With("tx_id", id)
	}

	var envelope transactionEnvelope
	if err := decode(resp, "transaction", &envelope); err != nil {
		return nil, err
	}
	if envelope.Transaction == nil {
		return nil, errors.NewClientError(errors.ANCHOR_REQUEST_FAILED, "status response has no transaction", nil).
			With("tx_id", id)
	}
	return envelope.Transaction, nil
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

// decode reads resp and unmarshals a 2xx body into target. Non-2xx bodies are
// parsed as the SEP error envelope.
func decode(resp *net.Response, what string, target any) error {
	body, err := resp.ReadBody()
	if err != nil {
		return errors.NewClientError(errors.ANCHOR_REQUEST_FAILED, fmt.Sprintf("failed to read %s response", what), err)
	}

	if !resp.IsSuccess() {
		message := fmt.Sprintf("%s request returned status %d", what, resp.StatusCode)
		var envelope errorEnvelope
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
			message += ": " + envelope.Error
		}
		return errors.NewClientError(errors.ANCHOR_REQUEST_FAILED, message, nil).
			With("status_code", resp.StatusCode).
			With("body", string(body))
	}

	if err := json.Unmarshal(body, target); err != nil {
		return errors.NewClientError(errors.ANCHOR_REQUEST_FAILED, fmt.Sprintf("failed to decode %s response JSON", what), err).
			With("status_code", resp.StatusCode)
	}
	return nil
}
