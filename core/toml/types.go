// Package toml fetches and publishes stellar.toml files as specified in SEP-1.
//
// The Resolver discovers an anchor's SEP-10 signing key and SEP-24 endpoints
// from its home domain, and the Publisher renders the same document for test
// anchors.
package toml

// AnchorInfo represents the parts of a stellar.toml file the cash-out flow
// relies on.
type AnchorInfo struct {
	// NETWORK_PASSPHRASE identifies the Stellar network (testnet/mainnet).
	NetworkPassphrase string `toml:"NETWORK_PASSPHRASE,omitempty"`

	// SIGNING_KEY is the anchor's public key used to sign SEP-10 challenges.
	SigningKey string `toml:"SIGNING_KEY,omitempty"`

	// WEB_AUTH_ENDPOINT is the URL for SEP-10 Stellar Web Authentication.
	WebAuthEndpoint string `toml:"WEB_AUTH_ENDPOINT,omitempty"`

	// TransferServerSep24 is the URL for SEP-24 Interactive Deposit/Withdrawal.
	TransferServerSep24 string `toml:"TRANSFER_SERVER_SEP0024,omitempty"`

	// Currencies lists assets supported by the anchor.
	Currencies []CurrencyInfo `toml:"CURRENCIES,omitempty"`
}

// CurrencyInfo describes a Stellar asset supported by an anchor.
type CurrencyInfo struct {
	Code            string `toml:"code"`
	Issuer          string `toml:"issuer,omitempty"`
	Status          string `toml:"status,omitempty"`
	DisplayDecimals int    `toml:"display_decimals,omitempty"`
	AnchorAssetType string `toml:"anchor_asset_type,omitempty"`
	IsAssetAnchored bool   `toml:"is_asset_anchored,omitempty"`
	Desc            string `toml:"desc,omitempty"`
}

// Currency returns the currency entry matching code and issuer.
func (a *AnchorInfo) Currency(code, issuer string) (*CurrencyInfo, bool) {
	for i := range a.Currencies {
		c := &a.Currencies[i]
		if c.Code == code && c.Issuer == issuer {
			return c, true
		}
	}
	return nil, false
}
