package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
)

// Config is read from flags and the environment. Flags win.
type Config struct {
	AssetCode   string `long:"asset-code" env:"STELLAR_ASSET_CODE" description:"code of the asset paid to the anchor"`
	AssetIssuer string `long:"asset-issuer" env:"STELLAR_ASSET_ISSUER" description:"issuer of the asset paid to the anchor"`

	AuthSecret  string `long:"auth-secret" env:"AUTH_SECRET_KEY" description:"secret of the account presented to the anchor"`
	FundsSecret string `long:"funds-secret" env:"FUNDS_SECRET_KEY" description:"secret of the account holding the pooled funds"`

	AnchorSigningKey string `long:"anchor-signing-key" env:"MGI_ACCESS_SIGNING_KEY" description:"SEP-10 signing key of the anchor"`
	AnchorBaseURL    string `long:"anchor-base-url" env:"MGI_ACCESS_BASE_URL" description:"base URL of the anchor"`
	ResolveTOML      bool   `long:"resolve-toml" env:"RESOLVE_TOML" description:"read endpoints and signing key from the anchor's stellar.toml"`

	UserID string `long:"user-id" env:"USER_ID" description:"custodial user id, sent to the anchor as the SEP-10 memo"`

	HorizonURL        string `long:"horizon-url" env:"HORIZON_URL" default:"https://horizon-testnet.stellar.org"`
	NetworkPassphrase string `long:"network-passphrase" env:"NETWORK_PASSPHRASE" default:"Test SDF Network ; September 2015"`

	Listen    string `long:"listen" env:"LISTEN" default:":8080"`
	IndexFile string `long:"index-file" env:"INDEX_FILE" description:"page served at /"`

	PollInterval   time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"1s"`
	PollTimeout    time.Duration `long:"poll-timeout" env:"POLL_TIMEOUT" default:"10m"`
	MaxAmount      string        `long:"max-amount" env:"MAX_AMOUNT" description:"largest amount the anchor may ask for"`
	WithdrawAmount string        `long:"withdraw-amount" env:"WITHDRAW_AMOUNT" default:"10" description:"amount sent with the withdrawal request"`

	RedisURL string `long:"redis-url" env:"REDIS_URL" description:"store records and publish events in redis"`
	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"info"`

	memo     uint64
	logLevel logrus.Level
}

// LoadConfig parses args and validates the result.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	required := []struct {
		name, value string
	}{
		{"STELLAR_ASSET_CODE", c.AssetCode},
		{"AUTH_SECRET_KEY", c.AuthSecret},
		{"FUNDS_SECRET_KEY", c.FundsSecret},
		{"MGI_ACCESS_BASE_URL", c.AnchorBaseURL},
		{"USER_ID", c.UserID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}
	if c.AnchorSigningKey == "" && !c.ResolveTOML {
		return fmt.Errorf("MGI_ACCESS_SIGNING_KEY is required unless RESOLVE_TOML is set")
	}
	if c.AnchorSigningKey != "" {
		if _, err := keypair.ParseAddress(c.AnchorSigningKey); err != nil {
			return fmt.Errorf("MGI_ACCESS_SIGNING_KEY: %w", err)
		}
	}
	if c.AssetIssuer != "" {
		if _, err := keypair.ParseAddress(c.AssetIssuer); err != nil {
			return fmt.Errorf("STELLAR_ASSET_ISSUER: %w", err)
		}
	}

	memo, err := strconv.ParseUint(c.UserID, 10, 64)
	if err != nil {
		return fmt.Errorf("USER_ID must be an unsigned integer: %w", err)
	}
	c.memo = memo

	for name, amount := range map[string]string{"MAX_AMOUNT": c.MaxAmount, "WITHDRAW_AMOUNT": c.WithdrawAmount} {
		if amount == "" {
			continue
		}
		if d, err := decimal.NewFromString(amount); err != nil || !d.IsPositive() {
			return fmt.Errorf("%s must be a positive decimal, got %q", name, amount)
		}
	}

	if c.PollInterval <= 0 || c.PollTimeout <= 0 {
		return fmt.Errorf("poll interval and timeout must be positive")
	}

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	c.logLevel = level

	if c.NetworkPassphrase == "" {
		c.NetworkPassphrase = network.TestNetworkPassphrase
	}
	return nil
}
