// Command cashout serves the custodial cash-out backend: GET /url opens a
// withdrawal with the anchor, POST /send pays for it once the user finished
// the interactive flow.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stellar/go/support/log"

	cashout "github.com/marwen-abid/anchor-cashout-go"
	"github.com/marwen-abid/anchor-cashout-go/anchor"
	"github.com/marwen-abid/anchor-cashout-go/auth"
	"github.com/marwen-abid/anchor-cashout-go/core/net"
	"github.com/marwen-abid/anchor-cashout-go/core/toml"
	"github.com/marwen-abid/anchor-cashout-go/errors"
	"github.com/marwen-abid/anchor-cashout-go/events"
	"github.com/marwen-abid/anchor-cashout-go/ledger"
	"github.com/marwen-abid/anchor-cashout-go/server"
	"github.com/marwen-abid/anchor-cashout-go/signers"
	"github.com/marwen-abid/anchor-cashout-go/store/memory"
	redisstore "github.com/marwen-abid/anchor-cashout-go/store/redis"
	"github.com/marwen-abid/anchor-cashout-go/withdraw"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log.DefaultLogger.SetLevel(cfg.logLevel)
	logger := log.DefaultLogger.WithField("service", "cashout")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("cashout stopped")
	}
}

func run(ctx context.Context, cfg *Config, logger *log.Entry) error {
	authSigner, err := signers.FromSecret(cfg.AuthSecret)
	if err != nil {
		return fmt.Errorf("auth signer: %w", err)
	}
	fundsSigner, err := signers.FromSecret(cfg.FundsSecret)
	if err != nil {
		return fmt.Errorf("funds signer: %w", err)
	}

	httpClient := net.NewClient(net.WithTimeout(30 * time.Second))
	anchorOpts := []anchor.Option{anchor.WithHTTPClient(httpClient), anchor.WithLogger(logger)}

	bootstrap, err := anchor.NewClient(cfg.AnchorBaseURL, anchorOpts...)
	if err != nil {
		return err
	}
	if cfg.ResolveTOML {
		endpoints, err := discover(ctx, toml.NewResolver(httpClient), bootstrap.Host(), cfg, logger)
		if err != nil {
			return err
		}
		anchorOpts = append(anchorOpts, anchor.WithEndpoints(endpoints))
	}
	anchorClient, err := anchor.NewClient(cfg.AnchorBaseURL, anchorOpts...)
	if err != nil {
		return err
	}

	authManager, err := auth.NewManager(anchorClient, auth.Config{
		SigningKey:        cfg.AnchorSigningKey,
		NetworkPassphrase: cfg.NetworkPassphrase,
	}, auth.WithLogger(logger))
	if err != nil {
		return err
	}

	var (
		store     cashout.TransactionStore
		publisher message.Publisher
	)
	wmLogger := watermill.NewStdLogger(false, false)
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return errors.NewCoreError(errors.CONFIG_INVALID, "invalid REDIS_URL", err)
		}
		redisClient := goredis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return errors.NewStoreError(errors.STORE_ERROR, "redis is unreachable", err)
		}

		store = redisstore.NewTransactionStore(redisClient)
		publisher, err = redisstream.NewPublisher(redisstream.PublisherConfig{Client: redisClient}, wmLogger)
		if err != nil {
			return errors.NewCoreError(errors.CONFIG_INVALID, "failed to create redis stream publisher", err)
		}
		logger.Info("using redis for records and events")
	} else {
		store = memory.NewTransactionStore()
		publisher = gochannel.NewGoChannel(gochannel.Config{}, wmLogger)
	}
	defer publisher.Close()

	hooks := withdraw.NewHookRegistry()
	events.NewWatermillForwarder(publisher, events.WithLogger(logger)).Register(hooks)

	submitter, err := ledger.NewHorizonSubmitter(ledger.NewHorizonClient(cfg.HorizonURL), fundsSigner, ledger.SubmitterConfig{
		Asset:             ledger.Asset{Code: cfg.AssetCode, Issuer: cfg.AssetIssuer},
		NetworkPassphrase: cfg.NetworkPassphrase,
	}, ledger.WithLogger(logger))
	if err != nil {
		return err
	}

	orchestrator, err := withdraw.NewOrchestrator(anchorClient, authManager, store, withdraw.OrchestratorConfig{
		AuthSigner:   authSigner,
		Memo:         cfg.memo,
		AssetCode:    cfg.AssetCode,
		FundsAccount: fundsSigner.PublicKey(),
		Amount:       cfg.WithdrawAmount,
	}, withdraw.WithLogger(logger), withdraw.WithHooks(hooks))
	if err != nil {
		return err
	}

	controller, err := withdraw.NewController(anchorClient, store, submitter, withdraw.ControllerConfig{
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
		MaxAmount:    cfg.MaxAmount,
	}, withdraw.WithLogger(logger), withdraw.WithHooks(hooks))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.SetupRouter(orchestrator, controller, server.RouterConfig{IndexFile: cfg.IndexFile, Logger: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(log.F{
			"listen":       cfg.Listen,
			"anchor":       anchorClient.Host(),
			"auth_account": authSigner.PublicKey(),
		}).Info("cashout listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type tomlResolver interface {
	Resolve(ctx context.Context, domain string) (*toml.AnchorInfo, error)
}

// discover reads the anchor's stellar.toml. Endpoints and signing key fill
// in what was not configured; a configured signing key must match.
func discover(ctx context.Context, resolver tomlResolver, domain string, cfg *Config, logger *log.Entry) (anchor.Endpoints, error) {
	info, err := resolver.Resolve(ctx, domain)
	if err != nil {
		return anchor.Endpoints{}, err
	}

	switch {
	case cfg.AnchorSigningKey == "":
		if info.SigningKey == "" {
			return anchor.Endpoints{}, errors.NewCoreError(errors.TOML_INVALID, fmt.Sprintf("stellar.toml of %s has no SIGNING_KEY", domain), nil)
		}
		cfg.AnchorSigningKey = info.SigningKey
	case info.SigningKey != "" && info.SigningKey != cfg.AnchorSigningKey:
		return anchor.Endpoints{}, errors.NewCoreError(errors.TOML_SIGNING_KEY_MISMATCH, "configured anchor signing key differs from stellar.toml", nil).
			With("configured", cfg.AnchorSigningKey).
			With("published", info.SigningKey)
	}

	if info.NetworkPassphrase != "" && info.NetworkPassphrase != cfg.NetworkPassphrase {
		return anchor.Endpoints{}, errors.NewCoreError(errors.CONFIG_INVALID, fmt.Sprintf("anchor %s is on network %q", domain, info.NetworkPassphrase), nil)
	}

	if _, ok := info.Currency(cfg.AssetCode, cfg.AssetIssuer); !ok {
		logger.WithField("asset_code", cfg.AssetCode).Warn("asset not listed in anchor stellar.toml")
	}

	return anchor.Endpoints{
		WebAuth:        info.WebAuthEndpoint,
		TransferServer: info.TransferServerSep24,
	}, nil
}
