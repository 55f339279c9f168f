package toml_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marwen-abid/anchor-cashout-go/core/net"
	"github.com/marwen-abid/anchor-cashout-go/core/toml"
	"github.com/marwen-abid/anchor-cashout-go/errors"
)

func serveTOML(t *testing.T, handler http.HandlerFunc) (*toml.Resolver, string, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/.well-known/stellar.toml", r.URL.Path)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	resolver := toml.NewResolver(net.NewClient(net.WithHTTPClient(srv.Client())))
	return resolver, strings.TrimPrefix(srv.URL, "https://"), &hits
}

func TestResolveParsesAnchorInfo(t *testing.T) {
	signing := keypair.MustRandom().Address()
	published := &toml.AnchorInfo{
		NetworkPassphrase:   "Test SDF Network ; September 2015",
		SigningKey:          signing,
		WebAuthEndpoint:     "https://anchor.example/auth",
		TransferServerSep24: "https://anchor.example/sep24",
		Currencies:          []toml.CurrencyInfo{{Code: "USDC", Issuer: "GISSUER", DisplayDecimals: 2}},
	}
	resolver, domain, hits := serveTOML(t, toml.NewPublisher(published).Handler())

	info, err := resolver.Resolve(context.Background(), domain)
	require.NoError(t, err)
	assert.Equal(t, signing, info.SigningKey)
	assert.Equal(t, "https://anchor.example/auth", info.WebAuthEndpoint)
	assert.Equal(t, "https://anchor.example/sep24", info.TransferServerSep24)

	usdc, ok := info.Currency("USDC", "GISSUER")
	require.True(t, ok)
	assert.Equal(t, 2, usdc.DisplayDecimals)

	// second resolve is served from cache
	_, err = resolver.Resolve(context.Background(), domain)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestResolveIgnoresUnknownSections(t *testing.T) {
	resolver, domain, _ := serveTOML(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`
VERSION = "2.0.0"
TRANSFER_SERVER_SEP0024 = "https://anchor.example/sep24"

[DOCUMENTATION]
ORG_NAME = "Example"
`))
	})

	info, err := resolver.Resolve(context.Background(), domain)
	require.NoError(t, err)
	assert.Equal(t, "https://anchor.example/sep24", info.TransferServerSep24)
	assert.Empty(t, info.SigningKey)
}

func TestResolveRejectsMalformedSigningKey(t *testing.T) {
	resolver, domain, _ := serveTOML(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`SIGNING_KEY = "not-a-key"`))
	})

	_, err := resolver.Resolve(context.Background(), domain)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.TOML_SIGNING_KEY_MISMATCH))
}

func TestResolveFailsOnNon200(t *testing.T) {
	resolver, domain, _ := serveTOML(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := resolver.Resolve(context.Background(), domain)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.TOML_FETCH_FAILED))
}

func TestResolveRejectsInvalidTOML(t *testing.T) {
	resolver, domain, _ := serveTOML(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`SIGNING_KEY = `))
	})

	_, err := resolver.Resolve(context.Background(), domain)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.TOML_INVALID))
}
