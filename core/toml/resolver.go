package toml

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gotoml "github.com/pelletier/go-toml/v2"
	"github.com/stellar/go/keypair"

	"github.com/marwen-abid/anchor-cashout-go/core/net"
	"github.com/marwen-abid/anchor-cashout-go/errors"
)

const (
	defaultCacheTTL = 5 * time.Minute
	wellKnownPath   = "/.well-known/stellar.toml"
	maxTomlSize     = 100 * 1024
)

type cacheEntry struct {
	info      *AnchorInfo
	fetchedAt time.Time
}

// Resolver fetches and caches stellar.toml files by home domain.
type Resolver struct {
	client   *net.Client
	cache    map[string]*cacheEntry
	cacheTTL time.Duration
	mu       sync.RWMutex
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCacheTTL sets how long a resolved document is reused (default: 5m).
func WithCacheTTL(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cacheTTL = d
	}
}

func NewResolver(client *net.Client, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		client:   client,
		cache:    make(map[string]*cacheEntry),
		cacheTTL: defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the stellar.toml of domain, served over https.
func (r *Resolver) Resolve(ctx context.Context, domain string) (*AnchorInfo, error) {
	r.mu.RLock()
	entry, exists := r.cache[domain]
	r.mu.RUnlock()

	if exists && time.Since(entry.fetchedAt) < r.cacheTTL {
		return entry.info, nil
	}

	url := "https://" + strings.TrimPrefix(domain, "https://")
	url = strings.TrimSuffix(url, "/") + wellKnownPath

	resp, err := r.client.Get(ctx, url, nil)
	if err != nil {
		return nil, errors.NewCoreError(errors.TOML_FETCH_FAILED, fmt.Sprintf("failed to fetch stellar.toml from %s", domain), err)
	}
	body, err := resp.ReadBody()
	if err != nil {
		return nil, errors.NewCoreError(errors.TOML_FETCH_FAILED, "failed to read stellar.toml response", err)
	}
	if resp.StatusCode != 200 {
		return nil, errors.NewCoreError(errors.TOML_FETCH_FAILED, fmt.Sprintf("stellar.toml fetch returned status %d", resp.StatusCode), nil)
	}
	if len(body) >= maxTomlSize {
		return nil, errors.NewCoreError(errors.TOML_INVALID, "stellar.toml exceeds 100KB", nil)
	}

	info, err := parse(body)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[domain] = &cacheEntry{
		info:      info,
		fetchedAt: time.Now(),
	}
	r.mu.Unlock()

	return info, nil
}

func parse(body []byte) (*AnchorInfo, error) {
	info := &AnchorInfo{}
	if err := gotoml.Unmarshal(body, info); err != nil {
		return nil, errors.NewCoreError(errors.TOML_INVALID, "failed to parse stellar.toml", err)
	}
	if info.SigningKey != "" {
		if _, err := keypair.ParseAddress(info.SigningKey); err != nil {
			return nil, errors.NewCoreError(errors.TOML_SIGNING_KEY_MISMATCH, fmt.Sprintf("invalid SIGNING_KEY format: %s", info.SigningKey), err)
		}
	}
	return info, nil
}
