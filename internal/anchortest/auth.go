package anchortest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
)

const (
	challengeTimeout = 5 * time.Minute
	tokenExpiry      = time.Hour
)

// Claims are the JWT claims issued on a verified challenge.
type Claims struct {
	Memo string `json:"memo,omitempty"`
	jwt.RegisteredClaims
}

// createChallenge builds a SEP-10 challenge for account and memo signed by
// the challenge key, which is the advertised signing key unless overridden.
func (a *Anchor) createChallenge(account, memo string) (string, error) {
	if _, err := keypair.ParseAddress(account); err != nil {
		return "", fmt.Errorf("invalid account address: %w", err)
	}

	var memoID *txnbuild.MemoID
	if memo != "" {
		id, err := strconv.ParseUint(memo, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid memo: %w", err)
		}
		m := txnbuild.MemoID(id)
		memoID = &m
	}

	tx, err := txnbuild.BuildChallengeTx(
		a.challengeKey.Seed(),
		account,
		a.webAuthDomain(),
		a.homeDomain(),
		a.passphrase,
		challengeTimeout,
		memoID,
	)
	if err != nil {
		return "", fmt.Errorf("failed to build challenge transaction: %w", err)
	}
	return tx.Base64()
}

// verifyChallenge checks the client signature on a signed challenge and
// issues a token scoped to the (account, memo) pair.
func (a *Anchor) verifyChallenge(signedXDR string) (string, error) {
	_, account, _, memo, err := txnbuild.ReadChallengeTx(
		signedXDR,
		a.signing.Address(),
		a.passphrase,
		a.webAuthDomain(),
		[]string{a.homeDomain()},
	)
	if err != nil {
		return "", fmt.Errorf("invalid challenge: %w", err)
	}

	if _, err := txnbuild.VerifyChallengeTxSigners(
		signedXDR,
		a.signing.Address(),
		a.passphrase,
		a.webAuthDomain(),
		[]string{a.homeDomain()},
		account,
	); err != nil {
		return "", fmt.Errorf("challenge not signed by client: %w", err)
	}

	var memoValue string
	if memo != nil {
		memoValue = strconv.FormatUint(uint64(*memo), 10)
	}
	return a.IssueToken(account, memoValue), nil
}

// IssueToken returns a valid bearer token for account and memo without a
// challenge exchange.
func (a *Anchor) IssueToken(account, memo string) string {
	claims := Claims{
		Memo: memo,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account,
			Issuer:    a.Host(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenExpiry)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		panic(err)
	}
	return token
}

// verifyBearer validates an Authorization header value.
func (a *Anchor) verifyBearer(header string) (*Claims, error) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, fmt.Errorf("missing bearer token")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims, func(t *jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
