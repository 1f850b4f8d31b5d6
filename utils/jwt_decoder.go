package utils

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"audiorelay/models"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

var (
	ErrInvalidToken     = errors.New("invalid token format")
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrInvalidIssuer    = errors.New("invalid issuer")
	ErrMissingIdentity  = errors.New("token carries no username")
	ErrMissingExpiry    = fmt.Errorf("%w: exp claim is required", ErrInvalidToken)
)

// VerifyConfig describes how gateway bearer tokens are checked. Tokens are
// HS256 signed with SecretKey.
type VerifyConfig struct {
	SecretKey      []byte
	ExpectedIssuer string        // empty accepts any issuer
	ClockSkew      time.Duration // leeway applied to exp and iat
}

// VerifyIdentityToken checks signature, issuer and time claims and returns the
// identity carried by the token.
func VerifyIdentityToken(token string, cfg VerifyConfig) (*models.IdentityClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	if len(cfg.SecretKey) == 0 {
		return nil, errors.New("no verification key configured")
	}

	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	// Registered claims go through go-jose's validator; the identity payload
	// is decoded alongside them from the same verified body.
	var registered jwt.Claims
	claims := &models.IdentityClaims{}
	if err := parsed.Claims(cfg.SecretKey, &registered, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	unsetZero(&registered.Expiry)
	unsetZero(&registered.IssuedAt)

	expected := jwt.Expected{Issuer: cfg.ExpectedIssuer, Time: time.Now()}
	if err := registered.ValidateWithLeeway(expected, cfg.ClockSkew); err != nil {
		return nil, translateClaimsError(err, cfg.ExpectedIssuer, registered.Issuer)
	}
	if registered.Expiry == nil {
		return nil, ErrMissingExpiry
	}
	if strings.TrimSpace(claims.User.Username) == "" {
		return nil, ErrMissingIdentity
	}
	return claims, nil
}

// unsetZero treats a zero numeric date as absent. Identity tokens always
// serialise exp and iat, so zero means the issuer left them out. A missing
// iat is accepted; a missing exp is not.
func unsetZero(d **jwt.NumericDate) {
	if *d != nil && **d == 0 {
		*d = nil
	}
}

func translateClaimsError(err error, wantIssuer, gotIssuer string) error {
	switch {
	case errors.Is(err, jwt.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrIssuedInTheFuture), errors.Is(err, jwt.ErrNotValidYet):
		return ErrTokenNotYetValid
	case errors.Is(err, jwt.ErrInvalidIssuer):
		return fmt.Errorf("%w: expected %q, got %q", ErrInvalidIssuer, wantIssuer, gotIssuer)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}

// CreateIdentityToken signs claims with an HS256 secret. The gateway never
// issues tokens itself; the token subcommand and tests use this.
func CreateIdentityToken(claims *models.IdentityClaims, secret []byte) (string, error) {
	if claims == nil {
		return "", errors.New("claims cannot be nil")
	}
	if len(secret) == 0 {
		return "", errors.New("signing secret is required")
	}

	opts := (&jose.SignerOptions{}).WithType("JWT")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, opts)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize token: %w", err)
	}
	return token, nil
}
