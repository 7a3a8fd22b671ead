package auth

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const challengeRefAudience = "verify-mfa"

// ChallengeRef is what a client presents to /verify-mfa in place of its user ID.
type ChallengeRef struct {
	UserID      string
	ChallengeID string
	ExpiresAt   time.Time
}

// RefSigner signs and checks challenge references as HS256 JWTs. The token
// carries identifiers only and expires with the challenge.
type RefSigner struct {
	secret  []byte
	issuer  string
	nowTime func() time.Time
}

type RefSignerOption func(*RefSigner)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) RefSignerOption {
	return func(rs *RefSigner) {
		rs.nowTime = nowFunc
	}
}

func NewRefSigner(secret []byte, issuer string, options ...RefSignerOption) (*RefSigner, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("[NewRefSigner] secret must be at least 32 bytes")
	}
	rs := &RefSigner{
		secret:  append([]byte(nil), secret...),
		issuer:  issuer,
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(rs)
	}
	return rs, nil
}

func (rs *RefSigner) Sign(ref ChallengeRef) (string, error) {
	claims := jwtlib.RegisteredClaims{
		Issuer:    rs.issuer,
		Subject:   ref.UserID,
		Audience:  jwtlib.ClaimStrings{challengeRefAudience},
		ID:        ref.ChallengeID,
		IssuedAt:  jwtlib.NewNumericDate(rs.nowTime()),
		ExpiresAt: jwtlib.NewNumericDate(refExpiry(ref.ExpiresAt)),
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(rs.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign challenge reference: %w", err)
	}
	return signed, nil
}

// refExpiry rounds the challenge expiry up to the next whole second. exp has
// second precision and a token is expired at exp, so the reference never
// lapses while the challenge behind it is still live.
func refExpiry(challengeExpiry time.Time) time.Time {
	return challengeExpiry.Truncate(time.Second).Add(time.Second)
}

func (rs *RefSigner) parserOptions(nowTime func() time.Time) []jwtlib.ParserOption {
	return []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithAudience(challengeRefAudience),
		jwtlib.WithIssuer(rs.issuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(nowTime),
	}
}

// Parse verifies raw and returns the reference it carries. An expired
// reference returns an error wrapping jwt.ErrTokenExpired; if the token is
// ours and expiry is its only fault, the reference is returned alongside the
// error so the caller can retire the challenge.
func (rs *RefSigner) Parse(raw string) (ChallengeRef, error) {
	var claims jwtlib.RegisteredClaims
	_, err := jwtlib.ParseWithClaims(raw, &claims, func(*jwtlib.Token) (interface{}, error) {
		return rs.secret, nil
	}, rs.parserOptions(rs.nowTime)...)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) && rs.onlyExpired(claims) {
			return refFromClaims(claims), err
		}
		return ChallengeRef{}, err
	}
	if claims.Subject == "" || claims.ID == "" {
		return ChallengeRef{}, fmt.Errorf("challenge reference is missing identifiers")
	}
	return refFromClaims(claims), nil
}

// onlyExpired re-validates claims as of just before exp. The signature has
// already been checked by the time jwt reports expiry.
func (rs *RefSigner) onlyExpired(claims jwtlib.RegisteredClaims) bool {
	if claims.ExpiresAt == nil || claims.Subject == "" || claims.ID == "" {
		return false
	}
	before := claims.ExpiresAt.Add(-time.Second)
	validator := jwtlib.NewValidator(rs.parserOptions(func() time.Time { return before })...)
	return validator.Validate(claims) == nil
}

func refFromClaims(claims jwtlib.RegisteredClaims) ChallengeRef {
	return ChallengeRef{UserID: claims.Subject, ChallengeID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}
}
