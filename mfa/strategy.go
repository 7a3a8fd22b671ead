package mfa

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/jrsteele09/go-mfa-server/users"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// CodeStrategy produces and checks codes for one kind of second factor.
type CodeStrategy interface {
	// NewCode returns the plaintext for a new challenge and whether it has to
	// be dispatched to the user.
	NewCode(acct *users.Account, now time.Time) (code string, dispatch bool, err error)
	// Matches reports whether presented answers ch. step is the TOTP time
	// step the code belongs to, zero for codes that are not time based.
	Matches(ch *Challenge, acct *users.Account, presented string, now time.Time) (step int64, ok bool)
}

// Strategies selects a CodeStrategy by the account's MFA type.
type Strategies map[users.MFAuthType]CodeStrategy

func (s Strategies) For(mfType users.MFAuthType) (CodeStrategy, error) {
	strategy, ok := s[mfType]
	if !ok {
		return nil, fmt.Errorf("no code strategy for mfa type %q", mfType)
	}
	return strategy, nil
}

// DefaultStrategies wires random codes for email/sms and TOTP for authenticator apps.
func DefaultStrategies(hasher *CodeHasher, codeLength int, totpOpts TOTPConfig) Strategies {
	random := &RandomCode{Length: codeLength, Hasher: hasher}
	return Strategies{
		users.MFEmail:         random,
		users.MFTSms:          random,
		users.MFAuthenticator: NewTOTP(totpOpts),
	}
}

// RandomCode issues a fresh random numeric code per challenge and sends it to the user.
type RandomCode struct {
	Length int
	Hasher *CodeHasher
}

var _ CodeStrategy = (*RandomCode)(nil)

func (r *RandomCode) NewCode(_ *users.Account, _ time.Time) (string, bool, error) {
	code, err := GenerateNumericCode(r.Length)
	return code, true, err
}

func (r *RandomCode) Matches(ch *Challenge, _ *users.Account, presented string, _ time.Time) (int64, bool) {
	return 0, r.Hasher.Equal(ch.ID, strings.TrimSpace(presented), ch.CodeHash)
}

// TOTPConfig parameterises RFC 6238 codes.
type TOTPConfig struct {
	Period uint // seconds
	Skew   uint // periods accepted either side of now
	Digits otp.Digits
}

func DefaultTOTPConfig() TOTPConfig {
	return TOTPConfig{Period: 30, Skew: 1, Digits: otp.DigitsSix}
}

// TOTP derives codes from the account's pre-shared secret; nothing is sent, the
// user reads the code from their authenticator.
type TOTP struct {
	opts totp.ValidateOpts
}

var _ CodeStrategy = (*TOTP)(nil)

func NewTOTP(cfg TOTPConfig) *TOTP {
	d := DefaultTOTPConfig()
	if cfg.Period == 0 {
		cfg.Period = d.Period
	}
	if cfg.Digits == 0 {
		cfg.Digits = d.Digits
	}
	return &TOTP{opts: totp.ValidateOpts{
		Period:    cfg.Period,
		Skew:      cfg.Skew,
		Digits:    cfg.Digits,
		Algorithm: otp.AlgorithmSHA1,
	}}
}

func (t *TOTP) NewCode(acct *users.Account, now time.Time) (string, bool, error) {
	if acct.MFASecret == "" {
		return "", false, fmt.Errorf("account %s has no totp secret", acct.ID)
	}
	code, err := totp.GenerateCodeCustom(acct.MFASecret, now, t.opts)
	if err != nil {
		return "", false, fmt.Errorf("totp.GenerateCodeCustom: %w", err)
	}
	return code, false, nil
}

// Matches accepts a code from any step in the skew window that is later than
// ch.TOTPStep, the last step this user already spent.
func (t *TOTP) Matches(ch *Challenge, acct *users.Account, presented string, now time.Time) (int64, bool) {
	if acct == nil || acct.MFASecret == "" {
		return 0, false
	}
	presented = strings.TrimSpace(presented)
	if len(presented) != t.opts.Digits.Length() {
		return 0, false
	}
	// Walk the whole skew window so the comparison cost does not depend on
	// which step matched.
	var matched int64
	period := int64(t.opts.Period)
	skew := int64(t.opts.Skew)
	current := now.Unix() / period
	for i := -skew; i <= skew; i++ {
		step := current + i
		code, err := totp.GenerateCodeCustom(acct.MFASecret, time.Unix(step*period, 0).UTC(), t.opts)
		if err != nil {
			return 0, false
		}
		eq := subtle.ConstantTimeCompare([]byte(code), []byte(presented))
		if eq == 1 && step > ch.TOTPStep {
			matched = step
		}
	}
	return matched, matched > 0
}
