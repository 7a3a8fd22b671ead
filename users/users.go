package users

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

type MFAuthType string

const (
	MFNone          MFAuthType = "none"
	MFAuthenticator MFAuthType = "authenticator"
	MFEmail         MFAuthType = "email"
	MFTSms          MFAuthType = "sms"
)

// Valid reports whether t is a known MFA type.
func (t MFAuthType) Valid() bool {
	switch t {
	case MFNone, MFAuthenticator, MFEmail, MFTSms:
		return true
	}
	return false
}

// Account is the stored credential record for a user. Only the credential
// verifier mutates FailedLoginCount and LockoutUntil; everything else belongs to
// account management.
type Account struct {
	ID                 string     `json:"id"`
	Username           string     `json:"username"`            // As registered
	UsernameNormalized string     `json:"username_normalized"` // Lookup key, see NormalizeUsername
	PasswordHash       []byte     `json:"-"`                   // argon2id output - never serialize
	PasswordSalt       []byte     `json:"-"`
	MFType             MFAuthType `json:"mfType"`
	MFASecret          string     `json:"-"`                     // Base32 TOTP secret for MFAuthenticator
	Destination        string     `json:"destination,omitempty"` // Email address or phone number for dispatched codes

	FailedLoginCount int       `json:"failed_login_count"`
	LockoutUntil     time.Time `json:"lockout_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	Version   int64     `json:"version"` // Bumped by every conditional update
}

// Clone returns a deep copy so stores never hand out shared slices.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.PasswordHash = append([]byte(nil), a.PasswordHash...)
	c.PasswordSalt = append([]byte(nil), a.PasswordSalt...)
	return &c
}

// LockedAt reports whether a lockout is in force at now, and for how long.
func (a *Account) LockedAt(now time.Time) (bool, time.Duration) {
	if a.LockoutUntil.IsZero() || !now.Before(a.LockoutUntil) {
		return false, 0
	}
	return true, a.LockoutUntil.Sub(now)
}

// NormalizeUsername folds case and Unicode compatibility forms so that visually
// identical usernames map to one account.
func NormalizeUsername(username string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(username)))
}

// NewAccountParams is the input to NewAccount.
type NewAccountParams struct {
	Username    string
	Password    string
	MFType      MFAuthType
	MFASecret   string
	Destination string
}

// NewAccount builds an account with a freshly salted password hash. It does not
// store it.
func NewAccount(p NewAccountParams, hasher *PasswordHasher, now time.Time) (*Account, error) {
	normalized := NormalizeUsername(p.Username)
	if normalized == "" {
		return nil, fmt.Errorf("username is required")
	}
	if err := ValidatePasswordStrength(p.Password); err != nil {
		return nil, err
	}
	if p.MFType == "" {
		p.MFType = MFNone
	}
	if !p.MFType.Valid() {
		return nil, fmt.Errorf("unknown mfa type %q", p.MFType)
	}
	switch p.MFType {
	case MFAuthenticator:
		if p.MFASecret == "" {
			return nil, fmt.Errorf("authenticator mfa requires a secret")
		}
	case MFEmail, MFTSms:
		if p.Destination == "" {
			return nil, fmt.Errorf("%s mfa requires a destination", p.MFType)
		}
	}

	salt, err := hasher.NewSalt()
	if err != nil {
		return nil, err
	}
	return &Account{
		ID:                 uuid.New().String(),
		Username:           strings.TrimSpace(p.Username),
		UsernameNormalized: normalized,
		PasswordHash:       hasher.Hash(p.Password, salt),
		PasswordSalt:       salt,
		MFType:             p.MFType,
		MFASecret:          p.MFASecret,
		Destination:        p.Destination,
		CreatedAt:          now,
	}, nil
}

// ValidatePasswordStrength checks if password meets security requirements:
// - At least 8 characters long
// - Contains uppercase and lowercase letters
// - Contains at least one number
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters long")
	}

	var (
		hasUpper  bool
		hasLower  bool
		hasNumber bool
	)

	for _, char := range password {
		if unicode.IsUpper(char) {
			hasUpper = true
		} else if unicode.IsLower(char) {
			hasLower = true
		} else if unicode.IsDigit(char) {
			hasNumber = true
		}
	}

	if !hasUpper {
		return fmt.Errorf("password must contain at least one uppercase letter")
	}
	if !hasLower {
		return fmt.Errorf("password must contain at least one lowercase letter")
	}
	if !hasNumber {
		return fmt.Errorf("password must contain at least one number")
	}

	return nil
}
