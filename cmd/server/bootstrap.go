package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/server"
	"github.com/jrsteele09/go-mfa-server/users"
	"github.com/rs/zerolog/log"
)

// devSeed is the account created at startup for a DEV memory store.
type devSeed struct {
	Account  *users.Account
	Password string // Empty when the account already existed
}

// seedDevAccount creates username with a generated password and email codes,
// so a fresh DEV server can be logged into without running cmd/seed.
func seedDevAccount(ctx context.Context, accounts users.Repo, hasher *users.PasswordHasher, username string, now time.Time) (*devSeed, error) {
	password, err := generatePassword()
	if err != nil {
		return nil, err
	}
	acct, err := users.NewAccount(users.NewAccountParams{
		Username:    username,
		Password:    password,
		MFType:      users.MFEmail,
		Destination: fmt.Sprintf("%s@localhost", users.NormalizeUsername(username)),
	}, hasher, now)
	if err != nil {
		return nil, fmt.Errorf("failed to build dev account: %w", err)
	}

	err = accounts.Create(ctx, acct)
	if apperrors.Is(err, apperrors.ErrAlreadyExists) {
		existing, err := accounts.GetByUsername(ctx, acct.UsernameNormalized)
		if err != nil {
			return nil, fmt.Errorf("failed to load dev account: %w", err)
		}
		return &devSeed{Account: existing}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create dev account: %w", err)
	}
	return &devSeed{Account: acct, Password: password}, nil
}

// generatePassword returns a random password that passes
// users.ValidatePasswordStrength.
func generatePassword() (string, error) {
	b := make([]byte, 12)
	for {
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		password := base64.RawURLEncoding.EncodeToString(b)
		if users.ValidatePasswordStrength(password) == nil {
			return password, nil
		}
	}
}

func logDevSeed(seed *devSeed, outbox bool) {
	if seed.Password == "" {
		log.Info().Str("username", seed.Account.Username).Msg("dev account already exists")
		return
	}
	event := log.Warn().
		Str("username", seed.Account.Username).
		Str("password", seed.Password).
		Str("user_id", seed.Account.ID)
	if outbox {
		event = event.Str("codes", strings.Replace(server.RouteDevOutbox, "{userID}", seed.Account.ID, 1))
	}
	event.Msg("dev account created; save this password, it is not shown again (DEV only)")
}
