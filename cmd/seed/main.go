// Command seed creates an account in the configured store.
//
//	seed --username alice --password 'Secret123' --mfa email --destination alice@example.com
//	seed --username bob --password 'Secret123' --mfa authenticator
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jrsteele09/go-mfa-server/internal/config"
	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/internal/store"
	"github.com/jrsteele09/go-mfa-server/users"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

type seedFlags struct {
	username    string
	password    string
	mfaType     string
	destination string
	envFile     string
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var f seedFlags
	flag.StringVarP(&f.username, "username", "u", "", "username to create")
	flag.StringVarP(&f.password, "password", "p", "", "initial password")
	flag.StringVar(&f.mfaType, "mfa", string(users.MFEmail), "second factor: email, sms or authenticator")
	flag.StringVar(&f.destination, "destination", "", "email address or phone number for dispatched codes")
	flag.StringVar(&f.envFile, "env-file", ".env", "env file to read store settings from")
	flag.Parse()

	if err := run(context.Background(), f); err != nil {
		log.Fatal().Err(err).Msg("seed failed")
	}
}

func run(ctx context.Context, f seedFlags) error {
	cfg, err := config.LoadFile(f.envFile)
	if err != nil {
		return err
	}
	if cfg.Store == config.StoreMemory {
		return errors.New("STORE=memory does not persist; set STORE=sqlite or STORE=postgres")
	}

	params := users.NewAccountParams{
		Username:    f.username,
		Password:    f.password,
		MFType:      users.MFAuthType(f.mfaType),
		Destination: f.destination,
	}
	var enrolmentURL string
	if params.MFType == users.MFAuthenticator {
		key, err := totp.Generate(totp.GenerateOpts{Issuer: cfg.AppName, AccountName: f.username})
		if err != nil {
			return fmt.Errorf("generate totp secret: %w", err)
		}
		params.MFASecret = key.Secret()
		enrolmentURL = key.URL()
	}

	acct, err := users.NewAccount(params, users.NewPasswordHasher(cfg.Argon2Params()), time.Now())
	if err != nil {
		return err
	}

	stores, err := store.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	if err := stores.Accounts.Create(ctx, acct); err != nil {
		if apperrors.Is(err, apperrors.ErrAlreadyExists) {
			return fmt.Errorf("username %q is already taken", acct.Username)
		}
		return err
	}

	log.Info().Str("user_id", acct.ID).Str("mfa_type", string(acct.MFType)).Msg("account created")
	if enrolmentURL != "" {
		// Printed once; the secret is not recoverable from the server afterwards.
		fmt.Println(enrolmentURL)
	}
	return nil
}
