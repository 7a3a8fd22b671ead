package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-mfa-server/auth"
	"github.com/jrsteele09/go-mfa-server/credentials"
	"github.com/jrsteele09/go-mfa-server/internal/config"
	"github.com/jrsteele09/go-mfa-server/internal/store"
	"github.com/jrsteele09/go-mfa-server/internal/telemetry"
	"github.com/jrsteele09/go-mfa-server/mfa"
	"github.com/jrsteele09/go-mfa-server/mfa/dispatch"
	"github.com/jrsteele09/go-mfa-server/server"
	"github.com/jrsteele09/go-mfa-server/sessions"
	"github.com/jrsteele09/go-mfa-server/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Error running server")
	}
	log.Info().Msg("Server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(c)
	displayAppname(c.AppName)
	for _, name := range c.GeneratedSecrets {
		log.Warn().Str("secret", name).Msg("secret not set; generated a per-process value (DEV only)")
	}

	ctx := context.Background()
	stores, err := store.Open(ctx, c)
	if err != nil {
		return fmt.Errorf("store.Open: %w", err)
	}
	defer stores.Close()
	if c.Store == config.StoreMemory {
		log.Warn().Msg("memory store: accounts are lost on restart")
	}

	metricsProvider, err := telemetry.NewProvider(ctx, c.OTLPEndpoint, c.AppName, c.OTLPInsecure, c.MetricsInterval)
	if err != nil {
		return fmt.Errorf("telemetry.NewProvider: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsProvider.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("failed to flush metrics")
		}
	}()
	metrics, err := telemetry.NewMetrics(metricsProvider.MeterProvider)
	if err != nil {
		return err
	}

	dispatcher, outbox := newDispatcher(c)
	if username, ok := c.DevSeedEnabled(); ok {
		seed, err := seedDevAccount(ctx, stores.Accounts, users.NewPasswordHasher(c.Argon2Params()), username, time.Now())
		if err != nil {
			return err
		}
		logDevSeed(seed, outbox != nil)
	}
	authService, err := newAuthService(c, stores, dispatcher, auth.WithMetrics(metrics))
	if err != nil {
		return err
	}

	options := []server.ServerOption{server.WithHealthCheck(stores.Ping)}
	if outbox != nil {
		options = append(options, server.WithOutbox(outbox))
	}
	handler, err := server.New(c, authService, options...)
	if err != nil {
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if interval, ok := c.SweepEnabled(); ok {
		go sweep(sweepCtx, authService, interval)
	}

	srv := &http.Server{
		Addr:              c.GetPort(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- listenAndServe(srv) }()

	select {
	case err := <-errCh:
		return err
	case <-waitForStopSignal():
	}
	return shutdown(srv)
}

func setupLogging(c *config.Config) {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// newDispatcher returns the code dispatcher, and the outbox when codes stay in memory.
func newDispatcher(c *config.Config) (mfa.Dispatcher, *dispatch.Outbox) {
	if c.Dispatch == config.DispatchOutbox {
		outbox := dispatch.NewOutbox()
		log.Warn().Str("route", server.RouteDevOutbox).Msg("MFA codes are held in the dev outbox, not delivered")
		return outbox, outbox
	}
	return dispatch.Router{
		users.MFEmail: dispatch.NewSMTPMailer(c.SMTPConfig()),
		users.MFTSms:  dispatch.NewSMSGateway(c.SMSAPIKey, c.SMSBaseURL, c.SMSSender),
	}, nil
}

func newAuthService(c *config.Config, stores *store.Stores, dispatcher mfa.Dispatcher, options ...auth.ServiceOption) (*auth.Service, error) {
	storeCfg := c.StoreConfig()
	hasher := users.NewPasswordHasher(c.Argon2Params())

	creds, err := credentials.NewVerifier(stores.Accounts, hasher, c.CredentialsConfig(), credentials.WithStoreConfig(storeCfg))
	if err != nil {
		return nil, err
	}

	codeHasher, err := mfa.NewCodeHasher([]byte(c.CodePepper))
	if err != nil {
		return nil, err
	}
	strategies := mfa.DefaultStrategies(codeHasher, c.CodeLength, c.TOTPConfig())
	issuer, err := mfa.NewIssuer(stores.Challenges, strategies, codeHasher, dispatcher, c.IssuerConfig(), mfa.WithStoreConfig(storeCfg))
	if err != nil {
		return nil, err
	}
	verifier, err := mfa.NewVerifier(stores.Challenges, stores.Accounts, strategies, mfa.WithStoreConfig(storeCfg))
	if err != nil {
		return nil, err
	}

	sessionIssuer, err := sessions.NewIssuer(stores.Sessions, c.SessionConfig(), sessions.WithStoreConfig(storeCfg))
	if err != nil {
		return nil, err
	}
	refs, err := auth.NewRefSigner([]byte(c.ChallengeRefSecret), c.AppName)
	if err != nil {
		return nil, err
	}

	return auth.NewService(auth.Components{
		Credentials: creds,
		Challenges:  issuer,
		Codes:       verifier,
		Sessions:    sessionIssuer,
		Refs:        refs,
	}, options...)
}

// sweep removes expired challenges and sessions every interval until ctx ends.
func sweep(ctx context.Context, svc *auth.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := svc.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("sweep failed")
			}
			if res.Challenges > 0 || res.Sessions > 0 {
				log.Info().Int("challenges", res.Challenges).Int("sessions", res.Sessions).Msg("swept expired records")
			}
		}
	}
}

func listenAndServe(server *http.Server) error {
	log.Info().Msgf("Server listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
