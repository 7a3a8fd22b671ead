package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-mfa-server/credentials"
	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/internal/telemetry"
	"github.com/jrsteele09/go-mfa-server/mfa"
	"github.com/jrsteele09/go-mfa-server/sessions"
	"github.com/jrsteele09/go-mfa-server/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// User-facing messages. None of them says which factor failed or whether the
// account exists.
const (
	MsgCodeSent           = "MFA code sent to registered device."
	MsgCodeFromApp        = "Enter the code from your authenticator app."
	MsgInvalidCredentials = "Invalid username or password."
	MsgInvalidLogin       = "Invalid login request parameters."
	MsgEmptyCode          = "MFA code cannot be empty."
	MsgMissingChallenge   = "A challenge reference or user id is required."
	MsgVerified           = "MFA verification successful."
	MsgInvalidCode        = "Invalid MFA code."
	MsgVerifyFailed       = "MFA verification failed. Please log in again."
	MsgLocked             = "Too many failed attempts. Try again later."
	MsgRateLimited        = "Please wait before requesting a new code."
	MsgUnavailable        = "Service temporarily unavailable. Please try again."
)

const (
	maxUsernameLen = 256
	maxPasswordLen = 1024
	maxCodeLen     = 16
)

// Components holds the collaborators of the Service.
type Components struct {
	Credentials *credentials.Verifier // First factor
	Challenges  *mfa.Issuer           // Issues second-factor challenges
	Codes       *mfa.Verifier         // Checks second-factor codes
	Sessions    *sessions.Issuer      // Mints sessions after both factors
	Refs        *RefSigner            // Signs challenge references
}

// Service drives a login through AwaitingCredentials, AwaitingMfa and
// Authenticated. It keeps no state of its own between calls.
type Service struct {
	c       Components
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

type ServiceOption func(*Service)

// WithMetrics reports login, verification and session counts to m.
func WithMetrics(m *telemetry.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

func NewService(c Components, options ...ServiceOption) (*Service, error) {
	if c.Credentials == nil {
		return nil, apperrors.New("[NewService] Credentials verifier is required")
	}
	if c.Challenges == nil {
		return nil, apperrors.New("[NewService] Challenges issuer is required")
	}
	if c.Codes == nil {
		return nil, apperrors.New("[NewService] Codes verifier is required")
	}
	if c.Sessions == nil {
		return nil, apperrors.New("[NewService] Sessions issuer is required")
	}
	if c.Refs == nil {
		return nil, apperrors.New("[NewService] Refs signer is required")
	}

	s := &Service{c: c, logger: log.Logger}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

type LoginRequest struct {
	Username string
	Password string
}

type LoginResult struct {
	State        State
	Message      string
	ChallengeRef string
	Method       users.MFAuthType
	ExpiresAt    time.Time
}

// Login checks the password and, if it matches, issues the second-factor
// challenge. Failures are returned as errors: ErrValidation, ErrRejected,
// ErrLocked and ErrRateLimited (both with a retry hint) or ErrTransient.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" || len(username) > maxUsernameLen || len(req.Password) > maxPasswordLen {
		return nil, apperrors.Validation(MsgInvalidLogin)
	}

	res, err := s.c.Credentials.Verify(ctx, username, req.Password)
	if err != nil {
		return nil, apperrors.Wrapf(err, "[Login] credentials")
	}

	next, err := Transition(AwaitingCredentials, credentialEvent(res.Status))
	if err != nil {
		return nil, err
	}
	switch next {
	case Locked:
		s.metrics.Login(ctx, next.String())
		return nil, apperrors.Locked(res.RetryAfter)
	case Rejected:
		s.metrics.Login(ctx, next.String())
		return nil, apperrors.Wrapf(apperrors.ErrRejected, "[Login]")
	}

	acct := res.Account
	if acct.MFType == users.MFNone {
		s.metrics.Login(ctx, Rejected.String())
		s.logger.Warn().Str("user_id", acct.ID).Msg("login refused: account has no second factor enrolled")
		return nil, apperrors.Wrapf(apperrors.ErrRejected, "[Login] no second factor")
	}

	handle, err := s.c.Challenges.Issue(ctx, acct)
	if err != nil {
		return nil, apperrors.Wrapf(err, "[Login] issue challenge")
	}
	ref, err := s.c.Refs.Sign(ChallengeRef{UserID: acct.ID, ChallengeID: handle.ChallengeID, ExpiresAt: handle.ExpiresAt})
	if err != nil {
		return nil, err
	}

	s.metrics.Login(ctx, next.String())
	msg := MsgCodeSent
	if !handle.Dispatched {
		msg = MsgCodeFromApp
	}
	return &LoginResult{
		State:        next,
		Message:      msg,
		ChallengeRef: ref,
		Method:       handle.Method,
		ExpiresAt:    handle.ExpiresAt,
	}, nil
}

type VerifyRequest struct {
	ChallengeRef string // Preferred
	UserID       string // Used when ChallengeRef is empty
	Code         string
}

type VerifyResult struct {
	State             State
	Message           string
	MFARequired       bool // True while another attempt is allowed
	AttemptsRemaining int
	SessionToken      string
	ExpiresAt         time.Time
}

// VerifyMFA checks the second factor. A wrong code with attempts left returns
// a result in AwaitingMfa; every terminal failure returns ErrRejected.
func (s *Service) VerifyMFA(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, apperrors.Validation(MsgEmptyCode)
	}
	if len(code) > maxCodeLen {
		return nil, apperrors.Validation(MsgInvalidCode)
	}

	userID, challengeID := strings.TrimSpace(req.UserID), ""
	if req.ChallengeRef != "" {
		ref, err := s.c.Refs.Parse(req.ChallengeRef)
		if err != nil {
			outcome := "bad_reference"
			if errors.Is(err, jwtlib.ErrTokenExpired) {
				outcome = mfa.Expired.String()
				s.expireChallenge(ctx, ref)
			}
			s.metrics.MFA(ctx, outcome)
			s.logger.Info().Err(err).Str("outcome", outcome).Msg("challenge reference rejected")
			return nil, apperrors.Wrapf(apperrors.ErrRejected, "[VerifyMFA] challenge reference")
		}
		userID, challengeID = ref.UserID, ref.ChallengeID
	}
	if userID == "" {
		return nil, apperrors.Validation(MsgMissingChallenge)
	}

	res, err := s.c.Codes.Verify(ctx, userID, challengeID, code)
	if err != nil {
		return nil, apperrors.Wrapf(err, "[VerifyMFA] verify")
	}
	s.metrics.MFA(ctx, res.Outcome.String())
	next, err := Transition(AwaitingMfa, mfaEvent(res.Outcome))
	if err != nil {
		return nil, err
	}

	switch next {
	case AwaitingMfa:
		return &VerifyResult{
			State:             next,
			Message:           MsgInvalidCode,
			MFARequired:       true,
			AttemptsRemaining: res.AttemptsRemaining,
		}, nil
	case Rejected:
		return nil, apperrors.Wrapf(apperrors.ErrRejected, "[VerifyMFA] %s", res.Outcome)
	}

	token, session, err := s.c.Sessions.Issue(ctx, userID)
	if err != nil {
		return nil, apperrors.Wrapf(err, "[VerifyMFA] issue session")
	}
	s.metrics.SessionIssued(ctx)
	if err := s.c.Credentials.ResetFailures(ctx, userID); err != nil {
		// The login stands; the counter is cleared on the next full login.
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to reset login failures")
	}
	s.logger.Info().Str("user_id", userID).Str("state", next.String()).Msg("login complete")
	return &VerifyResult{
		State:        next,
		Message:      MsgVerified,
		SessionToken: token,
		ExpiresAt:    session.ExpiresAt,
	}, nil
}

// expireChallenge retires the challenge behind an expired reference so that
// it reads as expired however it is addressed next.
func (s *Service) expireChallenge(ctx context.Context, ref ChallengeRef) {
	if ref.UserID == "" {
		return
	}
	if _, err := s.c.Codes.Expire(ctx, ref.UserID, ref.ChallengeID); err != nil {
		s.logger.Error().Err(err).Str("user_id", ref.UserID).Msg("failed to retire expired challenge")
	}
}

// Logout revokes the session behind token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.c.Sessions.Revoke(ctx, token)
}

func (s *Service) Session(ctx context.Context, token string) (sessions.Validation, error) {
	return s.c.Sessions.Validate(ctx, token)
}

// SweepResult counts records removed by Sweep.
type SweepResult struct {
	Challenges int
	Sessions   int
}

// Sweep removes expired challenges and sessions. Expiry is enforced on read
// regardless; this only reclaims storage.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errs []error

	n, err := s.c.Challenges.Sweep(ctx)
	res.Challenges = n
	if err != nil {
		errs = append(errs, apperrors.Wrapf(err, "[Sweep] challenges"))
	}
	n, err = s.c.Sessions.Sweep(ctx)
	res.Sessions = n
	if err != nil {
		errs = append(errs, apperrors.Wrapf(err, "[Sweep] sessions"))
	}
	return res, errors.Join(errs...)
}
