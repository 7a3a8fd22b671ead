package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/jrsteele09/go-mfa-server/auth"
	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/sessions"
)

const contentTypeJSON = "application/json"

const (
	msgUnexpected      = "An unexpected error occurred."
	msgTooManyRequests = "Too many requests. Please slow down."
	msgMissingToken    = "A bearer token is required."
	msgBadBody         = "Invalid request body."
	msgBodyTooLarge    = "Request body too large."
)

// mfaResponse is the body of every login-flow response.
type mfaResponse struct {
	MFARequired       bool       `json:"mfaRequired"`
	Message           string     `json:"message"`
	ChallengeRef      string     `json:"challengeRef,omitempty"`
	Method            string     `json:"method,omitempty"`
	SessionToken      string     `json:"sessionToken,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	AttemptsRemaining *int       `json:"attemptsRemaining,omitempty"`
}

type sessionResponse struct {
	Status    string     `json:"status"`
	UserID    string     `json:"userId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type loginBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type verifyBody struct {
	ChallengeRef string `json:"challengeRef"`
	UserID       string `json:"userId"`
	MFACode      string `json:"mfaCode"`
}

// LoginHandler checks the first factor and starts the second.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body loginBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeBodyError(w, err)
			return
		}

		res, err := s.auth.Login(r.Context(), auth.LoginRequest{Username: body.Username, Password: body.Password})
		if err != nil {
			s.writeError(w, r, err, auth.MsgInvalidCredentials)
			return
		}

		expiresAt := res.ExpiresAt
		writeJSON(w, http.StatusOK, mfaResponse{
			MFARequired:  true,
			Message:      res.Message,
			ChallengeRef: res.ChallengeRef,
			Method:       string(res.Method),
			ExpiresAt:    &expiresAt,
		})
	}
}

// VerifyMFAHandler accepts JSON or a urlencoded form.
func (s *Server) VerifyMFAHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body verifyBody
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "application/x-www-form-urlencoded" {
			if err := r.ParseForm(); err != nil {
				writeBodyError(w, err)
				return
			}
			body = verifyBody{
				ChallengeRef: r.PostFormValue("challengeRef"),
				UserID:       r.PostFormValue("userId"),
				MFACode:      r.PostFormValue("mfaCode"),
			}
		} else if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeBodyError(w, err)
			return
		}

		res, err := s.auth.VerifyMFA(r.Context(), auth.VerifyRequest{
			ChallengeRef: body.ChallengeRef,
			UserID:       body.UserID,
			Code:         body.MFACode,
		})
		if err != nil {
			s.writeError(w, r, err, auth.MsgVerifyFailed)
			return
		}

		if res.MFARequired {
			remaining := res.AttemptsRemaining
			writeJSON(w, http.StatusUnauthorized, mfaResponse{
				MFARequired:       true,
				Message:           res.Message,
				AttemptsRemaining: &remaining,
			})
			return
		}
		expiresAt := res.ExpiresAt
		writeJSON(w, http.StatusOK, mfaResponse{
			Message:      res.Message,
			SessionToken: res.SessionToken,
			ExpiresAt:    &expiresAt,
		})
	}
}

func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.Logout(r.Context(), tokenFromContext(r.Context())); err != nil {
			s.writeError(w, r, err, msgUnexpected)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := s.auth.Session(r.Context(), tokenFromContext(r.Context()))
		if err != nil {
			s.writeError(w, r, err, msgUnexpected)
			return
		}
		if v.Status != sessions.Valid {
			writeJSON(w, http.StatusUnauthorized, sessionResponse{Status: v.Status.String()})
			return
		}
		expiresAt := v.ExpiresAt
		writeJSON(w, http.StatusOK, sessionResponse{
			Status:    v.Status.String(),
			UserID:    v.UserID,
			ExpiresAt: &expiresAt,
		})
	}
}

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.health != nil {
			if err := s.health(r.Context()); err != nil {
				s.logger.Error().Err(err).Msg("health check failed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// DevOutboxHandler returns the last code the development outbox holds for a user.
func (s *Server) DevOutboxHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, ok := s.outbox.Last(r.PathValue("userID"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "empty"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"code": code})
	}
}

// writeError maps the error classes onto status codes. rejectMsg is the
// generic message for ErrRejected on this route.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, rejectMsg string) {
	var ve *apperrors.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, mfaResponse{Message: ve.Message})
	case apperrors.Is(err, apperrors.ErrRejected):
		writeJSON(w, http.StatusUnauthorized, mfaResponse{Message: rejectMsg})
	case apperrors.Is(err, apperrors.ErrLocked):
		setRetryAfter(w, err)
		writeJSON(w, http.StatusLocked, mfaResponse{Message: auth.MsgLocked})
	case apperrors.Is(err, apperrors.ErrRateLimited):
		setRetryAfter(w, err)
		writeJSON(w, http.StatusTooManyRequests, mfaResponse{Message: auth.MsgRateLimited})
	case apperrors.Is(err, apperrors.ErrTransient):
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("backing store unavailable")
		writeJSON(w, http.StatusServiceUnavailable, mfaResponse{Message: auth.MsgUnavailable})
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, mfaResponse{Message: msgUnexpected})
	}
}

func setRetryAfter(w http.ResponseWriter, err error) {
	if d, ok := apperrors.RetryAfter(err); ok {
		w.Header().Set("Retry-After", retryAfterSeconds(d))
	}
}

func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, mfaResponse{Message: msgBodyTooLarge})
		return
	}
	writeJSON(w, http.StatusBadRequest, mfaResponse{Message: msgBadBody})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
