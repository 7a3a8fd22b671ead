package server

import (
	"net/http"

	"github.com/jrsteele09/go-mfa-server/internal/config"
)

func (s *Server) initRoutes() {
	// Login flow, rate limited per client address
	s.RegisterRouteHandler("POST "+RouteLogin, ChainMiddleware(s.LoginHandler(), s.AuthMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteVerifyMFA, ChainMiddleware(s.VerifyMFAHandler(), s.AuthMiddleware()...))

	// Session routes
	s.RegisterRouteHandler("POST "+RouteLogout, ChainMiddleware(s.LogoutHandler(), s.APIMiddleware(s.RequireBearerToken)...))
	s.RegisterRouteHandler("GET "+RouteSession, ChainMiddleware(s.SessionHandler(), s.APIMiddleware(s.RequireBearerToken)...))

	s.RegisterRouteHandler("GET "+RouteHealth, ChainMiddleware(s.HealthHandler(), s.RecoverMiddleware))

	if s.outbox != nil && s.env == config.EnvDev {
		s.RegisterRouteHandler("GET "+RouteDevOutbox, ChainMiddleware(s.DevOutboxHandler(), s.APIMiddleware()...))
	}

	// CORS preflight
	s.RegisterRouteHandler("OPTIONS /", ChainMiddleware(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, s.APIMiddleware()...))
}
