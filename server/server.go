package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-mfa-server/auth"
	"github.com/jrsteele09/go-mfa-server/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// HealthCheck reports whether the backing stores are reachable.
type HealthCheck func(ctx context.Context) error

// OutboxReader exposes codes held by the development outbox.
type OutboxReader interface {
	Last(userID string) (string, bool)
}

type Server struct {
	env     string // DEV, PROD, ...
	mux     *http.ServeMux
	routes  []string
	config  *config.Config
	auth    *auth.Service
	health  HealthCheck
	limiter *ipLimiter
	outbox  OutboxReader // DEV only
	logger  zerolog.Logger
}

type ServerOption func(*Server)

func WithHealthCheck(check HealthCheck) ServerOption {
	return func(s *Server) {
		s.health = check
	}
}

// WithOutbox exposes the development outbox on RouteDevOutbox. It is ignored
// outside DEV.
func WithOutbox(outbox OutboxReader) ServerOption {
	return func(s *Server) {
		s.outbox = outbox
	}
}

func WithLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func New(cfg *config.Config, authService *auth.Service, options ...ServerOption) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("[Server New] config is required")
	}
	if authService == nil {
		return nil, fmt.Errorf("[Server New] auth service is required")
	}

	s := &Server{
		env:     cfg.Env,
		mux:     http.NewServeMux(),
		config:  cfg,
		auth:    authService,
		limiter: newIPLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		logger:  log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}

	s.initRoutes()
	s.logRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != config.EnvDev {
		return
	}
	for _, route := range s.routes {
		method, path, ok := strings.Cut(route, " ")
		if !ok {
			method, path = "", route
		}
		s.logger.Info().Msgf("[%-19s] %s", colourMethod(method), path)
	}
}

func colourMethod(method string) string {
	padded := fmt.Sprintf(" %-7s", method)
	if color, ok := methodColors[method]; ok {
		return color + padded + ResetColor
	}
	return Gray + padded + ResetColor
}
