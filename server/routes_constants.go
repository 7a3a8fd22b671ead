package server

// Route path constants
const (
	RouteLogin     = "/login"
	RouteVerifyMFA = "/verify-mfa"
	RouteLogout    = "/logout"
	RouteSession   = "/session"
	RouteHealth    = "/healthz"
	RouteDevOutbox = "/dev/outbox/{userID}"
)
