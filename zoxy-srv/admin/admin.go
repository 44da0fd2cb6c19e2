// Package admin serves a small JSON API to inspect the proxy and to replace
// its routing tables while it is running.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codefionn/zoxy/zoxy-srv/config"
	"github.com/codefionn/zoxy/zoxy-srv/logger"
	"github.com/codefionn/zoxy/zoxy-srv/routing"
	"github.com/codefionn/zoxy/zoxy-srv/stats"
)

const (
	// SessionCookieName is the cookie set on login next to the returned token
	SessionCookieName = "zoxy_admin_session"
	// DefaultTokenTTL applies when no token lifetime is configured
	DefaultTokenTTL = time.Hour

	defaultEventLimit = 100
	maxEventLimit     = 1000
	maxBodyBytes      = 1 << 20
)

// Proxy is what the admin API needs from the proxy server.
type Proxy interface {
	AllowedAccesses() []config.AccessEntry
	SetAllowedAccesses(entries []config.AccessEntry) error
	BlockedAccesses() []config.AccessEntry
	SetBlockedAccesses(entries []config.AccessEntry) error
	Forwarding() []config.ForwardEntry
	SetForwarding(entries []config.ForwardEntry) error
	LoadBalancing() config.LoadBalancing
	SetLoadBalancing(cfg config.LoadBalancing) error
	LoadBalancerState() routing.LoadBalancerState
	BlockedDomains() []string
	SetDomainBlocklist(domains []string)
	Collector() stats.Collector
}

// Status is the response of GET /api/status.
type Status struct {
	Uptime          string                    `json:"uptime"`
	Overview        *stats.OverviewStats      `json:"overview"`
	LoadBalancer    routing.LoadBalancerState `json:"load_balancer"`
	AllowedAccesses int                       `json:"allowed_accesses"`
	BlockedAccesses int                       `json:"blocked_accesses"`
	Forwarding      int                       `json:"forwarding"`
	BlockedDomains  int                       `json:"blocked_domains"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the admin HTTP API.
type Server struct {
	config    config.AdminConfig
	proxy     Proxy
	jwtSecret []byte
	tokenTTL  time.Duration
	startTime time.Time

	httpServer *http.Server
}

// NewServer creates the admin API for proxy. Every instance signs its tokens
// with a fresh random secret, so tokens do not survive a restart.
func NewServer(cfg config.AdminConfig, proxy Proxy) *Server {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		secret = fmt.Appendf(nil, "zoxy-admin-%d", time.Now().UnixNano())
	}

	ttl := time.Duration(cfg.TokenTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	s := &Server{
		config:    cfg,
		proxy:     proxy,
		jwtSecret: secret,
		tokenTTL:  ttl,
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if !s.requiresAuthentication() {
		logger.Warn("Admin API has no credentials configured, authentication is disabled")
	}
	return s
}

// ListenAndServe serves the API on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", s.config.ListenAddress, err)
	}
	return s.Serve(ln)
}

// Serve serves the API on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	logger.Info("Admin API: %s", ln.Addr())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the API, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP handles admin API requests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.Debug("Admin request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)

	if r.URL.Path == "/api/login" {
		s.serveLogin(w, r)
		return
	}

	if s.requiresAuthentication() && !s.isAuthenticated(r) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	switch r.URL.Path {
	case "/api/logout":
		s.serveLogout(w, r)
	case "/api/health":
		s.serveHealth(w, r)
	case "/api/status":
		s.serveStatus(w, r)
	case "/api/security-events":
		s.serveSecurityEvents(w, r)
	case "/api/allowed-accesses":
		serveTable(w, r, s.proxy.AllowedAccesses, s.proxy.SetAllowedAccesses)
	case "/api/blocked-accesses":
		serveTable(w, r, s.proxy.BlockedAccesses, s.proxy.SetBlockedAccesses)
	case "/api/forwarding":
		serveTable(w, r, s.proxy.Forwarding, s.proxy.SetForwarding)
	case "/api/load-balancing":
		serveTable(w, r, s.proxy.LoadBalancing, s.proxy.SetLoadBalancing)
	case "/api/blocked-domains":
		serveTable(w, r, s.proxy.BlockedDomains, func(domains []string) error {
			s.proxy.SetDomainBlocklist(domains)
			return nil
		})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// serveTable answers GET with the current value and replaces it on PUT.
func serveTable[T any](w http.ResponseWriter, r *http.Request, get func() T, set func(T) error) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, get())
	case http.MethodPut:
		var value T
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&value); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
			return
		}
		if err := set(value); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Info("Admin API replaced %s from %s", r.URL.Path, r.RemoteAddr)
		writeJSON(w, get())
	default:
		w.Header().Set("Allow", "GET, PUT")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	overview, err := s.proxy.Collector().GetOverviewStats(r.Context())
	if err != nil {
		logger.Error("Failed to load overview stats: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}

	writeJSON(w, Status{
		Uptime:          time.Since(s.startTime).Round(time.Second).String(),
		Overview:        overview,
		LoadBalancer:    s.proxy.LoadBalancerState(),
		AllowedAccesses: len(s.proxy.AllowedAccesses()),
		BlockedAccesses: len(s.proxy.BlockedAccesses()),
		Forwarding:      len(s.proxy.Forwarding()),
		BlockedDomains:  len(s.proxy.BlockedDomains()),
	})
}

func (s *Server) serveSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.proxy.Collector().GetSecurityEvents(r.Context(), limit)
	if err != nil {
		logger.Error("Failed to get security events: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load security events")
		return
	}
	if events == nil {
		events = []stats.SecurityEventInfo{}
	}
	writeJSON(w, events)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.proxy.Collector().HealthCheck(r.Context()); err != nil {
		logger.Warn("Statistics health check failed: %v", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) serveLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	logger.Debug("Login attempt for username: %s from %s", req.Username, r.RemoteAddr)

	// Constant-time comparison to prevent timing attacks
	usernameMatch := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.config.Username)) == 1
	passwordMatch := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.config.Password)) == 1
	if !s.requiresAuthentication() || !usernameMatch || !passwordMatch {
		logger.Warn("Failed login attempt for username: %s from %s", req.Username, r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token, expiresAt, err := s.createJWTSession(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   int(s.tokenTTL.Seconds()),
		SameSite: http.SameSiteStrictMode,
	})
	logger.Info("Successful login for username: %s from %s", req.Username, r.RemoteAddr)
	writeJSON(w, loginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) serveLogout(w http.ResponseWriter, r *http.Request) {
	logger.Info("User logged out from %s", r.RemoteAddr)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// requiresAuthentication checks if both username and password are configured
func (s *Server) requiresAuthentication() bool {
	return s.config.Username != "" && s.config.Password != ""
}

// isAuthenticated accepts a bearer token or the session cookie.
func (s *Server) isAuthenticated(r *http.Request) bool {
	tokenString := ""
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, value, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return false
		}
		tokenString = strings.TrimSpace(value)
	} else if cookie, err := r.Cookie(SessionCookieName); err == nil {
		tokenString = cookie.Value
	}
	if tokenString == "" {
		return false
	}

	token, err := s.parseJWTToken(tokenString)
	if err != nil {
		logger.Debug("JWT token validation failed: %v", err)
		return false
	}
	return token.Valid
}

// parseJWTToken parses and validates a JWT token
func (s *Server) parseJWTToken(tokenString string) (*jwt.Token, error) {
	return jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			logger.Warn("Unexpected JWT signing method: %v", token.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
}

func (s *Server) createJWTSession(username string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.tokenTTL)
	claims := jwt.MapClaims{
		"username": username,
		"exp":      expiresAt.Unix(),
		"iat":      now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		logger.Error("Failed to sign JWT token: %v", err)
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// writeJSON writes a JSON response with proper error handling
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: msg}); err != nil {
		logger.Debug("Failed to encode error response: %v", err)
	}
}
