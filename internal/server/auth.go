package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/basket/runplane/internal/audit"
	"github.com/basket/runplane/internal/forward"
)

// credKind classifies an accepted credential.
type credKind int

const (
	credNone credKind = iota
	// credRunner is the long-lived control token held by the run's own
	// runner process. Full privilege.
	credRunner
	// credSession is a short-lived token issued to a loopback UI.
	credSession
)

// runnerOnlyEndpoints are rejected for session credentials even when the
// credential is otherwise valid: a UI may approve and dismiss, never mint
// nonces or forge delegation state.
var runnerOnlyEndpoints = map[string]struct{}{
	"/confirmations/issue":   {},
	"/confirmations/consume": {},
	"/confirmations/validate": {},
	"/delegation/register":   {},
	"/questions/enqueue":     {},
	"/security/violation":    {},
}

// extractCredential pulls the bearer value from the Authorization header,
// falling back to the token query parameter for EventSource clients that
// cannot set headers.
func extractCredential(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// classifyCredential validates the presented value against the control
// token (constant time) and then the session store.
func (s *Server) classifyCredential(presented string) credKind {
	if presented == "" {
		return credNone
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.controlToken)) == 1 {
		return credRunner
	}
	s.mu.Lock()
	ok := s.sessions.Validate(presented)
	s.mu.Unlock()
	if ok {
		return credSession
	}
	return credNone
}

// authenticate enforces bearer auth and, for mutating requests, the CSRF
// double-submit header. On failure it writes the response and returns
// credNone.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) credKind {
	presented := extractCredential(r)
	kind := s.classifyCredential(presented)
	if kind == credNone {
		s.rejectAuth(w, r, http.StatusUnauthorized, "unauthorized")
		return credNone
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		csrf := r.Header.Get(forward.CSRFHeader)
		if subtle.ConstantTimeCompare([]byte(csrf), []byte(presented)) != 1 {
			s.rejectAuth(w, r, http.StatusForbidden, "csrf_invalid")
			return credNone
		}
	}
	return kind
}

// requireRunner rejects session credentials on runner-only endpoints.
func (s *Server) requireRunner(w http.ResponseWriter, r *http.Request, kind credKind) bool {
	if _, restricted := runnerOnlyEndpoints[r.URL.Path]; !restricted {
		return true
	}
	if kind != credRunner {
		s.rejectAuth(w, r, http.StatusForbidden, "runner_only")
		return false
	}
	return true
}

func (s *Server) rejectAuth(w http.ResponseWriter, r *http.Request, status int, code string) {
	s.metrics.AuthRejections.Add(r.Context(), 1)
	audit.Record(code, "http", "rejected "+r.Method+" "+r.URL.Path, "")
	writeError(w, status, code)
}

// sessionBootstrapAllowed gates /auth/session: socket must be loopback,
// Host must be allow-listed, and non-GET requests must carry an
// allow-listed Origin. GET may omit Origin to support plain page loads,
// but a present Origin is always checked.
func (s *Server) sessionBootstrapAllowed(r *http.Request) bool {
	if !isLoopbackAddr(r.RemoteAddr) {
		return false
	}
	allowed := s.cfg.AllowedHostSet()
	if !hostAllowed(r.Host, allowed) {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return r.Method == http.MethodGet
	}
	return originAllowed(origin, allowed)
}

func isLoopbackAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

func hostAllowed(hostHeader string, allowed map[string]struct{}) bool {
	host := hostHeader
	if h, _, err := net.SplitHostPort(hostHeader); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	_, ok := allowed[host]
	if !ok {
		// IPv6 hosts may appear bracketed in the allow-list.
		_, ok = allowed["["+host+"]"]
	}
	return ok
}

func originAllowed(origin string, allowed map[string]struct{}) bool {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	if _, ok := allowed[host]; ok {
		return true
	}
	_, ok := allowed["["+host+"]"]
	return ok
}
