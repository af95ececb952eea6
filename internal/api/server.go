package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.io/infrasutra/mailexport/internal/auth"
	"github.io/infrasutra/mailexport/internal/config"
	"github.io/infrasutra/mailexport/internal/graph"
	"github.io/infrasutra/mailexport/internal/identity"
	"github.io/infrasutra/mailexport/internal/mailbox"
	"github.io/infrasutra/mailexport/internal/pagination"
	"github.io/infrasutra/mailexport/internal/store"
	webassets "github.io/infrasutra/mailexport/web"
)

const loginRequired = "login_required"

type IdentityProvider interface {
	AuthCodeURL(ctx context.Context, tokens identity.TokenStore, redirectURI, state string) (string, error)
	CompleteLogin(ctx context.Context, tokens identity.TokenStore, code, redirectURI string) (identity.Identity, error)
	Token(ctx context.Context, tokens identity.TokenStore, accountID string) (string, error)
	LogoutURL(postLogoutRedirect string) string
}

type PeopleSearcher interface {
	SearchPeople(ctx context.Context, token, query string) ([]graph.Contact, error)
}

type MailboxLister interface {
	ListMessages(ctx context.Context, token, address string, limit int) (*mailbox.Listing, error)
}

type ArchiveBuilder interface {
	BuildBytes(ctx context.Context, token string, listing *mailbox.Listing) ([]byte, error)
}

// Services are the collaborators behind the HTTP endpoints.
type Services struct {
	Identity IdentityProvider
	People   PeopleSearcher
	Mailbox  MailboxLister
	Archive  ArchiveBuilder
}

type Server struct {
	cfg      config.Config
	sessions *store.Store
	auth     *auth.Manager
	services Services
	logger   *slog.Logger
	mux      *http.ServeMux
	handler  http.Handler
	staticFS fs.FS
	staticOK bool
	now      func() time.Time
}

func NewServer(cfg config.Config, sessions *store.Store, authManager *auth.Manager, services Services, logger *slog.Logger) *Server {
	staticFS, err := webassets.Dist()
	staticOK := err == nil
	if err != nil {
		logger.Warn("ui assets not embedded", "error", err)
	}
	server := &Server{
		cfg:      cfg,
		sessions: sessions,
		auth:     authManager,
		services: services,
		logger:   logger,
		staticFS: staticFS,
		staticOK: staticOK,
		now:      time.Now,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/me", server.handleMe)
	mux.HandleFunc("/api/people/search", server.handlePeopleSearch)
	mux.HandleFunc("/api/messages", server.handleMessages)
	mux.HandleFunc("/api/messages/download", server.handleDownload)
	server.mux = mux
	server.handler = server.withRequestLogging(server.withRecovery(http.HandlerFunc(server.route)))
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	if strings.HasPrefix(p, "/api/") {
		s.mux.ServeHTTP(w, r)
		return
	}
	switch p {
	case "/health":
		s.handleHealth(w, r)
	case "/ready":
		s.handleReady(w, r)
	case "/login":
		s.handleLogin(w, r)
	case "/logout":
		s.handleLogout(w, r)
	case s.cfg.RedirectPath:
		s.handleCallback(w, r)
	default:
		s.serveStatic(w, r)
	}
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	if !s.staticOK {
		s.respondText(w, http.StatusNotFound, "UI not embedded.")
		return
	}

	cleaned := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if cleaned == "" || cleaned == "index.html" {
		if session, ok := s.currentSession(r); !ok || session.User == nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		cleaned = "index.html"
	}

	if s.serveEmbeddedFile(w, r, cleaned) {
		return
	}
	http.NotFound(w, r)
}

func (s *Server) serveEmbeddedFile(w http.ResponseWriter, r *http.Request, name string) bool {
	file, err := s.staticFS.Open(name)
	if err != nil {
		return false
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.IsDir() {
		return false
	}

	if seeker, ok := file.(io.ReadSeeker); ok {
		http.ServeContent(w, r, info.Name(), info.ModTime(), seeker)
		return true
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return false
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), bytes.NewReader(data))
	return true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	now := s.now()

	session, ok := s.currentSession(r)
	if !ok {
		created, err := s.sessions.CreateSession(ctx, now)
		if err != nil {
			s.requestLogger(r).Error("create session", "error", err)
			s.respondError(w, http.StatusInternalServerError, "unable to create session")
			return
		}
		session = created
		token, err := s.auth.Issue(session.ID, now)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, "unable to create session")
			return
		}
		s.setSessionCookie(w, token, now)
	}

	state, err := auth.NewState()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "unable to start login")
		return
	}
	if err := s.sessions.SaveAuthState(ctx, session.ID, state, now); err != nil {
		s.requestLogger(r).Error("save auth state", "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to start login")
		return
	}

	authURL, err := s.services.Identity.AuthCodeURL(ctx, s.sessions.TokenCache(session.ID), s.redirectURI(r), state)
	if err != nil {
		s.requestLogger(r).Error("build authorization url", "error", err)
		s.respondError(w, http.StatusBadGateway, "unable to start login")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	q := r.URL.Query()

	session, ok := s.currentSession(r)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "login session not found")
		return
	}
	if errCode := q.Get("error"); errCode != "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{
			"error":             errCode,
			"error_description": q.Get("error_description"),
		})
		return
	}
	if session.AuthState == "" || q.Get("state") != session.AuthState {
		s.respondError(w, http.StatusBadRequest, "state mismatch")
		return
	}
	code := q.Get("code")
	if code == "" {
		s.respondError(w, http.StatusBadRequest, "code parameter required")
		return
	}

	id, err := s.services.Identity.CompleteLogin(ctx, s.sessions.TokenCache(session.ID), code, s.redirectURI(r))
	if err != nil {
		s.requestLogger(r).Warn("token exchange failed", "error", err)
		s.respondError(w, http.StatusBadGateway, "token exchange failed: "+err.Error())
		return
	}

	user := store.User{
		Name:     id.Name,
		Username: id.Username,
		ObjectID: id.ObjectID,
		TenantID: id.TenantID,
	}
	if err := s.sessions.SaveLogin(ctx, session.ID, user, id.AccountID, s.now()); err != nil {
		s.requestLogger(r).Error("save login", "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to save login")
		return
	}
	s.requestLogger(r).Info("user signed in", "user", id.Username)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if session, ok := s.currentSession(r); ok {
		if err := s.sessions.DeleteSession(r.Context(), session.ID); err != nil {
			s.requestLogger(r).Error("delete session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.services.Identity.LogoutURL(s.baseURL(r)+"/"), http.StatusFound)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	session, ok := s.currentSession(r)
	if !ok || session.User == nil {
		s.respondError(w, http.StatusUnauthorized, loginRequired)
		return
	}
	s.respondJSON(w, http.StatusOK, session.User)
}

func (s *Server) handlePeopleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	session, ok := s.currentSession(r)
	if !ok || session.User == nil {
		s.respondError(w, http.StatusUnauthorized, loginRequired)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if utf8.RuneCountInString(query) < graph.MinQueryLength {
		s.respondJSON(w, http.StatusOK, []graph.Contact{})
		return
	}

	token, ok := s.accessToken(w, r, session)
	if !ok {
		return
	}
	contacts, err := s.services.People.SearchPeople(r.Context(), token, query)
	if err != nil {
		s.respondUpstreamError(w, r, err, "")
		return
	}
	s.respondJSON(w, http.StatusOK, contacts)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	session, ok := s.currentSession(r)
	if !ok || session.User == nil {
		s.respondError(w, http.StatusUnauthorized, loginRequired)
		return
	}
	q := r.URL.Query()
	email, err := auth.NormalizeEmail(q.Get("email"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := pagination.GetLimit(q, pagination.WithDefaultLimit(s.cfg.MessageLimit))

	token, ok := s.accessToken(w, r, session)
	if !ok {
		return
	}
	listing, err := s.services.Mailbox.ListMessages(r.Context(), token, email, limit)
	if err != nil {
		s.respondUpstreamError(w, r, err, email)
		return
	}
	if err := s.sessions.SaveListing(r.Context(), session.ID, listing, s.now()); err != nil {
		s.requestLogger(r).Error("save listing", "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to save listing")
		return
	}

	messages := listing.Messages
	if messages == nil {
		messages = []mailbox.Summary{}
	}
	s.respondJSON(w, http.StatusOK, messages)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	session, ok := s.currentSession(r)
	if !ok || session.User == nil {
		s.respondError(w, http.StatusUnauthorized, loginRequired)
		return
	}
	if session.LastListing == nil {
		s.respondError(w, http.StatusBadRequest, "No messages to download. Fetch emails first.")
		return
	}

	token, ok := s.accessToken(w, r, session)
	if !ok {
		return
	}
	data, err := s.services.Archive.BuildBytes(r.Context(), token, session.LastListing)
	if err != nil {
		s.requestLogger(r).Error("build archive", "error", err)
		s.respondError(w, http.StatusInternalServerError, "Download failed: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="emails.zip"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Ping(r.Context()); err != nil {
		s.respondText(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

// accessToken writes a 401 and returns false when no token can be
// obtained without user interaction.
func (s *Server) accessToken(w http.ResponseWriter, r *http.Request, session store.Session) (string, bool) {
	token, err := s.services.Identity.Token(r.Context(), s.sessions.TokenCache(session.ID), session.AccountID)
	if err == nil {
		return token, true
	}
	if errors.Is(err, identity.ErrNoAccount) {
		s.requestLogger(r).Info("silent token unavailable", "error", err)
		s.respondError(w, http.StatusUnauthorized, loginRequired)
		return "", false
	}
	s.requestLogger(r).Error("acquire token", "error", err)
	s.respondError(w, http.StatusInternalServerError, "unable to acquire token")
	return "", false
}

// respondUpstreamError forwards Graph failures as {"error": <upstream body>}
// with status 200, which is what the UI expects.
func (s *Server) respondUpstreamError(w http.ResponseWriter, r *http.Request, err error, email string) {
	var apiErr *graph.APIError
	switch {
	case errors.As(err, &apiErr):
		s.requestLogger(r).Warn("graph request failed", "status", apiErr.StatusCode, "code", apiErr.Code, "kind", apiErr.Kind())
		s.respondJSON(w, http.StatusOK, map[string]json.RawMessage{"error": apiErr.Body})
	case errors.Is(err, mailbox.ErrGroupNotFound):
		s.respondJSON(w, http.StatusOK, map[string]string{"error": "No group found with email " + email})
	default:
		s.requestLogger(r).Error("graph request failed", "error", err)
		s.respondError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) currentSession(r *http.Request) (store.Session, bool) {
	cookie, err := r.Cookie(s.auth.CookieName())
	if err != nil {
		return store.Session{}, false
	}
	id, err := s.auth.Parse(cookie.Value, s.now())
	if err != nil {
		return store.Session{}, false
	}
	session, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.requestLogger(r).Error("load session", "error", err)
		}
		return store.Session{}, false
	}
	return session, true
}

func (s *Server) setSessionCookie(w http.ResponseWriter, value string, now time.Time) {
	maxAge := int(s.auth.MaxAge().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  now.Add(s.auth.MaxAge()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// baseURL is PUBLIC_URL, or the scheme and host the request arrived on.
func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return s.cfg.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	host := r.Host
	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		host = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return scheme + "://" + host
}

func (s *Server) redirectURI(r *http.Request) string {
	return s.baseURL(r) + s.cfg.RedirectPath
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}
