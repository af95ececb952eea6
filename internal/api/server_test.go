package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/mailexport/internal/auth"
	"github.io/infrasutra/mailexport/internal/config"
	"github.io/infrasutra/mailexport/internal/graph"
	"github.io/infrasutra/mailexport/internal/identity"
	"github.io/infrasutra/mailexport/internal/mailbox"
	"github.io/infrasutra/mailexport/internal/store"
)

type fakeIdentity struct {
	loginErr    error
	tokenErr    error
	gotState    string
	gotRedirect string
	gotCode     string
}

func (f *fakeIdentity) AuthCodeURL(ctx context.Context, tokens identity.TokenStore, redirectURI, state string) (string, error) {
	f.gotState = state
	f.gotRedirect = redirectURI
	return "https://login.example.com/authorize?state=" + url.QueryEscape(state), nil
}

func (f *fakeIdentity) CompleteLogin(ctx context.Context, tokens identity.TokenStore, code, redirectURI string) (identity.Identity, error) {
	f.gotCode = code
	if f.loginErr != nil {
		return identity.Identity{}, f.loginErr
	}
	if err := tokens.SaveTokenCache(ctx, []byte("cache")); err != nil {
		return identity.Identity{}, err
	}
	return identity.Identity{Name: "Ada", Username: "ada@example.com", ObjectID: "oid", TenantID: "tid", AccountID: "uid.utid"}, nil
}

func (f *fakeIdentity) Token(ctx context.Context, tokens identity.TokenStore, accountID string) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	if accountID == "" {
		return "", identity.ErrNoAccount
	}
	return "access-token", nil
}

func (f *fakeIdentity) LogoutURL(postLogoutRedirect string) string {
	return "https://login.example.com/logout?post_logout_redirect_uri=" + url.QueryEscape(postLogoutRedirect)
}

type fakePeople struct {
	calls    int
	contacts []graph.Contact
	err      error
	panics   bool
}

func (f *fakePeople) SearchPeople(ctx context.Context, token, query string) ([]graph.Contact, error) {
	f.calls++
	if f.panics {
		panic("boom")
	}
	return f.contacts, f.err
}

type fakeMailbox struct {
	listing  *mailbox.Listing
	err      error
	gotLimit int
}

func (f *fakeMailbox) ListMessages(ctx context.Context, token, address string, limit int) (*mailbox.Listing, error) {
	f.gotLimit = limit
	return f.listing, f.err
}

type fakeArchive struct {
	err        error
	gotListing *mailbox.Listing
}

func (f *fakeArchive) BuildBytes(ctx context.Context, token string, listing *mailbox.Listing) ([]byte, error) {
	f.gotListing = listing
	if f.err != nil {
		return nil, f.err
	}
	return []byte("PK-zip"), nil
}

type testEnv struct {
	server   *Server
	sessions *store.Store
	auth     *auth.Manager
	identity *fakeIdentity
	people   *fakePeople
	mailbox  *fakeMailbox
	archive  *fakeArchive
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sessions, err := store.Open(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	authManager, err := auth.New("secret", time.Hour)
	require.NoError(t, err)

	env := &testEnv{
		sessions: sessions,
		auth:     authManager,
		identity: &fakeIdentity{},
		people:   &fakePeople{},
		mailbox:  &fakeMailbox{},
		archive:  &fakeArchive{},
	}
	cfg := config.Config{RedirectPath: "/getAToken", MessageLimit: 10}
	env.server = NewServer(cfg, sessions, authManager, Services{
		Identity: env.identity,
		People:   env.people,
		Mailbox:  env.mailbox,
		Archive:  env.archive,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return env
}

// signedIn creates a session with a user and returns its cookie.
func (e *testEnv) signedIn(t *testing.T) (*http.Cookie, string) {
	t.Helper()
	ctx := context.Background()
	session, err := e.sessions.CreateSession(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, e.sessions.SaveLogin(ctx, session.ID, store.User{Name: "Ada", Username: "ada@example.com"}, "uid.utid", time.Now()))
	return e.cookie(t, session.ID), session.ID
}

func (e *testEnv) cookie(t *testing.T, sessionID string) *http.Cookie {
	t.Helper()
	token, err := e.auth.Issue(sessionID, time.Now())
	require.NoError(t, err)
	return &http.Cookie{Name: e.auth.CookieName(), Value: token}
}

func (e *testEnv) do(method, target string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestIndexRedirectsToLoginWithoutUser(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	cookie, _ := env.signedIn(t)
	rec = env.do(http.MethodGet, "/", cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Mail Export")

	rec = env.do(http.MethodGet, "/assets/app.js", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/missing.txt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoginRedirectsWithState(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "http://mail.example.com/login", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	require.NotEmpty(t, env.identity.gotState)
	assert.Equal(t, "https://login.example.com/authorize?state="+url.QueryEscape(env.identity.gotState), rec.Header().Get("Location"))
	assert.Equal(t, "http://mail.example.com/getAToken", env.identity.gotRedirect)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	id, err := env.auth.Parse(cookies[0].Value, time.Now())
	require.NoError(t, err)
	session, err := env.sessions.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, env.identity.gotState, session.AuthState)
}

func TestLoginReusesExistingSession(t *testing.T) {
	env := newTestEnv(t)
	cookie, _ := env.signedIn(t)

	rec := env.do(http.MethodGet, "/login", cookie)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
}

func startLogin(t *testing.T, env *testEnv) (*http.Cookie, string) {
	t.Helper()
	rec := env.do(http.MethodGet, "/login", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0], env.identity.gotState
}

func TestCallbackCompletesLogin(t *testing.T) {
	env := newTestEnv(t)
	cookie, state := startLogin(t, env)

	rec := env.do(http.MethodGet, "/getAToken?code=code-1&state="+url.QueryEscape(state), cookie)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	assert.Equal(t, "code-1", env.identity.gotCode)

	rec = env.do(http.MethodGet, "/api/me", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"name":"Ada","preferred_username":"ada@example.com","oid":"oid","tid":"tid"}`, rec.Body.String())

	id, err := env.auth.Parse(cookie.Value, time.Now())
	require.NoError(t, err)
	cache, err := env.sessions.LoadTokenCache(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "cache", string(cache))
}

func TestCallbackRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	cookie, state := startLogin(t, env)

	rec := env.do(http.MethodGet, "/getAToken?code=c&state=wrong", cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "state mismatch", decodeError(t, rec))

	rec = env.do(http.MethodGet, "/getAToken?error=access_denied&error_description=nope", cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "access_denied", decodeError(t, rec))

	rec = env.do(http.MethodGet, "/getAToken?state="+url.QueryEscape(state), cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/getAToken?code=c&state=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.identity.gotCode)
}

func TestCallbackSurfacesExchangeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.identity.loginErr = errors.New("invalid_grant")
	cookie, state := startLogin(t, env)

	rec := env.do(http.MethodGet, "/getAToken?code=c&state="+url.QueryEscape(state), cookie)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decodeError(t, rec), "invalid_grant")

	rec = env.do(http.MethodGet, "/api/me", cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	cookie, id := env.signedIn(t)

	rec := env.do(http.MethodGet, "http://mail.example.com/logout", cookie)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t,
		"https://login.example.com/logout?post_logout_redirect_uri="+url.QueryEscape("http://mail.example.com/"),
		rec.Header().Get("Location"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)

	_, err := env.sessions.GetSession(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUnauthenticatedAPI(t *testing.T) {
	env := newTestEnv(t)
	for _, target := range []string{"/api/me", "/api/people/search?q=ada", "/api/messages?email=a@example.com", "/api/messages/download"} {
		rec := env.do(http.MethodGet, target, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
		assert.Equal(t, "login_required", decodeError(t, rec), target)
	}
}

func TestPeopleSearch(t *testing.T) {
	env := newTestEnv(t)
	cookie, _ := env.signedIn(t)
	env.people.contacts = []graph.Contact{{DisplayName: "Ada Lovelace", Email: "ada@example.com"}}

	rec := env.do(http.MethodGet, "/api/people/search?q=a", cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Zero(t, env.people.calls)

	rec = env.do(http.MethodGet, "/api/people/search?q=ada", cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"displayName":"Ada Lovelace","email":"ada@example.com"}]`, rec.Body.String())
	assert.Equal(t, 1, env.people.calls)
}

func TestPeopleSearchForwardsUpstreamError(t *testing.T) {
	env := newTestEnv(t)
	cookie, _ := env.signedIn(t)
	env.people.err = &graph.APIError{
		StatusCode: http.StatusForbidden,
		Code:       "ErrorAccessDenied",
		Body:       json.RawMessage(`{"error":{"code":"ErrorAccessDenied","message":"denied"}}`),
	}

	rec := env.do(http.MethodGet, "/api/people/search?q=ada", cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"error":{"error":{"code":"ErrorAccessDenied","message":"denied"}}}`, rec.Body.String())
}

func TestTokenUnavailableIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	cookie, _ := env.signedIn(t)
	env.identity.tokenErr = fmt.Errorf("%w: interaction_required", identity.ErrNoAccount)

	rec := env.do(http.MethodGet, "/api/people/search?q=ada", cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "login_required", decodeError(t, rec))
}

func TestListMessagesStoresListing(t *testing.T) {
	env := newTestEnv(t)
	cookie, id := env.signedIn(t)
	env.mailbox.listing = &mailbox.Listing{
		Source:  mailbox.SourceGroup,
		Email:   "team@example.com",
		GroupID: "g-1",
		Messages: []mailbox.Summary{
			{ID: "t1", Subject: "Q3 Plan", From: "team@example.com", FromName: "Team", Preview: "plan"},
		},
	}

	rec := env.do(http.MethodGet, "/api/messages?email=Team@Example.com&limit=5", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"t1","subject":"Q3 Plan","from":"team@example.com","fromName":"Team","preview":"plan"}]`, rec.Body.String())
	assert.Equal(t, 5, env.mailbox.gotLimit)

	session, err := env.sessions.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, env.mailbox.listing, session.LastListing)
}

func TestListMessagesDefaultLimitAndEmptyResult(t *testing.T) {
	env := newTestEnv(t)
	cookie, _ := env.signedIn(t)
	env.mailbox.listing = &mailbox.Listing{Source: mailbox.SourcePersonal, Email: "ada@example.com"}

	rec := env.do(http.MethodGet, "/api/messages?email=ada@example.com", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, 10, env.mailbox.gotLimit)
}

func TestListMessagesRequiresEmail(t *testing.T) {
	env := newTestEnv(t)
	cookie, _ := env.signedIn(t)

	rec := env.do(http.MethodGet, "/api/messages", cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "email parameter required", decodeError(t, rec))
}

func TestListMessagesErrors(t *testing.T) {
	env := newTestEnv(t)
	cookie, _ := env.signedIn(t)

	env.mailbox.err = fmt.Errorf("find group: %w with email ghost@example.com", mailbox.ErrGroupNotFound)
	rec := env.do(http.MethodGet, "/api/messages?email=ghost@example.com", cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "No group found with email ghost@example.com", decodeError(t, rec))

	env.mailbox.err = fmt.Errorf("list messages: %w", &graph.APIError{
		StatusCode: http.StatusNotFound,
		Code:       "ErrorInvalidUser",
		Body:       json.RawMessage(`{"error":{"code":"ErrorInvalidUser"}}`),
	})
	rec = env.do(http.MethodGet, "/api/messages?email=nobody@example.com", cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"error":{"error":{"code":"ErrorInvalidUser"}}}`, rec.Body.String())

	env.mailbox.err = errors.New("dial tcp: connection refused")
	rec = env.do(http.MethodGet, "/api/messages?email=ada@example.com", cookie)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDownloadWithoutListing(t *testing.T) {
	env := newTestEnv(t)
	cookie, _ := env.signedIn(t)

	rec := env.do(http.MethodGet, "/api/messages/download", cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No messages to download. Fetch emails first.", decodeError(t, rec))
}

func TestDownload(t *testing.T) {
	env := newTestEnv(t)
	cookie, id := env.signedIn(t)
	listing := &mailbox.Listing{
		Source:   mailbox.SourcePersonal,
		Email:    "ada@example.com",
		Messages: []mailbox.Summary{{ID: "m1", Subject: "hello"}},
	}
	require.NoError(t, env.sessions.SaveListing(context.Background(), id, listing, time.Now()))

	rec := env.do(http.MethodGet, "/api/messages/download", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="emails.zip"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "PK-zip", rec.Body.String())
	assert.Equal(t, listing, env.archive.gotListing)
}

func TestDownloadFailure(t *testing.T) {
	env := newTestEnv(t)
	cookie, id := env.signedIn(t)
	require.NoError(t, env.sessions.SaveListing(context.Background(), id,
		&mailbox.Listing{Source: mailbox.SourcePersonal, Email: "ada@example.com"}, time.Now()))
	env.archive.err = errors.New("close archive: disk full")

	rec := env.do(http.MethodGet, "/api/messages/download", cookie)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.HasPrefix(decodeError(t, rec), "Download failed: "))
}

func TestPanicIsRecovered(t *testing.T) {
	env := newTestEnv(t)
	cookie, _ := env.signedIn(t)
	env.people.panics = true

	rec := env.do(http.MethodGet, "/api/people/search?q=ada", cookie)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decodeError(t, rec))
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/messages", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
