// Package identity runs the OAuth2 authorization-code flow against
// Microsoft Entra ID and reacquires access tokens silently from a
// caller-owned token cache.
package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/cache"
	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/confidential"
)

// ErrNoAccount means no usable account or token is cached; the user has to
// sign in again.
var ErrNoAccount = errors.New("no cached account")

// TokenStore persists the serialized MSAL token cache of one user session.
type TokenStore interface {
	LoadTokenCache(ctx context.Context) ([]byte, error)
	SaveTokenCache(ctx context.Context, data []byte) error
}

// Identity holds the claims of a signed-in user.
type Identity struct {
	Name      string `json:"name"`
	Username  string `json:"preferred_username"`
	ObjectID  string `json:"oid"`
	TenantID  string `json:"tid"`
	AccountID string `json:"-"`
}

// Settings configures the confidential client application.
type Settings struct {
	ClientID     string
	ClientSecret string
	Authority    string
	Scopes       []string
	DomainHint   string
}

type tokenClient interface {
	AuthCodeURL(ctx context.Context, clientID, redirectURI string, scopes []string, opts ...confidential.AuthCodeURLOption) (string, error)
	AcquireTokenByAuthCode(ctx context.Context, code, redirectURI string, scopes []string, opts ...confidential.AcquireByAuthCodeOption) (confidential.AuthResult, error)
	Account(ctx context.Context, accountID string) (confidential.Account, error)
	AcquireTokenSilent(ctx context.Context, scopes []string, opts ...confidential.AcquireSilentOption) (confidential.AuthResult, error)
}

type clientFactory func(accessor cache.ExportReplace) (tokenClient, error)

type Provider struct {
	settings  Settings
	newClient clientFactory
	logger    *slog.Logger
}

func NewProvider(settings Settings, logger *slog.Logger) (*Provider, error) {
	cred, err := confidential.NewCredFromSecret(settings.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("create client credential: %w", err)
	}
	factory := func(accessor cache.ExportReplace) (tokenClient, error) {
		client, err := confidential.New(settings.Authority, settings.ClientID, cred, confidential.WithCache(accessor))
		if err != nil {
			return nil, fmt.Errorf("create confidential client: %w", err)
		}
		return client, nil
	}
	return &Provider{settings: settings, newClient: factory, logger: logger}, nil
}

// AuthCodeURL starts the authorization-code flow and returns the URL the
// browser is sent to. state is echoed back on the redirect.
func (p *Provider) AuthCodeURL(ctx context.Context, store TokenStore, redirectURI, state string) (string, error) {
	client, err := p.newClient(newCacheAccessor(store, p.logger))
	if err != nil {
		return "", err
	}

	var opts []confidential.AuthCodeURLOption
	if p.settings.DomainHint != "" {
		opts = append(opts, confidential.WithDomainHint(p.settings.DomainHint))
	}
	raw, err := client.AuthCodeURL(ctx, p.settings.ClientID, redirectURI, p.settings.Scopes, opts...)
	if err != nil {
		return "", fmt.Errorf("build authorization url: %w", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse authorization url: %w", err)
	}
	q := u.Query()
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CompleteLogin redeems the authorization code and returns the signed-in
// user. The refreshed token cache is written to store.
func (p *Provider) CompleteLogin(ctx context.Context, store TokenStore, code, redirectURI string) (Identity, error) {
	client, err := p.newClient(newCacheAccessor(store, p.logger))
	if err != nil {
		return Identity{}, err
	}

	result, err := client.AcquireTokenByAuthCode(ctx, code, redirectURI, p.settings.Scopes)
	if err != nil {
		return Identity{}, fmt.Errorf("redeem authorization code: %w", err)
	}

	claims := result.IDToken
	return Identity{
		Name:      claims.Name,
		Username:  claims.PreferredUsername,
		ObjectID:  claims.Oid,
		TenantID:  claims.TenantID,
		AccountID: result.Account.HomeAccountID,
	}, nil
}

// Token returns an access token for accountID without user interaction.
// It returns ErrNoAccount when the cache holds no usable account or token.
func (p *Provider) Token(ctx context.Context, store TokenStore, accountID string) (string, error) {
	if accountID == "" {
		return "", ErrNoAccount
	}
	client, err := p.newClient(newCacheAccessor(store, p.logger))
	if err != nil {
		return "", err
	}

	account, err := client.Account(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load cached account: %w", err)
	}
	if account.HomeAccountID == "" {
		return "", ErrNoAccount
	}

	result, err := client.AcquireTokenSilent(ctx, p.settings.Scopes, confidential.WithSilentAccount(account))
	if err != nil {
		p.logger.Info("silent token acquisition failed", "account", accountID, "error", err)
		return "", fmt.Errorf("%w: %w", ErrNoAccount, err)
	}
	return result.AccessToken, nil
}

// LogoutURL is the end-session endpoint that returns the browser to
// postLogoutRedirect.
func (p *Provider) LogoutURL(postLogoutRedirect string) string {
	return p.settings.Authority + "/oauth2/v2.0/logout?post_logout_redirect_uri=" + url.QueryEscape(postLogoutRedirect)
}

// cacheAccessor adapts a TokenStore to the MSAL cache interface. Export
// writes only when the serialized cache differs from what was loaded.
type cacheAccessor struct {
	store  TokenStore
	logger *slog.Logger
	loaded []byte
}

func newCacheAccessor(store TokenStore, logger *slog.Logger) *cacheAccessor {
	return &cacheAccessor{store: store, logger: logger}
}

func (a *cacheAccessor) Replace(ctx context.Context, c cache.Unmarshaler, _ cache.ReplaceHints) error {
	data, err := a.store.LoadTokenCache(ctx)
	if err != nil {
		return fmt.Errorf("load token cache: %w", err)
	}
	a.loaded = data
	if len(data) == 0 {
		return nil
	}
	return c.Unmarshal(data)
}

func (a *cacheAccessor) Export(ctx context.Context, c cache.Marshaler, _ cache.ExportHints) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("serialize token cache: %w", err)
	}
	if bytes.Equal(data, a.loaded) {
		return nil
	}
	if err := a.store.SaveTokenCache(ctx, data); err != nil {
		return fmt.Errorf("save token cache: %w", err)
	}
	a.loaded = data
	a.logger.Debug("token cache saved", "bytes", len(data))
	return nil
}
