package credentials

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/conductorone/crm-sync/pkg/store"
)

const (
	DefaultTokenURL = "https://api.hubapi.com/oauth/v1/token"

	// defaultTokenTTL applies when the token endpoint omits expires_in.
	defaultTokenTTL = 30 * time.Minute
	// ensureValidSkew refreshes tokens that would expire shortly after a run starts.
	ensureValidSkew = time.Minute
)

var (
	ErrCredential = errors.New("credentials: refresh failed")
	ErrNoToken    = errors.New("credentials: no access token")
)

type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Manager holds the access token and expiry for one account and refreshes them through the
// OAuth refresh-token grant. It implements oauth2.TokenSource without ever refreshing on its
// own; refreshes happen only through EnsureValid and Refresh.
type Manager struct {
	account    *store.Handle
	oauth      *oauth2.Config
	httpClient *http.Client
	now        func() time.Time

	mu          sync.RWMutex
	accessToken string
	expiry      time.Time
	forced      bool

	refreshes singleflight.Group
}

var _ oauth2.TokenSource = (*Manager)(nil)

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = c
	}
}

func NewManager(account *store.Handle, cfg Config, opts ...Option) *Manager {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	snap := account.Snapshot()
	m := &Manager{
		account: account,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		now:         time.Now,
		accessToken: snap.AccessToken,
		expiry:      snap.TokenExpiresAt,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Expiry is the tracked expiry of the current access token.
func (m *Manager) Expiry() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiry
}

// Expired reports whether now is past the tracked expiry. An unknown expiry never expires.
func (m *Manager) Expired(now time.Time) bool {
	exp := m.Expiry()
	return !exp.IsZero() && now.After(exp)
}

// Force makes the next EnsureValid refresh regardless of expiry.
func (m *Manager) Force() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced = true
}

// Token returns the current access token.
func (m *Manager) Token() (*oauth2.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.accessToken == "" {
		return nil, ErrNoToken
	}
	return &oauth2.Token{
		AccessToken: m.accessToken,
		TokenType:   "Bearer",
		Expiry:      m.expiry,
	}, nil
}

// EnsureValid returns true when the token is usable, refreshing it first when it is
// missing, expired (or about to), or a refresh was forced.
func (m *Manager) EnsureValid(ctx context.Context) bool {
	m.mu.RLock()
	needsRefresh := m.forced || m.accessToken == "" ||
		(!m.expiry.IsZero() && m.now().After(m.expiry.Add(-ensureValidSkew)))
	m.mu.RUnlock()

	if !needsRefresh {
		return true
	}
	return m.Refresh(ctx)
}

// Refresh exchanges the stored refresh token for a new access token. Concurrent callers share
// a single exchange. On failure the previous credentials are left untouched.
func (m *Manager) Refresh(ctx context.Context) bool {
	v, _, _ := m.refreshes.Do("refresh", func() (interface{}, error) {
		return m.refresh(ctx), nil
	})
	return v.(bool)
}

func (m *Manager) refresh(ctx context.Context) bool {
	l := ctxzap.Extract(ctx).With(zap.String("account_id", m.account.ID()))

	acct, err := m.account.Reload(ctx)
	if err != nil {
		l.Error("cannot refresh credentials: account lookup failed", zap.Error(errors.Join(ErrCredential, err)))
		return false
	}
	if acct.RefreshToken == "" {
		l.Error("cannot refresh credentials: account has no refresh token", zap.Error(ErrCredential))
		return false
	}

	exchangeCtx := ctx
	if m.httpClient != nil {
		exchangeCtx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}

	// An already expired token makes the token source perform the refresh grant immediately.
	src := m.oauth.TokenSource(exchangeCtx, &oauth2.Token{
		RefreshToken: acct.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		fields := []zap.Field{zap.Error(errors.Join(ErrCredential, err))}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			fields = append(fields, zap.String("error_code", re.ErrorCode))
			if re.Response != nil {
				fields = append(fields, zap.Int("status_code", re.Response.StatusCode))
			}
		}
		l.Error("credential refresh rejected", fields...)
		return false
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(defaultTokenTTL)
	}

	m.mu.Lock()
	m.accessToken = tok.AccessToken
	m.expiry = expiry
	m.forced = false
	m.mu.Unlock()

	if tok.AccessToken != acct.AccessToken || (tok.RefreshToken != "" && tok.RefreshToken != acct.RefreshToken) {
		err = m.account.Update(ctx, func(a *store.Account) {
			a.AccessToken = tok.AccessToken
			a.TokenExpiresAt = expiry
			if tok.RefreshToken != "" {
				a.RefreshToken = tok.RefreshToken
			}
		})
		if err != nil {
			// The new token is still usable for this run.
			l.Warn("failed to persist refreshed credentials", zap.Error(err))
		}
	}

	l.Debug("credentials refreshed", zap.Time("expires_at", expiry))
	return true
}
