package sync //nolint:revive,nolintlint // shadows the standard library name

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/conductorone/crm-sync/pkg/associations"
	"github.com/conductorone/crm-sync/pkg/credentials"
	"github.com/conductorone/crm-sync/pkg/crm"
	"github.com/conductorone/crm-sync/pkg/metrics"
	"github.com/conductorone/crm-sync/pkg/pagination"
	"github.com/conductorone/crm-sync/pkg/ratelimit"
	"github.com/conductorone/crm-sync/pkg/store"
	"github.com/conductorone/crm-sync/pkg/uhttp"
)

// Credentials is the part of the credential manager a run uses.
type Credentials interface {
	pagination.Refresher
	EnsureValid(ctx context.Context) bool
}

type SearchClient interface {
	Search(ctx context.Context, objectType string, sr crm.SearchRequest) (*crm.SearchPage, error)
}

// Session is one account's connection to the CRM for the duration of a run.
type Session struct {
	Client      SearchClient
	Resolver    Resolver
	Credentials Credentials
	closer      func()
}

func (s *Session) Close() {
	if s.closer != nil {
		s.closer()
	}
}

func (s *Session) fetcher(kind crm.EntityKind) pagination.FetchFunc {
	objectType := kind.ObjectType()
	return func(ctx context.Context, req crm.SearchRequest) (*crm.SearchPage, error) {
		return s.Client.Search(ctx, objectType, req)
	}
}

type Connector interface {
	Connect(ctx context.Context, account *store.Handle) (*Session, error)
}

type CRMConfig struct {
	BaseURL           string
	OAuth             credentials.Config
	RequestsPerSecond int
	RequestTimeout    time.Duration
	DebugPrintBody    bool
}

// CRMConnector authorizes every request with the account's credential manager and paces
// requests client side.
type CRMConnector struct {
	cfg  CRMConfig
	base http.RoundTripper
	m    *metrics.M
}

type ConnectorOption func(*CRMConnector)

func WithBaseTransport(rt http.RoundTripper) ConnectorOption {
	return func(c *CRMConnector) {
		if rt != nil {
			c.base = rt
		}
	}
}

func WithConnectorMetrics(m *metrics.M) ConnectorOption {
	return func(c *CRMConnector) {
		if m != nil {
			c.m = m
		}
	}
}

func NewCRMConnector(ctx context.Context, cfg CRMConfig, opts ...ConnectorOption) *CRMConnector {
	c := &CRMConnector{
		cfg:  cfg,
		base: http.DefaultTransport,
		m:    metrics.New(metrics.NewNoOpHandler(ctx)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *CRMConnector) Connect(ctx context.Context, account *store.Handle) (*Session, error) {
	tokenClient := &http.Client{Transport: c.base, Timeout: c.cfg.RequestTimeout}
	mgr := credentials.NewManager(account, c.cfg.OAuth, credentials.WithHTTPClient(tokenClient))

	apiClient := &http.Client{
		Timeout: c.cfg.RequestTimeout,
		Transport: &oauth2.Transport{
			Source: mgr,
			Base:   ratelimit.NewTransport(c.base, c.cfg.RequestsPerSecond),
		},
	}
	client, err := crm.NewClient(c.cfg.BaseURL, apiClient, uhttp.WithPrintBody(c.cfg.DebugPrintBody))
	if err != nil {
		return nil, err
	}

	resolver, err := associations.NewResolver(client, associations.WithFailureHandler(func(ctx context.Context, op string) {
		c.m.RecordAssociationFailure(ctx, op)
	}))
	if err != nil {
		return nil, err
	}

	return &Session{
		Client:      client,
		Resolver:    resolver,
		Credentials: mgr,
		closer:      resolver.Close,
	}, nil
}
