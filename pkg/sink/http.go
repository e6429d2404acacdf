package sink

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/crm-sync/pkg/uhttp"
)

const (
	DefaultAPIKeyHeader = "X-Api-Key"
	BatchIDHeader       = "X-Batch-Id"
)

type batchBody struct {
	Batch []OutputAction `json:"batch"`
}

// HTTPSink posts batches to an ingestion endpoint.
type HTTPSink struct {
	endpoint     *url.URL
	apiKey       string
	apiKeyHeader string
	wrapper      *uhttp.BaseHttpClient
}

type HTTPOption func(*HTTPSink)

func WithAPIKeyHeader(name string) HTTPOption {
	return func(s *HTTPSink) {
		if name != "" {
			s.apiKeyHeader = name
		}
	}
}

func NewHTTPSink(endpoint string, apiKey string, httpClient *http.Client, opts ...HTTPOption) (*HTTPSink, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("sink: invalid endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("sink: endpoint %q must be an absolute url", endpoint)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	s := &HTTPSink{
		endpoint:     u,
		apiKey:       apiKey,
		apiKeyHeader: DefaultAPIKeyHeader,
		wrapper:      uhttp.NewBaseHttpClient(httpClient),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *HTTPSink) Deliver(ctx context.Context, actions []OutputAction) error {
	if len(actions) == 0 {
		return nil
	}

	batchID := uuid.NewString()
	reqOpts := []uhttp.RequestOption{
		uhttp.WithJSONBody(batchBody{Batch: actions}),
		uhttp.WithHeader(BatchIDHeader, batchID),
	}
	if s.apiKey != "" {
		reqOpts = append(reqOpts, uhttp.WithHeader(s.apiKeyHeader, s.apiKey))
	}

	req, err := s.wrapper.NewRequest(ctx, http.MethodPost, s.endpoint, reqOpts...)
	if err != nil {
		return err
	}
	resp, err := s.wrapper.Do(req)
	if err != nil {
		return fmt.Errorf("sink: batch %s: %w", batchID, err)
	}
	resp.Body.Close()

	ctxzap.Extract(ctx).Debug("delivered batch", zap.String("batch_id", batchID), zap.Int("actions", len(actions)))
	return nil
}
