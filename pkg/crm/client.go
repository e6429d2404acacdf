package crm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/conductorone/crm-sync/pkg/uhttp"
)

const (
	DefaultBaseURL = "https://api.hubapi.com"

	// MaxBatchSize is the most ids a batch read or association read accepts.
	MaxBatchSize = 100
)

// Client talks to the CRM search, association and batch read endpoints. Authorization is
// the responsibility of the provided http.Client transport.
type Client struct {
	baseURL *url.URL
	wrapper *uhttp.BaseHttpClient
}

func NewClient(baseURL string, httpClient *http.Client, opts ...uhttp.WrapperOption) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("crm: invalid base url: %w", err)
	}
	return &Client{
		baseURL: u,
		wrapper: uhttp.NewBaseHttpClient(httpClient, opts...),
	}, nil
}

func (c *Client) endpoint(path string) *url.URL {
	return c.baseURL.JoinPath(path)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	req, err := c.wrapper.NewRequest(
		ctx,
		http.MethodPost,
		c.endpoint(path),
		uhttp.WithJSONBody(body),
		uhttp.WithAcceptJSONHeader(),
	)
	if err != nil {
		return err
	}

	resp, err := c.wrapper.Do(req, uhttp.WithJSONResponse(out))
	if err != nil {
		return fmt.Errorf("crm: POST %s: %w", path, err)
	}
	resp.Body.Close()
	return nil
}

// Search runs one page of a search against an object collection.
func (c *Client) Search(ctx context.Context, objectType string, sr SearchRequest) (*SearchPage, error) {
	ret := &SearchPage{}
	err := c.post(ctx, "/crm/v3/objects/"+url.PathEscape(objectType)+"/search", sr, ret)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// BatchReadAssociations returns the associations from each id to records of the target type.
// Ids without associations are absent from the result.
func (c *Client) BatchReadAssociations(ctx context.Context, fromType string, toType string, ids []string) ([]AssociationResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxBatchSize {
		return nil, fmt.Errorf("crm: association batch of %d exceeds %d", len(ids), MaxBatchSize)
	}

	resp := struct {
		Results []AssociationResult `json:"results"`
	}{}
	path := fmt.Sprintf("/crm/v3/associations/%s/%s/batch/read", url.PathEscape(fromType), url.PathEscape(toType))
	err := c.post(ctx, path, newBatchInput(ids, nil), &resp)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// BatchRead reads the given properties for up to MaxBatchSize records.
func (c *Client) BatchRead(ctx context.Context, objectType string, ids []string, properties []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxBatchSize {
		return nil, fmt.Errorf("crm: read batch of %d exceeds %d", len(ids), MaxBatchSize)
	}

	resp := struct {
		Results []Record `json:"results"`
	}{}
	err := c.post(ctx, "/crm/v3/objects/"+url.PathEscape(objectType)+"/batch/read", newBatchInput(ids, properties), &resp)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}
