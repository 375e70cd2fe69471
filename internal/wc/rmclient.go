package wc

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rkozak/travelres/internal/record"
	"github.com/rkozak/travelres/internal/wire"
)

// RMClient is the outbound capability the WorkflowController has
// against one table's ResourceManager.
type RMClient interface {
	Read(ctx context.Context, xid, key string) (record.Fields, error)
	Add(ctx context.Context, xid, key string, fields record.Fields) error
	Update(ctx context.Context, xid, key string, patch record.Fields) error
	Delete(ctx context.Context, xid, key string) error
}

// HTTPRMClient drives one table RM's /records endpoints.
type HTTPRMClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPRMClient(baseURL string, c *http.Client) *HTTPRMClient {
	return &HTTPRMClient{BaseURL: baseURL, HTTP: c}
}

func (c *HTTPRMClient) Read(ctx context.Context, xid, key string) (record.Fields, error) {
	var resp wire.RecordResponse
	_, err := wire.Call(ctx, c.HTTP, http.MethodGet, fmt.Sprintf("%s/records/%s", c.BaseURL, key), xid, nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Fields, nil
}

func (c *HTTPRMClient) Add(ctx context.Context, xid, key string, fields record.Fields) error {
	req := wire.AddRecordRequest{XID: xid, Key: key, Value: fields}
	_, err := wire.Call(ctx, c.HTTP, http.MethodPost, fmt.Sprintf("%s/records/%s", c.BaseURL, key), xid, req, nil)
	return err
}

func (c *HTTPRMClient) Update(ctx context.Context, xid, key string, patch record.Fields) error {
	req := wire.UpdateRecordRequest{XID: xid, Updates: patch}
	_, err := wire.Call(ctx, c.HTTP, http.MethodPatch, fmt.Sprintf("%s/records/%s", c.BaseURL, key), xid, req, nil)
	return err
}

func (c *HTTPRMClient) Delete(ctx context.Context, xid, key string) error {
	_, err := wire.Call(ctx, c.HTTP, http.MethodDelete, fmt.Sprintf("%s/records/%s", c.BaseURL, key), xid, nil, nil)
	return err
}
