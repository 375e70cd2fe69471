package wc

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rkozak/travelres/internal/wire"
)

// TMClient is the outbound capability the WorkflowController has
// against the TransactionManager.
type TMClient interface {
	Start(ctx context.Context) (string, error)
	Commit(ctx context.Context, xid string) (wire.TxStatus, error)
	Abort(ctx context.Context, xid string) error
	Status(ctx context.Context, xid string) (wire.TxStatus, error)
}

// HTTPTMClient drives the TM's /txn endpoints.
type HTTPTMClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPTMClient(baseURL string, c *http.Client) *HTTPTMClient {
	return &HTTPTMClient{BaseURL: baseURL, HTTP: c}
}

func (c *HTTPTMClient) Start(ctx context.Context) (string, error) {
	var resp wire.StartTxnResponse
	_, err := wire.Call(ctx, c.HTTP, http.MethodPost, c.BaseURL+"/txn/start", "", nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.XID, nil
}

func (c *HTTPTMClient) Commit(ctx context.Context, xid string) (wire.TxStatus, error) {
	var resp wire.TxnStatusResponse
	_, err := wire.Call(ctx, c.HTTP, http.MethodPost, c.BaseURL+"/txn/commit", xid, wire.CommitRequest{XID: xid}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (c *HTTPTMClient) Abort(ctx context.Context, xid string) error {
	_, err := wire.Call(ctx, c.HTTP, http.MethodPost, c.BaseURL+"/txn/abort", xid, wire.CommitRequest{XID: xid}, nil)
	return err
}

func (c *HTTPTMClient) Status(ctx context.Context, xid string) (wire.TxStatus, error) {
	var resp wire.TxnStatusResponse
	_, err := wire.Call(ctx, c.HTTP, http.MethodGet, fmt.Sprintf("%s/txn/%s", c.BaseURL, xid), "", nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}
