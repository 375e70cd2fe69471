package tm

import (
	"context"
	"net/http"
	"time"

	"github.com/rkozak/travelres/internal/wire"
)

// RMClient is the narrow outbound capability the TransactionManager
// needs against each enlisted participant endpoint.
type RMClient interface {
	Prepare(ctx context.Context, endpoint, xid string) error
	Commit(ctx context.Context, endpoint, xid string) error
	Abort(ctx context.Context, endpoint, xid string) error
}

// HTTPRMClient drives an RM's /txn/{prepare,commit,abort} endpoints.
type HTTPRMClient struct {
	HTTP *http.Client
}

// NewHTTPRMClient builds an HTTPRMClient with the given per-call
// timeout used as the http.Client's default.
func NewHTTPRMClient(timeout time.Duration) *HTTPRMClient {
	return &HTTPRMClient{HTTP: &http.Client{Timeout: timeout}}
}

func (c *HTTPRMClient) Prepare(ctx context.Context, endpoint, xid string) error {
	var result wire.PrepareResult
	_, err := wire.Call(ctx, c.HTTP, http.MethodPost, endpoint+"/txn/prepare", xid, nil, &result)
	if err != nil {
		return err
	}
	if !result.OK {
		if result.Err == "" {
			result.Err = wire.ErrInternalInvariant
		}
		return &wire.CodedError{Code: result.Err, Key: result.Key}
	}
	return nil
}

func (c *HTTPRMClient) Commit(ctx context.Context, endpoint, xid string) error {
	_, err := wire.Call(ctx, c.HTTP, http.MethodPost, endpoint+"/txn/commit", xid, nil, nil)
	return err
}

func (c *HTTPRMClient) Abort(ctx context.Context, endpoint, xid string) error {
	_, err := wire.Call(ctx, c.HTTP, http.MethodPost, endpoint+"/txn/abort", xid, nil, nil)
	return err
}
