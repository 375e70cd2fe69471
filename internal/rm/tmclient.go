package rm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rkozak/travelres/internal/wire"
)

// TMClient is the HTTP-backed Enlister an RM uses to register itself
// with the TransactionManager on an xid's first mutation.
type TMClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewTMClient builds a TMClient against baseURL (e.g.
// "http://localhost:9000").
func NewTMClient(baseURL string) *TMClient {
	return &TMClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *TMClient) Enlist(ctx context.Context, xid, endpoint string) error {
	url := fmt.Sprintf("%s/txn/enlist", c.BaseURL)
	_, err := wire.Call(ctx, c.HTTP, http.MethodPost, url, xid, wire.EnlistRequest{Endpoint: endpoint}, nil)
	return err
}
