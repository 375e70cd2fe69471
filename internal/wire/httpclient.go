package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Call performs method against url, propagating xid (if non-empty) on
// both the header and query-parameter forms, JSON-encoding body (if
// non-nil) and JSON-decoding the response into out (if non-nil and the
// response is 2xx). A non-2xx JSON body is decoded into an
// ErrorResponse and surfaced as a *CodedError.
func Call(ctx context.Context, client *http.Client, method, url, xid string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("wire: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, fmt.Errorf("wire: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if xid != "" {
		SetXID(req, xid)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, &CodedError{Code: ErrTimeout, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
				return resp.StatusCode, fmt.Errorf("wire: decode response: %w", err)
			}
		}
		return resp.StatusCode, nil
	}

	var errResp ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	if errResp.Error == "" {
		errResp.Error = ErrInternalInvariant
	}
	return resp.StatusCode, &CodedError{Code: errResp.Error, Key: errResp.Key, Err: fmt.Errorf("%s", errResp.Message)}
}
