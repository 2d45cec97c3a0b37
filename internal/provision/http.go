package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/soyeahso/teamsforge/internal/version"
)

// maxBody caps how much of an upstream response is read.
const maxBody = 1 << 20

// doJSON sends body (if any) as JSON with a bearer token and decodes a 2xx
// response into out (if non-nil). Anything else becomes an *UpstreamError.
func doJSON(ctx context.Context, client *http.Client, method, url, token string, body, out any, service, step string) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", step, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", step, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return &UpstreamError{Service: service, Step: step, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return &UpstreamError{Service: service, Step: step, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UpstreamError{Service: service, Step: step, Status: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &UpstreamError{Service: service, Step: step, Status: resp.StatusCode, Body: string(respBody),
			Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	return nil
}
