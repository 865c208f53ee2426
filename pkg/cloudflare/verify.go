package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
)

type verifyResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
	Result struct {
		Status string `json:"status"`
	} `json:"result"`
}

// VerifyToken checks that the API token exists and is active.
// An inactive or rejected token returns an error wrapping ErrTokenInactive.
func (c *Client) VerifyToken(ctx context.Context, token string) error {
	body, err := c.do(ctx, "verify_token", http.MethodGet, c.apiBaseURL+"/user/tokens/verify", token, nil)
	if err != nil {
		// Cloudflare answers an invalid token with a 4xx and a JSON envelope.
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || httpErr.IsRetryable() {
			return err
		}
		body = httpErr.Body
	}

	var resp verifyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse verify response: %w", err)
	}

	if resp.Success && resp.Result.Status == "active" {
		return nil
	}

	reason := "Token is not active"
	switch {
	case len(resp.Errors) > 0 && resp.Errors[0].Message != "":
		reason = resp.Errors[0].Message
	case resp.Result.Status != "":
		reason = resp.Result.Status
	}
	return fmt.Errorf("%w: %s", ErrTokenInactive, reason)
}
