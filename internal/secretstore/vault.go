package secretstore

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPVaultSource resolves secrets from a generic HTTP vault: a GET to
// baseURL+name returning the raw secret value as the response body.
// Retries transient failures with the client's built-in backoff.
type HTTPVaultSource struct {
	client  *retryablehttp.Client
	baseURL string
	token   string
}

// NewHTTPVaultSource builds an HTTPVaultSource. token, if non-empty, is
// sent as a bearer Authorization header.
func NewHTTPVaultSource(baseURL, token string) *HTTPVaultSource {
	client := retryablehttp.NewClient()
	client.Logger = nil // the pipeline's own logger records request outcomes
	client.RetryMax = 3

	return &HTTPVaultSource{client: client, baseURL: baseURL, token: token}
}

// Resolve implements Source.
func (v *HTTPVaultSource) Resolve(ctx context.Context, name string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/"+name, nil)
	if err != nil {
		return "", fmt.Errorf("secretstore: build vault request: %w", err)
	}
	if v.token != "" {
		req.Header.Set("Authorization", "Bearer "+v.token)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("secretstore: vault request for %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("secretstore: vault returned %d for %s", resp.StatusCode, name)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("secretstore: read vault response for %s: %w", name, err)
	}
	return string(body), nil
}
