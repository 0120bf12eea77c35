// Package credential requests short-lived realtime credentials from the session-issuing endpoint.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashureev/voxwallet/internal/domain"
)

// ErrMissingCredential is returned when the endpoint answers without a usable credential.
var ErrMissingCredential = errors.New("credential endpoint returned no credential")

const maxResponseBytes = 1 << 20

// Credential is a short-lived bearer token for the realtime handshake.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// Client calls the session-credential endpoint.
type Client struct {
	url  string
	http *http.Client
}

// NewClient builds a client. A nil httpClient gets an instrumented client with the given timeout.
func NewClient(url string, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{url: url, http: httpClient}
}

type issueRequest struct {
	Contacts []domain.Contact `json:"contacts,omitempty"`
}

type secret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

type issueResponse struct {
	ClientSecret *secret `json:"client_secret"`
	// Some deployments return the secret at the top level.
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
	Error     string `json:"error"`
}

// Issue requests a credential, passing contacts for prompt personalization.
func (c *Client) Issue(ctx context.Context, contacts []domain.Contact) (Credential, error) {
	body, err := json.Marshal(issueRequest{Contacts: contacts})
	if err != nil {
		return Credential{}, fmt.Errorf("encode credential request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("build credential request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("request credential: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Credential{}, fmt.Errorf("read credential response: %w", err)
	}

	var parsed issueResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil && resp.StatusCode < 300 {
			return Credential{}, fmt.Errorf("decode credential response: %w", err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsed.Error != "" {
			return Credential{}, fmt.Errorf("credential endpoint status %d: %s", resp.StatusCode, parsed.Error)
		}
		return Credential{}, fmt.Errorf("credential endpoint status %d", resp.StatusCode)
	}

	s := secret{Value: parsed.Value, ExpiresAt: parsed.ExpiresAt}
	if parsed.ClientSecret != nil && parsed.ClientSecret.Value != "" {
		s = *parsed.ClientSecret
	}
	if s.Value == "" {
		return Credential{}, ErrMissingCredential
	}

	cred := Credential{Value: s.Value}
	if s.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(s.ExpiresAt, 0)
	}
	return cred, nil
}
