// Package credentials supplies the key material SnapStore sessions sign
// requests with: long-lived static keys, or short-lived security tokens
// fetched from an instance metadata endpoint.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultMetadataURL is the instance metadata prefix that serves role
// credentials. The role name is appended to it.
const DefaultMetadataURL = "http://100.100.100.200/latest/meta-data/ram/security-credentials/"

// Credentials is one set of access keys. A zero Expiration means the keys do
// not expire.
type Credentials struct {
	AccessKeyID     string
	AccessKeySecret string
	SecurityToken   string
	Expiration      time.Time
}

// Expires reports whether the credentials carry an expiry.
func (c Credentials) Expires() bool {
	return !c.Expiration.IsZero()
}

// Provider retrieves credentials. Implementations must be safe for
// concurrent use.
type Provider interface {
	Retrieve(ctx context.Context) (Credentials, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (Credentials, error)

func (f ProviderFunc) Retrieve(ctx context.Context) (Credentials, error) {
	return f(ctx)
}

// Static returns the same credentials on every call.
type Static struct {
	Value Credentials
}

func (s Static) Retrieve(ctx context.Context) (Credentials, error) {
	if s.Value.AccessKeyID == "" || s.Value.AccessKeySecret == "" {
		return Credentials{}, fmt.Errorf("static credentials: access key id and secret are required")
	}
	return s.Value, nil
}

// Metadata fetches short-lived credentials for a role from an instance
// metadata endpoint with a plain GET of BaseURL+Role.
type Metadata struct {
	BaseURL string
	Role    string
	Client  *http.Client
}

// NewMetadata returns a Metadata provider for role, using DefaultMetadataURL
// when baseURL is empty.
func NewMetadata(baseURL, role string) *Metadata {
	if baseURL == "" {
		baseURL = DefaultMetadataURL
	}
	return &Metadata{
		BaseURL: baseURL,
		Role:    role,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type metadataResponse struct {
	AccessKeyID     string `json:"AccessKeyId"`
	AccessKeySecret string `json:"AccessKeySecret"`
	SecurityToken   string `json:"SecurityToken"`
	Expiration      string `json:"Expiration"`
}

// Retrieve performs one fetch. A non-2xx status, a malformed body, or a
// response missing any field is an error.
func (m *Metadata) Retrieve(ctx context.Context) (Credentials, error) {
	if m.Role == "" {
		return Credentials{}, fmt.Errorf("metadata credentials: role is required")
	}
	url := strings.TrimRight(m.BaseURL, "/") + "/" + m.Role

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("building metadata request: %w", err)
	}

	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("fetching role credentials: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credentials{}, fmt.Errorf("reading role credentials: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Credentials{}, fmt.Errorf("fetching role credentials: unexpected status %d", resp.StatusCode)
	}

	var r metadataResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return Credentials{}, fmt.Errorf("decoding role credentials: %w", err)
	}
	if r.AccessKeyID == "" || r.AccessKeySecret == "" || r.SecurityToken == "" || r.Expiration == "" {
		return Credentials{}, fmt.Errorf("decoding role credentials: response is missing fields")
	}

	exp, err := time.Parse(time.RFC3339, r.Expiration)
	if err != nil {
		return Credentials{}, fmt.Errorf("parsing credential expiration %q: %w", r.Expiration, err)
	}

	return Credentials{
		AccessKeyID:     r.AccessKeyID,
		AccessKeySecret: r.AccessKeySecret,
		SecurityToken:   r.SecurityToken,
		Expiration:      exp,
	}, nil
}
