// Package backend is the HTTP client for the upstream forms API. The API is
// treated as opaque: this package knows the endpoint shapes and nothing about
// how the backend stores anything.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"evalforms/engine/internal/draft"
	"evalforms/engine/internal/recipients"
)

// ErrNotFound reports a 404 from the upstream. For draft lookups this is a
// normal, handled case: the draft was deleted server-side.
var ErrNotFound = errors.New("upstream resource not found")

// TokenFunc supplies the caller's bearer token. An empty return means no auth
// context; remote calls are skipped upstream of the client in that case.
type TokenFunc func() string

type Client struct {
	base  string
	http  *http.Client
	token TokenFunc
}

func NewClient(baseURL string, token TokenFunc) *Client {
	return &Client{
		base:  baseURL,
		http:  &http.Client{Timeout: 15 * time.Second},
		token: token,
	}
}

// PublishPayload is the full submission pushed at publish time.
type PublishPayload struct {
	Draft      *draft.Draft           `json:"draft"`
	Recipients []recipients.Recipient `json:"recipients"`
}

// CertificateInfo is the read-only certificate linkage the upstream reports
// for a form.
type CertificateInfo struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Template string `json:"template"`
	Linked   bool   `json:"linked"`
}

// CreateBlank creates a server draft from the current content and returns the
// assigned identifier.
func (c *Client) CreateBlank(ctx context.Context, d *draft.Draft) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/forms/blank", d, &out); err != nil {
		return "", fmt.Errorf("create server draft: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create server draft: upstream returned no id")
	}
	return out.ID, nil
}

// UpdateDraft pushes the full current draft to an existing server draft.
// Idempotent on the upstream side.
func (c *Client) UpdateDraft(ctx context.Context, id string, d *draft.Draft) error {
	if err := c.do(ctx, http.MethodPatch, "/forms/"+id+"/draft", d, nil); err != nil {
		return fmt.Errorf("update draft %s: %w", id, err)
	}
	return nil
}

// GetForm fetches the authoritative draft content for id.
func (c *Client) GetForm(ctx context.Context, id string) (*draft.Draft, error) {
	var out draft.Draft
	if err := c.do(ctx, http.MethodGet, "/forms/"+id, nil, &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch form %s: %w", id, err)
	}
	return &out, nil
}

// Publish finalizes the form. No partial-success modes are assumed.
func (c *Client) Publish(ctx context.Context, id string, payload PublishPayload) error {
	if err := c.do(ctx, http.MethodPatch, "/forms/"+id+"/publish", payload, nil); err != nil {
		return fmt.Errorf("publish form %s: %w", id, err)
	}
	return nil
}

// ValidateCertificate checks a certificate id upstream. Best-effort: callers
// treat failures as non-fatal.
func (c *Client) ValidateCertificate(ctx context.Context, certID string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.do(ctx, http.MethodGet, "/certificates/"+certID+"/validate", nil, &out); err != nil {
		return false, fmt.Errorf("validate certificate %s: %w", certID, err)
	}
	return out.Valid, nil
}

// FormCertificate fetches the certificate linked to a form, if any.
func (c *Client) FormCertificate(ctx context.Context, formID string) (CertificateInfo, error) {
	var out CertificateInfo
	if err := c.do(ctx, http.MethodGet, "/certificates/form/"+formID, nil, &out); err != nil {
		return CertificateInfo{}, fmt.Errorf("fetch form certificate %s: %w", formID, err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if t := c.token(); t != "" {
			req.Header.Set("Authorization", "Bearer "+t)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
