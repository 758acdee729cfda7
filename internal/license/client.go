// Package license implements the client side of the license protocol: the
// signed HTTP client, the encrypted on-disk snapshot, and the heartbeat
// controller that keeps the process's authorization state current.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"keygate/internal/security"
	"keygate/pkg/contracts/domain"
)

// ErrNetwork marks transport-level failures: the server could not be
// reached or did not answer. It is deliberately distinct from a denial, so
// callers never treat a flaky network as an invalid license.
var ErrNetwork = errors.New("license server unreachable")

// ErrTamperedResponse is returned when a response payload fails its
// signature check.
var ErrTamperedResponse = errors.New("response payload signature mismatch")

// Client talks to the license server with signed requests.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client

	// now is swapped in tests.
	now func() time.Time
}

// NewClient creates a license client. secret is the shared signing secret;
// timeout bounds each request.
func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// doSigned sends a signed JSON request and returns the raw response body.
func (c *Client) doSigned(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	ts := c.now().UnixMilli()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(security.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(security.HeaderSignature, security.SignRequest(body, ts, c.secret))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return raw, nil
}

// post sends a signed JSON request and decodes the grant envelope.
func (c *Client) post(ctx context.Context, path string, payload any) (*domain.Response, error) {
	raw, err := c.doSigned(ctx, path, payload)
	if err != nil {
		return nil, err
	}

	var envelope domain.Response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: undecodable response", ErrNetwork)
	}

	// A grant must verify against the shared secret before anything trusts
	// or caches it.
	if envelope.Data != nil {
		payload, err := json.Marshal(envelope.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode grant: %w", err)
		}
		if !security.VerifyPayload(payload, c.secret, envelope.Signature) {
			return nil, ErrTamperedResponse
		}
	}

	return &envelope, nil
}

// Activate requests a device binding for key.
func (c *Client) Activate(ctx context.Context, key, machineCode string, systemType domain.SystemType, force bool) (*domain.Response, error) {
	return c.post(ctx, "/api/auth/activate", domain.ActivateRequest{
		LicenseKey:  key,
		MachineCode: machineCode,
		SystemType:  systemType,
		Force:       force,
	})
}

// Verify sends one heartbeat for the bound device.
func (c *Client) Verify(ctx context.Context, key, machineCode string, systemType domain.SystemType) (*domain.Response, error) {
	return c.post(ctx, "/api/auth/verify", domain.VerifyRequest{
		LicenseKey:  key,
		MachineCode: machineCode,
		SystemType:  systemType,
	})
}

// Unbind releases this device's binding.
func (c *Client) Unbind(ctx context.Context, key, machineCode string) (*domain.Response, error) {
	return c.post(ctx, "/api/auth/unbind", domain.UnbindRequest{
		LicenseKey:  key,
		MachineCode: machineCode,
	})
}

// CheckResult is the status probe's answer; it carries key metadata instead
// of a grant.
type CheckResult struct {
	Success bool            `json:"success"`
	Code    domain.Code     `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    *domain.KeyInfo `json:"data,omitempty"`
}

// Check probes a key's status without touching its state. systemType may be
// empty to skip the product check.
func (c *Client) Check(ctx context.Context, key string, systemType domain.SystemType) (*CheckResult, error) {
	raw, err := c.doSigned(ctx, "/api/auth/check", domain.CheckRequest{LicenseKey: key, SystemType: systemType})
	if err != nil {
		return nil, err
	}
	var result CheckResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: undecodable response", ErrNetwork)
	}
	return &result, nil
}
