/**
 * @description
 * Client for the internal endpoints of the recurring-donation service, used by the
 * scheduler and by the payment collaborator.
 */
package donationclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DueRunSummary mirrors the response of the due-notice run.
type DueRunSummary struct {
	AsOf      time.Time `json:"as_of"`
	Evaluated int       `json:"evaluated"`
	Published int       `json:"published"`
	Failed    int       `json:"failed"`
}

// RetireRunSummary mirrors the response of the exhausted-schedule run.
type RetireRunSummary struct {
	Evaluated int `json:"evaluated"`
	Retired   int `json:"retired"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

// Client provides methods to interact with the recurring-donation service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new recurring-donation service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// RunDueDonations asks the service to publish due notices for donations due on or before asOf.
func (c *Client) RunDueDonations(ctx context.Context, asOf time.Time) (*DueRunSummary, error) {
	body := map[string]string{"as_of": asOf.UTC().Format(time.DateOnly)}
	var summary DueRunSummary
	if err := c.post(ctx, "/internal/recurring-donations/due/run", body, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// RetireExhaustedDonations asks the service to cancel donations whose schedule has ended.
func (c *Client) RetireExhaustedDonations(ctx context.Context) (*RetireRunSummary, error) {
	var summary RetireRunSummary
	if err := c.post(ctx, "/internal/recurring-donations/exhausted/run", struct{}{}, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// AdvanceAfterCharge reports a successful charge for the schedule date chargedFor.
func (c *Client) AdvanceAfterCharge(ctx context.Context, id uuid.UUID, chargedFor time.Time) error {
	body := map[string]string{"charged_for": chargedFor.UTC().Format(time.DateOnly)}
	return c.post(ctx, fmt.Sprintf("/internal/recurring-donations/%s/advance", id), body, nil)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("donation service base URL is not configured")
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("donation service returned status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("donation service returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
