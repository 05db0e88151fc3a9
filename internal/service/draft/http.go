package draft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends payload and returns the raw body of a 200 response.
func postJSON(ctx context.Context, client *http.Client, url string, payload any, provider string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s API error (%d): %s", provider, resp.StatusCode, truncateRunes(string(respBody), 300))
	}
	return respBody, nil
}

func unmarshalResult(data []byte, out *Result) error {
	var raw struct {
		Subject    string  `json:"subject"`
		Body       string  `json:"body"`
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse draft JSON: %w", err)
	}
	out.Subject = raw.Subject
	out.Body = raw.Body
	if out.Body == "" {
		out.Body = raw.Content
	}
	out.Confidence = raw.Confidence
	out.Reasoning = raw.Reasoning
	return nil
}
