package report

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const maxResponseBody = 64 << 10

// StatusError is a non-2xx answer from the AbuseIPDB API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("abuseipdb: HTTP %d", e.Code)
	}
	return fmt.Sprintf("abuseipdb: HTTP %d: %s", e.Code, e.Body)
}

// Client posts reports to the AbuseIPDB v2 report endpoint.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewClient returns a client with its own http.Client. timeout bounds the
// whole exchange; the dispatcher adds a context deadline on top.
func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

type reportResponse struct {
	Data struct {
		IPAddress            string `json:"ipAddress"`
		AbuseConfidenceScore *int   `json:"abuseConfidenceScore"`
	} `json:"data"`
}

// Send
//
// POSTs ip, categories and comment as a form. Any 2xx counts as delivered;
// a body we cannot decode is only logged.
func (c *Client) Send(ctx context.Context, r Report) error {
	form := url.Values{}
	form.Set("ip", r.IP)
	form.Set("categories", r.Categories)
	form.Set("comment", r.Comment)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("abuseipdb: build request: %w", err)
	}
	req.Header.Set("Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("abuseipdb: request for %s: %w", r.IP, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("abuseipdb: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: hint(body, 256)}
	}

	var out reportResponse
	if err := json.Unmarshal(body, &out); err != nil || out.Data.AbuseConfidenceScore == nil {
		log.Warn().Str("client_ip", r.IP).Int("status", resp.StatusCode).Str("body", hint(body, 256)).
			Msg("abuseipdb: report accepted, unexpected response format")
		return nil
	}

	log.Info().Str("client_ip", r.IP).Int("target_port", r.TargetPort).
		Int("abuse_confidence_score", *out.Data.AbuseConfidenceScore).
		Msg("abuseipdb: report delivered")
	return nil
}

func hint(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	return truncateBytes(s, n)
}
