package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var ErrMalformedReputation = errors.New("malformed reputation response")

type Votes struct {
	Malicious int
	Harmless  int
}

type ReputationClient interface {
	Lookup(ctx context.Context, ip string) (Votes, error)
}

// StatusError is a non-200 answer from the reputation service. Its message is
// shown to the user as is.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("Failed to fetch data from VirusTotal: %d", e.StatusCode)
	if e.Message != "" {
		msg += " " + e.Message
	}
	return msg
}

type VirusTotalClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewVirusTotalClient(baseURL, apiKey string, client *http.Client) *VirusTotalClient {
	return &VirusTotalClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  client,
	}
}

type vtResponse struct {
	Data *struct {
		Attributes *struct {
			LastAnalysisStats *struct {
				Malicious *int `json:"malicious"`
				Harmless  *int `json:"harmless"`
			} `json:"last_analysis_stats"`
		} `json:"attributes"`
	} `json:"data"`
}

type vtError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *VirusTotalClient) Lookup(ctx context.Context, ip string) (Votes, error) {
	url := fmt.Sprintf("%s/api/v3/ip_addresses/%s", c.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Votes{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("x-apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Votes{}, fmt.Errorf("querying VirusTotal: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Votes{}, fmt.Errorf("reading VirusTotal response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		var parsed vtError
		if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
			statusErr.Message = parsed.Error.Message
		} else {
			statusErr.Message = strings.TrimSpace(http.StatusText(resp.StatusCode))
		}
		return Votes{}, statusErr
	}

	var parsed vtResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Votes{}, fmt.Errorf("%w: %v", ErrMalformedReputation, err)
	}
	if parsed.Data == nil || parsed.Data.Attributes == nil || parsed.Data.Attributes.LastAnalysisStats == nil {
		return Votes{}, fmt.Errorf("%w: missing last_analysis_stats", ErrMalformedReputation)
	}

	stats := parsed.Data.Attributes.LastAnalysisStats
	if stats.Malicious == nil || stats.Harmless == nil {
		return Votes{}, fmt.Errorf("%w: missing vote counts", ErrMalformedReputation)
	}

	return Votes{Malicious: *stats.Malicious, Harmless: *stats.Harmless}, nil
}
