// Package advisory calls the optional timing-suggestion service. It is
// purely advisory: a failure or absence of the service never blocks or
// alters any engine decision.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Signals are the numeric inputs the service reasons about.
type Signals struct {
	Phase            int     `json:"phase"`
	TotalPhases      int     `json:"total_phases"`
	ElapsedMinutes   float64 `json:"elapsed_minutes"`
	ScannedFraction  float64 `json:"scanned_fraction"`
	LateAfterMinutes int     `json:"late_after_minutes"`
}

// Suggestion is the service's answer: a timing value in minutes plus a
// short rationale for the operator.
type Suggestion struct {
	Value     float64 `json:"value"`
	Rationale string  `json:"rationale"`
}

// Client calls the advisory microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client; with skip set it answers locally without a
// network round-trip.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SuggestTiming asks for a suggested delay, in minutes, before showing
// the next code.
func (c *Client) SuggestTiming(ctx context.Context, signals Signals) (Suggestion, error) {
	if c.Skip {
		return Suggestion{
			Value:     5,
			Rationale: "default spacing between scans",
		}, nil
	}

	body, _ := json.Marshal(signals)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/suggest-timing", bytes.NewReader(body))
	if err != nil {
		return Suggestion{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Suggestion{}, fmt.Errorf("advisory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Suggestion{}, fmt.Errorf("advisory service returned %d", resp.StatusCode)
	}
	var suggestion Suggestion
	if err := json.NewDecoder(resp.Body).Decode(&suggestion); err != nil {
		return Suggestion{}, fmt.Errorf("decode advisory response: %w", err)
	}
	return suggestion, nil
}
