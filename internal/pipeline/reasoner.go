package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultReasonerTimeout is the hard ceiling on one narration call. The
// reasoner is advisory; the session never waits longer than this for prose.
const DefaultReasonerTimeout = 30 * time.Second

// maxDetailLen truncates individual finding descriptions before they are
// sent to the reasoner, keeping the summary payload bounded.
const maxDetailLen = 400

// maxDetails caps how many per-finding descriptions one summary carries.
const maxDetails = 50

// ReasonerClient calls the external semantic-reasoning service: structured
// findings summary in, narrative verdict text out.
type ReasonerClient struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
}

// NewReasonerClient creates a client with the given hard timeout. A zero
// timeout selects DefaultReasonerTimeout.
func NewReasonerClient(endpoint string, timeout time.Duration, client *http.Client) *ReasonerClient {
	if timeout <= 0 {
		timeout = DefaultReasonerTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &ReasonerClient{endpoint: endpoint, timeout: timeout, client: client}
}

// Narrate posts the sanitized summary and returns the narrative text. The
// hard timeout applies on top of any caller deadline.
func (r *ReasonerClient) Narrate(ctx context.Context, s Summary) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(Sanitize(s))
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build reasoner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("reasoner call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("reasoner returned %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Narrative string `json:"narrative"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode reasoner response: %w", err)
	}
	return out.Narrative, nil
}

// Sanitize bounds the summary before it leaves the process: long details
// are truncated, excess entries dropped. The numeric score is computed
// before narration and is never affected by what the reasoner sees.
func Sanitize(s Summary) Summary {
	if len(s.Details) > maxDetails {
		s.Details = s.Details[:maxDetails]
	}
	details := make([]string, len(s.Details))
	for i, d := range s.Details {
		if len(d) > maxDetailLen {
			d = d[:maxDetailLen] + "... (truncated)"
		}
		details[i] = d
	}
	s.Details = details
	return s
}

// ReasonerStub returns a fixed narrative or error. Tests and offline mode.
type ReasonerStub struct {
	Narrative string
	Err       error
}

// Narrate returns the canned narrative.
func (r *ReasonerStub) Narrate(ctx context.Context, _ Summary) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.Err != nil {
		return "", r.Err
	}
	return r.Narrative, nil
}
