package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the external structural validator (heading/semantics
// checker). A reject never blocks editing, only the publish action.
type Client struct {
	BaseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type validateRequest struct {
	DocumentID string `json:"document_id"`
	Content    string `json:"content"`
}

// Result is the validator's verdict on a document.
type Result struct {
	Accepted    bool     `json:"accepted"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Validate submits the composed text for structural checking before
// publish.
func (c *Client) Validate(ctx context.Context, documentID, content string) (*Result, error) {
	body, err := json.Marshal(validateRequest{DocumentID: documentID, Content: content})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/validate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("validator returned %d: %s", resp.StatusCode, data)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode validator response: %w", err)
	}
	return &result, nil
}
