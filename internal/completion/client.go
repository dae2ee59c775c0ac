// Package completion submits conversation windows to a hosted chat
// completion endpoint. Every failure at this boundary comes back as a
// labeled string rather than an error value, so callers have one uniform
// shape to route to user-facing feedback.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"chatternest/internal/config"
	"chatternest/internal/window"
)

// Error labels returned in place of response text. Callers distinguish
// failures from completions by prefix; see IsErrorLabel.
const (
	labelMissingKey      = "Error: AI service is not configured correctly (Missing API Key)."
	labelInvalidInput    = "Error: Invalid input message provided."
	labelUnparseableBody = "Error: Could not parse response from AI (Invalid structure)."
)

// Client calls the completion endpoint. It performs no retries and adds no
// timeout beyond the injected http.Client's own.
type Client struct {
	baseURL string
	model   string
	apiKey  string
	http    *http.Client
}

// NewClient builds a completion client from app config. A nil httpClient
// falls back to http.DefaultClient.
func NewClient(cfg config.CompletionConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		http:    httpClient,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []window.Turn `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the prepared turn sequence and returns either the trimmed
// text of the first completion choice or an error label. It never returns an
// error value and never panics; the label alone carries the failure.
func (c *Client) Complete(ctx context.Context, newMessage string, turns []window.Turn) string {
	if c.apiKey == "" {
		log.Printf("completion: api key missing; check environment and config")
		return labelMissingKey
	}
	if strings.TrimSpace(newMessage) == "" {
		return labelInvalidInput
	}

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: turns})
	if err != nil {
		return fmt.Sprintf("Error: could not encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Sprintf("Error: could not build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("completion: request failed: %v", err)
		return fmt.Sprintf("Error: communicating with the AI failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("completion: read response failed: %v", err)
		return fmt.Sprintf("Error: communicating with the AI failed: %v", err)
	}

	var parsed chatResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := ""
		if decodeErr == nil && parsed.Error != nil {
			detail = parsed.Error.Message
		}
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		if detail == "" {
			detail = "Unknown API Error"
		}
		return fmt.Sprintf("API Error (%d): %s", resp.StatusCode, detail)
	}

	if decodeErr != nil || len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		log.Printf("completion: unparseable response body (%d bytes)", len(raw))
		return labelUnparseableBody
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content)
}

// IsErrorLabel reports whether a Complete result is a failure label rather
// than response text.
func IsErrorLabel(s string) bool {
	return strings.HasPrefix(s, "Error:") || strings.HasPrefix(s, "API Error")
}
