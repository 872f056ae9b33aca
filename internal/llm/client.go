// Package llm implements the single-endpoint chat completion client used by
// the evaluation pipeline (C2), grounded on the teacher's OpenAIProvider
// HTTP idiom (internal/providers/openai.go) narrowed to the one shape the
// moderation engine needs: a system+user prompt in, a fenced ```json block
// out.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// TransportError wraps a failure to reach the LLM endpoint at all (network,
// timeout, non-2xx status).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("llm transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError wraps a response that reached the client but could not be
// decoded into the expected shape (malformed JSON, missing fenced block).
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("llm protocol: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client talks to a single OpenAI-compatible chat completions endpoint,
// wrapped in a circuit breaker that trips after repeated transport
// failures.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New builds a Client for the given OpenAI-compatible endpoint.
func New(baseURL, apiKey, model string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "llm-endpoint",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Chat sends a system+user message pair and returns the assistant's raw
// reply content.
func (c *Client) Chat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.0,
	})
	if err != nil {
		return "", &ProtocolError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.doRequest(ctx, body)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", &TransportError{Err: err}
		}
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(result.([]byte), &resp); err != nil {
		return "", &ProtocolError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return "", &ProtocolError{Err: fmt.Errorf("empty choices")}
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, data)}
	}
	return data, nil
}

var fencedJSONBlock = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// ExtractJSON pulls the first ```json ... ``` fenced block out of an LLM
// reply and unmarshals it into v.
func ExtractJSON(reply string, v any) error {
	m := fencedJSONBlock.FindStringSubmatch(reply)
	if m == nil {
		return &ProtocolError{Err: fmt.Errorf("no fenced json block in reply")}
	}
	if err := json.Unmarshal([]byte(m[1]), v); err != nil {
		return &ProtocolError{Err: fmt.Errorf("unmarshal fenced json: %w", err)}
	}
	return nil
}
