// Package analysis asks an OpenAI-compatible chat completions endpoint to
// summarize a received file.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultURL   = "https://api.openai.com/v1/chat/completions"
	DefaultModel = "gpt-4o"

	// PreviewChars is how much of the file is sent to the model.
	PreviewChars = 1500

	defaultTimeout  = 60 * time.Second
	maxResponseBody = 4 << 20
)

// ErrAnalysis is wrapped by every failed Summarize call.
var ErrAnalysis = errors.New("analysis failed")

// Client calls the summary endpoint.
type Client struct {
	URL    string
	Model  string
	APIKey string
	HTTP   *http.Client
}

// NewClient returns a client with defaults filled in for empty fields.
func NewClient(url, model, apiKey string) *Client {
	if url == "" {
		url = DefaultURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		URL:    url,
		Model:  model,
		APIKey: apiKey,
		HTTP:   &http.Client{Timeout: defaultTimeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Summarize returns a markdown summary of data, which was received as name.
func (c *Client) Summarize(ctx context.Context, name string, data []byte) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.Model,
		Messages: []chatMessage{{Role: "user", Content: Prompt(name, data)}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrAnalysis, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrAnalysis, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: send request: %w", ErrAnalysis, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrAnalysis, err)
	}

	var parsed chatResponse
	jsonErr := json.Unmarshal(raw, &parsed)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if jsonErr == nil && parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("%w: server returned %d: %s", ErrAnalysis, resp.StatusCode, msg)
	}
	if jsonErr != nil {
		return "", fmt.Errorf("%w: parse response: %v", ErrAnalysis, jsonErr)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: empty response", ErrAnalysis)
	}
	return parsed.Choices[0].Message.Content, nil
}

// Prompt builds the user prompt from the file name and the first
// PreviewChars characters of its content.
func Prompt(name string, data []byte) string {
	return fmt.Sprintf(`You are an expert AI assistant.

You have received a file named %q. Its contents (first %d characters) are provided below.

Your task is to analyze the content intelligently. Depending on the type of the file (e.g., text document, programming code, report, or log), do the following:
- If it's a text or report, summarize its key points and determine its purpose.
- If it's a code file, explain what it does and check for potential problems or vulnerabilities.
- If it's a log or data, detect anomalies, patterns, or errors worth mentioning.

Here is the beginning of the file:

%s

Respond in markdown.
`, name, PreviewChars, preview(data, PreviewChars))
}

// preview returns at most n characters of data as valid UTF-8.
func preview(data []byte, n int) string {
	text := strings.ToValidUTF8(string(data), string(utf8.RuneError))
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	count := 0
	for i := range text {
		if count == n {
			return text[:i]
		}
		count++
	}
	return text
}
