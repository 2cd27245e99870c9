package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSummarize_Success(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "## Summary\nA greeting."}},
			},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "", "sk-test")
	summary, err := c.Summarize(context.Background(), "notes.txt", []byte("hello world"))
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if summary != "## Summary\nA greeting." {
		t.Errorf("summary = %q", summary)
	}
	if got.Model != DefaultModel {
		t.Errorf("model = %q, want %q", got.Model, DefaultModel)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if !strings.Contains(got.Messages[0].Content, `"notes.txt"`) || !strings.Contains(got.Messages[0].Content, "hello world") {
		t.Errorf("prompt missing file name or content: %q", got.Messages[0].Content)
	}
}

func TestSummarize_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "server error", status: http.StatusUnauthorized, body: `{"error":{"message":"bad key"}}`, wantMsg: "bad key"},
		{name: "plain error", status: http.StatusBadGateway, body: "upstream down", wantMsg: "upstream down"},
		{name: "invalid json", status: http.StatusOK, body: "not json"},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(server.URL, "m", "").Summarize(context.Background(), "f", []byte("x"))
			if !errors.Is(err, ErrAnalysis) {
				t.Fatalf("error = %v, want ErrAnalysis", err)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestSummarize_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewClient(url, "", "").Summarize(context.Background(), "f", []byte("x"))
	if !errors.Is(err, ErrAnalysis) {
		t.Fatalf("error = %v, want ErrAnalysis", err)
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("é", PreviewChars+10)
	got := preview([]byte(long), PreviewChars)
	if n := utf8.RuneCountInString(got); n != PreviewChars {
		t.Fatalf("preview has %d runes, want %d", n, PreviewChars)
	}
	if got := preview([]byte("short"), PreviewChars); got != "short" {
		t.Fatalf("preview(short) = %q", got)
	}
	if got := preview([]byte{0xff, 'a'}, 10); !utf8.ValidString(got) {
		t.Fatalf("preview returned invalid UTF-8: %q", got)
	}
}
