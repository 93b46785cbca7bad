package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/router-for-me/ReceiptRelay/internal/anticache"
	"github.com/router-for-me/ReceiptRelay/internal/config"
	"github.com/router-for-me/ReceiptRelay/sdk/relay"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/auth"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/retry"
	"github.com/tidwall/gjson"
)

var testCred = auth.Credential{Index: 0, Secret: "AIzaTestKey0001"}

func newTestExecutor(t *testing.T, handler http.HandlerFunc) *GeminiExecutor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGeminiExecutor(config.GeminiConfig{BaseURL: srv.URL + "/", Model: "gemini-test", Timeout: 5 * time.Second})
}

func TestGeminiExecutor_Identifier(t *testing.T) {
	t.Parallel()

	e := NewGeminiExecutor(config.GeminiConfig{})
	if got := e.Identifier(); got != "gemini" {
		t.Errorf("Identifier() = %v, want gemini", got)
	}
	if got := e.Model(); got != config.DefaultGeminiModel {
		t.Errorf("Model() = %v, want %v", got, config.DefaultGeminiModel)
	}
}

func TestGeminiExecutor_GenerateContent(t *testing.T) {
	t.Parallel()

	var gotPath, gotKey string
	var gotBody []byte
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"thinking","thought":true},{"text":"02-07 ACME "},{"text":"12,50"}]},"finishReason":"STOP"}]}`)
	})

	params := anticache.GenerationParams{Temperature: 0.12, TopK: 42, TopP: 0.91, MaxOutputTokens: 2048}
	got, err := e.GenerateContent(context.Background(), testCred, relay.Request{
		Prompt:   "extract",
		Media:    []byte{0xff, 0xd8},
		MimeType: "image/jpeg",
		History: []relay.Message{
			{Role: relay.RoleUser, Text: "hi"},
			{Role: relay.RoleModel, Text: "hello"},
		},
		Params: params,
	})
	if err != nil {
		t.Fatalf("GenerateContent() error = %v", err)
	}
	if got != "02-07 ACME 12,50" {
		t.Errorf("GenerateContent() = %q", got)
	}
	if gotPath != "/v1beta/models/gemini-test:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != testCred.Secret {
		t.Errorf("x-goog-api-key = %q", gotKey)
	}

	tests := []struct {
		path string
		want string
	}{
		{"contents.#", "3"},
		{"contents.0.role", "user"},
		{"contents.1.role", "model"},
		{"contents.1.parts.0.text", "hello"},
		{"contents.2.parts.0.text", "extract"},
		{"contents.2.parts.1.inline_data.mime_type", "image/jpeg"},
		{"contents.2.parts.1.inline_data.data", base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8})},
		{"generationConfig.topK", "42"},
		{"generationConfig.maxOutputTokens", "2048"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if v := gjson.GetBytes(gotBody, tt.path).String(); v != tt.want {
				t.Errorf("%s = %q, want %q", tt.path, v, tt.want)
			}
		})
	}
}

func TestGeminiExecutor_GenerateContentWithoutParams(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	})
	if _, err := e.GenerateContent(context.Background(), testCred, relay.Request{Prompt: "ping"}); err != nil {
		t.Fatalf("GenerateContent() error = %v", err)
	}
	if gjson.GetBytes(gotBody, "generationConfig").Exists() {
		t.Errorf("generationConfig should be omitted for default params: %s", gotBody)
	}
	if gjson.GetBytes(gotBody, "contents.0.parts.1").Exists() {
		t.Errorf("unexpected media part: %s", gotBody)
	}
}

func TestGeminiExecutor_StatusErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		header     map[string]string
		body       string
		wantKind   retry.Kind
		wantRetry  time.Duration
		wantPrefix string
	}{
		{
			name:   "429 with retry info",
			status: http.StatusTooManyRequests,
			body: `{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED","details":[
				{"@type":"type.googleapis.com/google.rpc.QuotaFailure"},
				{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"17s"}]}}`,
			wantKind:   retry.RateLimited,
			wantRetry:  17 * time.Second,
			wantPrefix: "gemini: 429 Too Many Requests: Quota exceeded",
		},
		{
			name:       "resource exhausted on 400",
			status:     http.StatusBadRequest,
			body:       `{"error":{"message":"quota","status":"RESOURCE_EXHAUSTED"}}`,
			wantKind:   retry.RateLimited,
			wantPrefix: "gemini: 400 Bad Request",
		},
		{
			name:       "503 overloaded",
			status:     http.StatusServiceUnavailable,
			body:       `{"error":{"message":"The model is overloaded.","status":"UNAVAILABLE"}}`,
			wantKind:   retry.Overloaded,
			wantPrefix: "gemini: 503 Service Unavailable",
		},
		{
			name:       "500 overloaded message",
			status:     http.StatusInternalServerError,
			body:       `{"error":{"message":"model overloaded, try later"}}`,
			wantKind:   retry.Overloaded,
			wantPrefix: "gemini: 500",
		},
		{
			name:       "retry-after header wins",
			status:     http.StatusTooManyRequests,
			header:     map[string]string{"Retry-After": "3"},
			body:       `{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"40s"}]}}`,
			wantKind:   retry.RateLimited,
			wantRetry:  3 * time.Second,
			wantPrefix: "gemini: 429",
		},
		{
			name:       "bad request",
			status:     http.StatusBadRequest,
			body:       `{"error":{"message":"Invalid argument","status":"INVALID_ARGUMENT"}}`,
			wantKind:   retry.Other,
			wantPrefix: "gemini: 400 Bad Request: Invalid argument",
		},
		{
			name:       "non json body",
			status:     http.StatusBadGateway,
			body:       "upstream gone",
			wantKind:   retry.Other,
			wantPrefix: "gemini: 502 Bad Gateway: upstream gone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := e.GenerateContent(context.Background(), testCred, relay.Request{Prompt: "x"})
			var upstream *retry.Error
			if !errors.As(err, &upstream) {
				t.Fatalf("error = %v, want *retry.Error", err)
			}
			if upstream.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", upstream.Kind, tt.wantKind)
			}
			if upstream.HTTPStatus != tt.status {
				t.Errorf("HTTPStatus = %d, want %d", upstream.HTTPStatus, tt.status)
			}
			if !strings.HasPrefix(upstream.Error(), tt.wantPrefix) {
				t.Errorf("Error() = %q, want prefix %q", upstream.Error(), tt.wantPrefix)
			}
			got := upstream.RetryAfter()
			switch {
			case tt.wantRetry == 0 && got != nil:
				t.Errorf("RetryAfter() = %v, want nil", *got)
			case tt.wantRetry > 0 && (got == nil || *got != tt.wantRetry):
				t.Errorf("RetryAfter() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestGeminiExecutor_EmptyResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"blocked", `{"promptFeedback":{"blockReason":"SAFETY"}}`, "prompt blocked: SAFETY"},
		{"no text", `{"candidates":[{"content":{"parts":[]},"finishReason":"MAX_TOKENS"}]}`, "finish reason MAX_TOKENS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := e.GenerateContent(context.Background(), testCred, relay.Request{Prompt: "x"})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want containing %q", err, tt.want)
			}
			if retry.KindOf(err) != retry.Other {
				t.Errorf("KindOf = %v, want other", retry.KindOf(err))
			}
		})
	}
}

func TestGeminiExecutor_CountTokens(t *testing.T) {
	t.Parallel()

	var gotPath, gotText string
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotText = gjson.GetBytes(body, "contents.0.parts.0.text").String()
		_, _ = io.WriteString(w, `{"totalTokens":31}`)
	})
	n, err := e.CountTokens(context.Background(), testCred, "conte isto")
	if err != nil {
		t.Fatalf("CountTokens() error = %v", err)
	}
	if n != 31 {
		t.Errorf("CountTokens() = %d, want 31", n)
	}
	if gotPath != "/v1beta/models/gemini-test:countTokens" || gotText != "conte isto" {
		t.Errorf("request = %s %q", gotPath, gotText)
	}
}

func TestGeminiExecutor_ContextCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.GenerateContent(ctx, testCred, relay.Request{Prompt: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

func TestParseRetryAfterHeader(t *testing.T) {
	t.Parallel()

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	tests := []struct {
		in     string
		wantOK bool
	}{
		{"", false},
		{"0", false},
		{"12", true},
		{"garbage", false},
		{future, true},
	}
	for _, tt := range tests {
		if _, ok := parseRetryAfterHeader(tt.in); ok != tt.wantOK {
			t.Errorf("parseRetryAfterHeader(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	n, err := EstimateTokens("Extraia a data, o nome e o valor deste comprovante.")
	if err != nil {
		t.Fatalf("EstimateTokens() error = %v", err)
	}
	if n <= 0 || n > 40 {
		t.Errorf("EstimateTokens() = %d, want a small positive count", n)
	}
	empty, err := EstimateTokens("")
	if err != nil || empty != 0 {
		t.Errorf("EstimateTokens(\"\") = %d, %v", empty, err)
	}
}
