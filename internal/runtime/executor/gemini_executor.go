// Package executor contains the upstream client adapters.
package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/ReceiptRelay/internal/config"
	"github.com/router-for-me/ReceiptRelay/internal/util"
	"github.com/router-for-me/ReceiptRelay/sdk/relay"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/auth"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/retry"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	geminiAPIVersion = "v1beta"
	retryInfoType    = "type.googleapis.com/google.rpc.RetryInfo"
	maxErrorBody     = 2048
)

// GeminiExecutor calls the Gemini generateContent and countTokens endpoints.
// It is stateless apart from its HTTP client and safe for concurrent use.
type GeminiExecutor struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

var _ relay.Client = (*GeminiExecutor)(nil)

// GeminiOption configures a GeminiExecutor.
type GeminiOption func(*GeminiExecutor)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) GeminiOption {
	return func(e *GeminiExecutor) {
		if c != nil {
			e.httpClient = c
		}
	}
}

func NewGeminiExecutor(cfg config.GeminiConfig, opts ...GeminiOption) *GeminiExecutor {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = config.DefaultGeminiBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = config.DefaultGeminiModel
	}
	e := &GeminiExecutor{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *GeminiExecutor) Identifier() string { return "gemini" }

// Model returns the upstream model name.
func (e *GeminiExecutor) Model() string { return e.model }

// GenerateContent sends one generateContent call and returns the reply text.
func (e *GeminiExecutor) GenerateContent(ctx context.Context, cred auth.Credential, req relay.Request) (string, error) {
	body, err := buildGenerateBody(req)
	if err != nil {
		return "", err
	}
	data, err := e.post(ctx, cred, "generateContent", body)
	if err != nil {
		return "", err
	}
	return parseGenerateResponse(data)
}

// CountTokens returns the upstream token count for text.
func (e *GeminiExecutor) CountTokens(ctx context.Context, cred auth.Credential, text string) (int, error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "contents.0.parts.0.text", text)
	data, err := e.post(ctx, cred, "countTokens", body)
	if err != nil {
		return 0, err
	}
	total := gjson.GetBytes(data, "totalTokens")
	if !total.Exists() {
		return 0, &retry.Error{Kind: retry.Other, HTTPStatus: http.StatusOK, Message: "gemini: countTokens response without totalTokens"}
	}
	return int(total.Int()), nil
}

func (e *GeminiExecutor) endpoint(method string) string {
	return fmt.Sprintf("%s/%s/models/%s:%s", e.baseURL, geminiAPIVersion, url.PathEscape(e.model), method)
}

func (e *GeminiExecutor) post(ctx context.Context, cred auth.Credential, method string, body []byte) ([]byte, error) {
	endpoint := e.endpoint(method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", cred.Secret)

	log.WithFields(log.Fields{
		"method":     method,
		"credential": cred.Masked(),
		"bytes":      len(body),
	}).Debug("gemini request")

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &retry.Error{Kind: retry.Other, Message: fmt.Sprintf("gemini: %s: %v", method, err)}
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("gemini executor: close response body error: %v", errClose)
		}
	}()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &retry.Error{Kind: retry.Other, HTTPStatus: httpResp.StatusCode, Message: fmt.Sprintf("gemini: read response: %v", err)}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		log.Debugf("gemini request error, status: %d, body: %s", httpResp.StatusCode, util.RedactSensitiveJSON(truncate(data, maxErrorBody)))
		return nil, newGeminiStatusErr(httpResp.StatusCode, httpResp.Header, data)
	}
	return data, nil
}

// newGeminiStatusErr decides the failure kind once, from the status code and
// the google.rpc status in the body.
func newGeminiStatusErr(statusCode int, header http.Header, body []byte) *retry.Error {
	status := gjson.GetBytes(body, "error.status").String()
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = strings.TrimSpace(string(truncate(body, maxErrorBody)))
	}

	kind := retry.Other
	switch {
	case statusCode == http.StatusTooManyRequests || status == "RESOURCE_EXHAUSTED":
		kind = retry.RateLimited
	case statusCode == http.StatusServiceUnavailable || status == "UNAVAILABLE" ||
		strings.Contains(strings.ToLower(message), "overloaded"):
		kind = retry.Overloaded
	}

	err := &retry.Error{
		Kind:       kind,
		HTTPStatus: statusCode,
		Message:    fmt.Sprintf("gemini: %d %s: %s", statusCode, http.StatusText(statusCode), message),
	}
	if d, ok := parseRetryAfterHeader(header.Get("Retry-After")); ok {
		err.Retry = &d
	} else if d, ok := parseRetryDelay(body); ok {
		err.Retry = &d
	}
	return err
}

// parseRetryDelay reads error.details[].retryDelay of the RetryInfo detail,
// formatted like "0.847655010s".
func parseRetryDelay(body []byte) (time.Duration, bool) {
	details := gjson.GetBytes(body, "error.details")
	if !details.Exists() || !details.IsArray() {
		return 0, false
	}
	for _, detail := range details.Array() {
		if detail.Get("@type").String() != retryInfoType {
			continue
		}
		raw := detail.Get("retryDelay").String()
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			continue
		}
		return d, true
	}
	return 0, false
}

func parseRetryAfterHeader(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func buildGenerateBody(req relay.Request) ([]byte, error) {
	body := []byte(`{"contents":[]}`)
	var err error
	i := 0
	for _, m := range req.History {
		role := relay.RoleUser
		if m.Role == relay.RoleModel {
			role = relay.RoleModel
		}
		prefix := "contents." + strconv.Itoa(i)
		if body, err = sjson.SetBytes(body, prefix+".role", role); err != nil {
			return nil, err
		}
		if body, err = sjson.SetBytes(body, prefix+".parts.0.text", m.Text); err != nil {
			return nil, err
		}
		i++
	}

	prefix := "contents." + strconv.Itoa(i)
	if body, err = sjson.SetBytes(body, prefix+".role", relay.RoleUser); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, prefix+".parts.0.text", req.Prompt); err != nil {
		return nil, err
	}
	if len(req.Media) > 0 {
		if body, err = sjson.SetBytes(body, prefix+".parts.1.inline_data.mime_type", req.MimeType); err != nil {
			return nil, err
		}
		if body, err = sjson.SetBytes(body, prefix+".parts.1.inline_data.data", base64.StdEncoding.EncodeToString(req.Media)); err != nil {
			return nil, err
		}
	}

	p := req.Params
	if p.MaxOutputTokens > 0 {
		body, _ = sjson.SetBytes(body, "generationConfig.temperature", p.Temperature)
		body, _ = sjson.SetBytes(body, "generationConfig.topK", p.TopK)
		body, _ = sjson.SetBytes(body, "generationConfig.topP", p.TopP)
		body, _ = sjson.SetBytes(body, "generationConfig.maxOutputTokens", p.MaxOutputTokens)
	}
	return body, nil
}

func parseGenerateResponse(data []byte) (string, error) {
	var b strings.Builder
	gjson.GetBytes(data, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if part.Get("thought").Bool() {
			return true
		}
		b.WriteString(part.Get("text").String())
		return true
	})
	if text := strings.TrimSpace(b.String()); text != "" {
		return text, nil
	}
	if reason := gjson.GetBytes(data, "promptFeedback.blockReason").String(); reason != "" {
		return "", &retry.Error{Kind: retry.Other, HTTPStatus: http.StatusOK, Message: "gemini: prompt blocked: " + reason}
	}
	finish := gjson.GetBytes(data, "candidates.0.finishReason").String()
	return "", &retry.Error{Kind: retry.Other, HTTPStatus: http.StatusOK, Message: "gemini: empty response (finish reason " + finish + ")"}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
