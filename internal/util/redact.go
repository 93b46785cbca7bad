package util

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const (
	redactedValue = "[REDACTED]"
	maxBlobChars  = 64
)

// MaskKey hides the middle of an API key, keeping four characters at each end.
func MaskKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// RedactSensitiveJSON redacts credential fields and shortens inline media
// blobs in a JSON payload so it can be logged. Non-JSON input is returned as is.
func RedactSensitiveJSON(body []byte) []byte {
	trim := strings.TrimSpace(string(body))
	if trim == "" {
		return body
	}
	if !strings.HasPrefix(trim, "{") && !strings.HasPrefix(trim, "[") {
		return body
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return body
	}
	out, err := json.Marshal(redactValue(v))
	if err != nil {
		return body
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if isSensitiveKey(k) {
				t[k] = redactedValue
				continue
			}
			if s, ok := val.(string); ok && strings.EqualFold(k, "data") && len(s) > maxBlobChars {
				t[k] = fmt.Sprintf("%s...(%d chars)", s[:maxBlobChars], len(s))
				continue
			}
			t[k] = redactValue(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = redactValue(t[i])
		}
		return t
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.Contains(k, "authorization"),
		strings.Contains(k, "api_key"),
		strings.Contains(k, "apikey"),
		strings.Contains(k, "api-key"),
		strings.Contains(k, "secret"),
		strings.Contains(k, "password"):
		return true
	default:
		return false
	}
}

// MaskSensitiveQuery masks credential-looking parameters of a raw query
// string. Unparseable input is returned unchanged.
func MaskSensitiveQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	changed := false
	for k, vs := range values {
		if !isSensitiveKey(k) && !strings.EqualFold(k, "key") {
			continue
		}
		for i := range vs {
			vs[i] = MaskKey(vs[i])
		}
		changed = true
	}
	if !changed {
		return rawQuery
	}
	return values.Encode()
}
