package tools

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weftlabs/weft/pkg/schema"
)

// HTTPConfig configures the HTTP tools.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "token_secret": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "password_secret": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"},
        "header_value_secret": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

const httpResponseOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "status": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

// HTTPTools returns the http builtins.
func HTTPTools(cfg HTTPConfig) []Tool {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	request := &httpRequestTool{cfg: cfg}
	return []Tool{
		request,
		&httpMethodTool{inner: request, name: "http.get", method: "GET"},
		&httpMethodTool{inner: request, name: "http.post", method: "POST"},
	}
}

// --- http.request ---

type httpRequestTool struct {
	cfg HTTPConfig
}

func (t *httpRequestTool) Name() string { return "http.request" }

func (t *httpRequestTool) Schema() ToolSchema {
	return ToolSchema{
		Description:  "Execute an HTTP request with full control over method, headers, body, auth, and redirects.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpResponseOutputSchema),
	}
}

func (t *httpRequestTool) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

func (t *httpRequestTool) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	params := inv.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := t.Validate(params); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))
	rawURL := stringParam(params, "url", "")

	timeout := t.cfg.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	bodyReader, contentType, err := buildRequestBody(params)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "http.request: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hdrs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if err := applyAuth(req, params, inv.Context.Secrets); err != nil {
		return nil, err
	}

	client := buildClient(params)
	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "http.request: timed out after %s", timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "http.request: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "http.request: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parseResponseBody(bodyBytes, respContentType),
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if boolParam(params, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		code := schema.ErrCodeToolExecution
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			code = schema.ErrCodePermissionDenied
		}
		return nil, schema.NewErrorf(code, "http.request: server returned %d", resp.StatusCode).
			WithDetails(result)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "http.request: failed to marshal output").WithCause(err)
	}
	return &Result{Data: data}, nil
}

func buildRequestBody(params map[string]any) (io.Reader, string, error) {
	rawBody, ok := params["body"]
	if !ok || rawBody == nil {
		return nil, "", nil
	}
	switch stringParam(params, "body_encoding", "json") {
	case "form":
		formData, ok := rawBody.(map[string]any)
		if !ok {
			return nil, "", nil
		}
		vals := url.Values{}
		for k, v := range formData {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "", nil
	default: // json
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeToolExecution, "http.request: failed to marshal body as JSON").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

// applyAuth sets request credentials. Each credential field has a *_secret
// variant naming a loaded secret ref, so descriptors can grant access without
// the value ever entering parameters.
func applyAuth(req *http.Request, params map[string]any, secrets map[string]string) error {
	authRaw, ok := params["auth"]
	if !ok {
		return nil
	}
	auth, ok := authRaw.(map[string]any)
	if !ok {
		return nil
	}

	credential := func(field string) (string, error) {
		if ref := stringParam(auth, field+"_secret", ""); ref != "" {
			val, ok := secrets[ref]
			if !ok {
				return "", schema.NewErrorf(schema.ErrCodePermissionDenied,
					"http.request: auth references secret %q which is not loaded", ref)
			}
			return val, nil
		}
		return stringParam(auth, field, ""), nil
	}

	switch stringParam(auth, "type", "") {
	case "bearer":
		token, err := credential("token")
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case "basic":
		password, err := credential("password")
		if err != nil {
			return err
		}
		req.SetBasicAuth(stringParam(auth, "username", ""), password)
	case "api_key":
		value, err := credential("header_value")
		if err != nil {
			return err
		}
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, value)
		}
	}
	return nil
}

// buildClient always creates a fresh client so per-call TLS and redirect
// settings never leak into shared state.
func buildClient(params map[string]any) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolParam(params, "tls_skip_verify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !boolParam(params, "follow_redirects", true) {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if limit := intParam(params, "max_redirects", 10); limit > 0 {
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return client
}

func parseResponseBody(body []byte, contentType string) any {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err == nil {
			return parsed
		}
	}
	return string(body)
}

// --- http.get / http.post ---

// httpMethodTool pins the method of the full request tool.
type httpMethodTool struct {
	inner  *httpRequestTool
	name   string
	method string
}

func (t *httpMethodTool) Name() string { return t.name }

func (t *httpMethodTool) Schema() ToolSchema {
	return ToolSchema{
		Description:  fmt.Sprintf("Convenience tool for HTTP %s requests.", t.method),
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpResponseOutputSchema),
	}
}

func (t *httpMethodTool) Validate(params map[string]any) error {
	return t.inner.Validate(params)
}

func (t *httpMethodTool) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Params == nil {
		inv.Params = map[string]any{}
	}
	inv.Params["method"] = t.method
	return t.inner.Invoke(ctx, inv)
}
