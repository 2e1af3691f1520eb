package actions

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/pulse/pkg/schema"
)

// HTTPConfig configures the webhook action.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// Secret, when set, signs every request body with HMAC-SHA256 in the
	// SignatureHeader. A per-call "secret" param overrides it.
	Secret string
}

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Pulse-Signature"

const (
	defaultMaxResponseBody = 10 << 20
	defaultHTTPTimeout     = 30 * time.Second
)

const webhookInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "POST"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "secret": {"type": "string"},
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": true}
  },
  "required": ["url"]
}`

const webhookOutputSchema = `{
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

// WebhookAction implements the "webhook" action: an HTTP request, POST by
// default, whose 4xx and 5xx answers count as failures unless
// fail_on_error_status is false. A 202 answer with a JSON body
// {"pending": true} marks the dispatch as pending.
type WebhookAction struct {
	config HTTPConfig
}

func NewWebhookAction(cfg HTTPConfig) *WebhookAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &WebhookAction{config: cfg}
}

func (a *WebhookAction) Name() string { return "webhook" }

func (a *WebhookAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Send the rendered payload to an HTTP endpoint.",
		InputSchema:  json.RawMessage(webhookInputSchema),
		OutputSchema: json.RawMessage(webhookOutputSchema),
	}
}

func (a *WebhookAction) Validate(input map[string]any) error {
	target := stringParam(input, "url", "")
	if target == "" {
		return schema.NewError(schema.ErrCodeValidation, "webhook: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "webhook: invalid url %q", target)
	}
	return nil
}

// webhookCall is the decoded form of one invocation's params.
type webhookCall struct {
	method       string
	target       string
	secret       string
	timeout      time.Duration
	body         []byte
	contentType  string
	headers      map[string]any
	auth         map[string]any
	redirects    int // negative disables following
	insecure     bool
	failOnStatus bool
}

func (a *WebhookAction) decode(p map[string]any) (*webhookCall, error) {
	call := &webhookCall{
		method:       strings.ToUpper(stringParam(p, "method", http.MethodPost)),
		target:       stringParam(p, "url", ""),
		secret:       stringParam(p, "secret", a.config.Secret),
		timeout:      a.config.DefaultTimeout,
		headers:      mapParam(p, "headers"),
		auth:         mapParam(p, "auth"),
		redirects:    intParam(p, "max_redirects", 10),
		insecure:     boolParam(p, "tls_skip_verify", false),
		failOnStatus: boolParam(p, "fail_on_error_status", true),
	}
	if !boolParam(p, "follow_redirects", true) {
		call.redirects = -1
	}
	if d, err := time.ParseDuration(stringParam(p, "timeout", "")); err == nil && d > 0 {
		call.timeout = d
	}

	raw, ok := p["body"]
	if !ok || raw == nil {
		return call, nil
	}
	switch stringParam(p, "body_encoding", "json") {
	case "form":
		if fields, ok := raw.(map[string]any); ok {
			vals := url.Values{}
			for k, v := range fields {
				vals.Set(k, fmt.Sprint(v))
			}
			call.body, call.contentType = []byte(vals.Encode()), "application/x-www-form-urlencoded"
		}
	case "text":
		call.body, call.contentType = []byte(fmt.Sprint(raw)), "text/plain"
	case "raw":
		call.body = []byte(fmt.Sprint(raw))
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "webhook: body is not JSON-encodable").WithCause(err)
		}
		call.body, call.contentType = b, "application/json"
	}
	return call, nil
}

func (c *webhookCall) request(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if c.body != nil {
		body = bytes.NewReader(c.body)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, c.target, body)
	if err != nil {
		return nil, err
	}
	if c.contentType != "" {
		req.Header.Set("Content-Type", c.contentType)
	}
	if c.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(c.secret, c.body))
	}
	for k, v := range c.headers {
		req.Header.Set(k, fmt.Sprint(v))
	}

	switch stringParam(c.auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(c.auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(c.auth, "username", ""), stringParam(c.auth, "password", ""))
	case "api_key":
		if name := stringParam(c.auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(c.auth, "header_value", ""))
		}
	}
	return req, nil
}

// client builds a fresh client per call; the shared default transport is
// cloned, never mutated.
func (c *webhookCall) client() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if c.insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	cl := &http.Client{Transport: tr}
	switch limit := c.redirects; {
	case limit < 0:
		cl.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	case limit > 0:
		cl.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return cl
}

func (a *WebhookAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	call, err := a.decode(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, call.timeout)
	defer cancel()
	req, err := call.request(ctx)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "webhook: build request").WithCause(err)
	}

	started := time.Now()
	resp, err := call.client().Do(req)
	elapsed := time.Since(started)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDispatchFailed, "webhook: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "webhook: read response").WithCause(err)
	}

	ct := resp.Header.Get("Content-Type")
	result := map[string]any{
		"status_code":  float64(resp.StatusCode),
		"status":       resp.Status,
		"headers":      flattenHeaders(resp.Header),
		"body":         decodeResponseBody(raw, ct),
		"content_type": ct,
		"duration_ms":  float64(elapsed.Milliseconds()),
	}

	if call.failOnStatus && resp.StatusCode >= http.StatusBadRequest {
		return nil, schema.NewErrorf(schema.ErrCodeDispatchFailed, "webhook: server returned %d", resp.StatusCode).
			WithDetails(result)
	}
	pending := resp.StatusCode == http.StatusAccepted && pendingFlag(result["body"])
	return &ActionOutput{Data: result, Pending: pending}, nil
}

// flattenHeaders keeps the first value of each header, typed as decoded JSON.
func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func decodeResponseBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			return v
		}
	}
	return string(raw)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
