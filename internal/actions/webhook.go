package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relvohq/automation/pkg/schema"
)

// WebhookConfig configures the invoke_webhook action.
type WebhookConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client // nil = http.DefaultClient semantics
}

const (
	defaultMaxResponseBody = 1 * 1024 * 1024 // 1MB
	defaultWebhookTimeout  = 30 * time.Second
)

const invokeWebhookConfigSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "method": {"type": "string", "enum": ["GET", "POST", "PUT"]},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}}
  },
  "required": ["url"],
  "additionalProperties": false
}`

// InvokeWebhookHandler implements the invoke_webhook action. The entity
// snapshot is posted as the request body so receivers see the state the
// rule matched against.
type InvokeWebhookHandler struct {
	config WebhookConfig
}

// NewInvokeWebhookHandler creates an invoke_webhook handler.
func NewInvokeWebhookHandler(cfg WebhookConfig) *InvokeWebhookHandler {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultWebhookTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &InvokeWebhookHandler{config: cfg}
}

func (h *InvokeWebhookHandler) Type() schema.ActionType { return schema.ActionInvokeWebhook }

func (h *InvokeWebhookHandler) ConfigSchema() json.RawMessage {
	return json.RawMessage(invokeWebhookConfigSchema)
}

func (h *InvokeWebhookHandler) Validate(config json.RawMessage) error {
	var cfg schema.InvokeWebhookConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	u, err := url.ParseRequestURI(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "invoke_webhook: invalid url %q", cfg.URL)
	}
	switch strings.ToUpper(cfg.Method) {
	case "", "GET", "POST", "PUT":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "invoke_webhook: unsupported method %q", cfg.Method)
	}
	return nil
}

func (h *InvokeWebhookHandler) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	var cfg schema.InvokeWebhookConfig
	if err := decodeConfig(inv.Config, &cfg); err != nil {
		return nil, err
	}
	if err := h.Validate(inv.Config); err != nil {
		return nil, err
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = "POST"
	}

	var body io.Reader
	if method != "GET" {
		payload := map[string]any{
			"entity_type": inv.EntityType,
			"entity_id":   inv.EntityID,
			"snapshot":    inv.Snapshot,
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeActionPermanent,
				"invoke_webhook: failed to marshal payload").WithCause(err)
		}
		body = strings.NewReader(string(b))
	}

	reqCtx, cancel := context.WithTimeout(ctx, h.config.DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, cfg.URL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionPermanent,
			"invoke_webhook: failed to create request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.config.Client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		// Connection faults and timeouts are transient.
		return nil, schema.NewErrorf(schema.ErrCodeActionTransient,
			"invoke_webhook: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionTransient,
			"invoke_webhook: failed to read response body").WithCause(err)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"duration_ms": durationMs,
	}

	// 5xx may recover on retry; 4xx means the receiver rejected the request.
	if resp.StatusCode >= 500 {
		return nil, schema.NewErrorf(schema.ErrCodeActionTransient,
			"invoke_webhook: server returned %d", resp.StatusCode).WithDetails(result)
	}
	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeActionPermanent,
			"invoke_webhook: receiver returned %d", resp.StatusCode).WithDetails(result)
	}

	if len(respBody) > 0 {
		var parsed any
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			result["body"] = parsed
		} else {
			result["body"] = string(respBody)
		}
	}
	return marshalResult(result)
}

