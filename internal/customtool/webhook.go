package customtool

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// webhookRequest is the body posted to a coze/dify/n8n webhook handler.
type webhookRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// webhookResponse is the expected reply shape; a handler that returns plain
// text instead of this structure is still accepted (see callWebhook).
type webhookResponse struct {
	Content []xiaozhi.ContentItem `json:"content"`
	IsError bool                  `json:"isError"`
}

var webhookHTTPClient = &http.Client{}

// callWebhook POSTs the tool invocation to h.WebhookURL, signing the body
// with HMAC-SHA256 over h.Secret when one is configured (the "X-Signature"
// header), mirroring the bearer/HMAC patterns the coze/dify/n8n webhook
// ecosystem commonly expects for request authentication.
func callWebhook(ctx context.Context, h Handler, args map[string]any) (xiaozhi.ToolCallResult, error) {
	body, err := json.Marshal(webhookRequest{Tool: h.Name, Arguments: args})
	if err != nil {
		return xiaozhi.ToolCallResult{}, fmt.Errorf("marshal webhook request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return xiaozhi.ToolCallResult{}, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	if h.Secret != "" {
		req.Header.Set("X-Signature", signHMAC(h.Secret, body))
	}

	resp, err := webhookHTTPClient.Do(req)
	if err != nil {
		return xiaozhi.ToolCallResult{}, fmt.Errorf("%s webhook request: %w", h.Kind, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return xiaozhi.ToolCallResult{}, fmt.Errorf("read %s webhook response: %w", h.Kind, err)
	}
	if resp.StatusCode >= 300 {
		return xiaozhi.ErrorResult(fmt.Sprintf("%s webhook returned status %d: %s", h.Kind, resp.StatusCode, string(respBody))), nil
	}

	var parsed webhookResponse
	if err := json.Unmarshal(respBody, &parsed); err == nil && len(parsed.Content) > 0 {
		return xiaozhi.ToolCallResult{Content: parsed.Content, IsError: parsed.IsError}, nil
	}
	// Handlers that reply with plain text/JSON scalars are wrapped as-is.
	return xiaozhi.ToolCallResult{Content: []xiaozhi.ContentItem{xiaozhi.TextContent(string(respBody))}}, nil
}

func signHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
