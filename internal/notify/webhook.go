package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/signflow/internal/security"
)

// テンプレートに埋め込む値の最大文字数
const maxFieldLength = 2000

// webhookPayload は通知Webhookに送信するJSON。
type webhookPayload struct {
	To      string `json:"to"`
	Kind    Kind   `json:"kind"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// WebhookNotifier は外部の配信サービスへHTTP POSTで通知を渡すNotifier。
// 配信（メール・SMS）そのものは送信先のサービスが担う。
type WebhookNotifier struct {
	httpClient *http.Client
	endpoint   string
	sanitizer  security.TextSanitizer
	logger     *slog.Logger
	policy     RetryPolicy
}

// NewWebhookNotifier はWebhookNotifierを生成する。
// 本番ではsecurity.WebhookGuardのクライアントを渡す。
func NewWebhookNotifier(httpClient *http.Client, endpoint string, sanitizer security.TextSanitizer, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		httpClient: httpClient,
		endpoint:   endpoint,
		sanitizer:  sanitizer,
		logger:     logger,
		policy:     RetryPolicy{MaxAttempts: 1},
	}
}

// SetRetryPolicy は配信の再試行方針を設定する。既定では再試行しない。
func (n *WebhookNotifier) SetRetryPolicy(p RetryPolicy) {
	n.policy = p
}

// Send は通知を送信する。429・5xx・通信エラーは再試行方針に従って再送し、
// それ以外の2xx以外の応答は直ちにエラーとして返す。
func (n *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	clean := Message{To: msg.To, Kind: msg.Kind, Data: make(map[string]string, len(msg.Data))}
	for k, v := range msg.Data {
		clean.Data[k] = n.sanitizer.Sanitize(v, maxFieldLength)
	}

	subject, body, err := Render(clean)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(webhookPayload{To: msg.To, Kind: msg.Kind, Subject: subject, Body: body})
	if err != nil {
		return fmt.Errorf("通知ペイロードのエンコードに失敗しました: %w", err)
	}

	return n.policy.retry(ctx, func(attempt int) error {
		return n.post(ctx, msg.Kind, payload, attempt)
	})
}

func (n *WebhookNotifier) post(ctx context.Context, kind Kind, payload []byte, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return permanent(fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Signflow/1.0")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Error("通知Webhookの呼び出しに失敗しました",
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("通知Webhookの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case DeliveryOK:
		return nil
	case DeliveryRetryable:
		n.logger.Warn("通知Webhookが一時的なエラーを返しました",
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempt),
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("通知Webhookがステータス %d を返しました", resp.StatusCode)
	default:
		n.logger.Error("通知Webhookがエラーステータスを返しました",
			slog.String("kind", string(kind)),
			slog.Int("http_status", resp.StatusCode),
		)
		return permanent(fmt.Errorf("通知Webhookがステータス %d を返しました", resp.StatusCode))
	}
}

var _ Notifier = (*WebhookNotifier)(nil)
