package notify

import (
	"context"
	"log/slog"
)

// LogNotifier は通知内容をログに出力するだけのNotifier。
// Webhookが未設定の環境で使用する。認証コードはログに出さない。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Send は通知の宛先と種別をINFOで記録する。
func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	subject, _, err := Render(msg)
	if err != nil {
		return err
	}
	n.logger.InfoContext(ctx, "notification",
		slog.String("to", msg.To),
		slog.String("kind", string(msg.Kind)),
		slog.String("subject", subject),
	)
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
