// Package notify は署名者への通知送信を提供する。
// 送信は失敗しうる外部処理として扱い、呼び出し元はエラーを記録するだけで処理を継続する。
package notify

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
)

// Kind は通知テンプレートの種別。
type Kind string

const (
	KindSigningRequest    Kind = "signing_request"
	KindVerificationCode  Kind = "verification_code"
	KindEnvelopeCompleted Kind = "envelope_completed"
	KindEnvelopeDeclined  Kind = "envelope_declined"
	KindEnvelopeVoided    Kind = "envelope_voided"
)

// Message は送信する通知1件。Dataはテンプレートに渡す値。
type Message struct {
	To   string
	Kind Kind
	Data map[string]string
}

// Notifier は通知送信のインターフェース。
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// NotifierFunc は関数をNotifierとして扱うアダプタ。
type NotifierFunc func(ctx context.Context, msg Message) error

// Send はf(ctx, msg)を呼び出す。
func (f NotifierFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

var templates = map[Kind]messageTemplate{
	KindSigningRequest: mustTemplate(
		`Signature requested: {{.subject}}`,
		`Hello {{.recipient_name}},

{{if .message}}{{.message}}

{{end}}You have been asked to sign "{{.subject}}".
Open the link below to review and sign the document:
{{.signing_url}}
`),
	KindVerificationCode: mustTemplate(
		`Your verification code`,
		`Your verification code is {{.code}}.
It expires in {{.expires_minutes}} minutes. Do not share this code with anyone.
`),
	KindEnvelopeCompleted: mustTemplate(
		`Completed: {{.subject}}`,
		`Hello {{.recipient_name}},

All parties have signed "{{.subject}}". The certified document is available from the sender.
`),
	KindEnvelopeDeclined: mustTemplate(
		`Declined: {{.subject}}`,
		`Hello {{.recipient_name}},

"{{.subject}}" was declined by {{.declined_by}}.{{if .reason}}
Reason: {{.reason}}{{end}}
`),
	KindEnvelopeVoided: mustTemplate(
		`Voided: {{.subject}}`,
		`Hello {{.recipient_name}},

The sender has voided "{{.subject}}". No further action is required.{{if .reason}}
Reason: {{.reason}}{{end}}
`),
}

func mustTemplate(subject, body string) messageTemplate {
	return messageTemplate{
		subject: template.Must(template.New("subject").Option("missingkey=zero").Parse(subject)),
		body:    template.Must(template.New("body").Option("missingkey=zero").Parse(body)),
	}
}

// Render はメッセージの件名と本文を生成する。
func Render(msg Message) (subject, body string, err error) {
	tmpl, ok := templates[msg.Kind]
	if !ok {
		return "", "", fmt.Errorf("unknown notification kind: %s", msg.Kind)
	}
	data := msg.Data
	if data == nil {
		data = map[string]string{}
	}

	var sb, bb bytes.Buffer
	if err := tmpl.subject.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("failed to render subject: %w", err)
	}
	if err := tmpl.body.Execute(&bb, data); err != nil {
		return "", "", fmt.Errorf("failed to render body: %w", err)
	}
	return sb.String(), bb.String(), nil
}
