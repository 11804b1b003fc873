package model

import (
	"errors"
	"fmt"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法に加え、監査証跡を再構成するための詳細を含む。
type APIError struct {
	Code     string            // エラーコード
	Message  string            // エラーメッセージ
	Category string            // カテゴリ: auth, validation, state, system
	Action   string            // ユーザー向け対処方法
	Details  map[string]string // エンティティIDやイベント名などの構造化情報
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// WithDetail は詳細情報を追加したAPIErrorを返す。
func (e *APIError) WithDetail(key, value string) *APIError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// 定義済みエラーコード
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeExpired             = "EXPIRED"
	ErrCodeInvalidCode         = "INVALID_CODE"
	ErrCodeUnverified          = "UNVERIFIED"
	ErrCodeVerificationNotSent = "VERIFICATION_NOT_SENT"
	ErrCodeTooManyRequests     = "TOO_MANY_REQUESTS"
	ErrCodeForbidden           = "FORBIDDEN"
)

// IsCode はerrがAPIErrorであり、指定コードを持つかを判定する。
func IsCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewNotFoundError は参照先エンティティ未検出エラーを生成する。
func NewNotFoundError(entity, id string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s not found: %s", entity, id),
		Category: "validation",
		Action:   "IDを確認してください。",
		Details:  map[string]string{"entity": entity, "id": id},
	}
}

// NewInvalidStateError は現在の状態では実行できない操作のエラーを生成する。
func NewInvalidStateError(entity, id, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  fmt.Sprintf("%s %s: %s", entity, id, reason),
		Category: "state",
		Action:   "エンベロープの状態を確認してください。",
		Details:  map[string]string{"entity": entity, "id": id},
	}
}

// NewValidationError は入力不正エラーを生成する。
// problemsには検出したすべての問題を渡す。
func NewValidationError(problems ...string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  "invalid input: " + strings.Join(problems, "; "),
		Category: "validation",
		Action:   "入力内容を修正してください。",
	}
}

// NewExpiredError はワンタイムコードまたはセッションの期限切れエラーを生成する。
func NewExpiredError(signerID, what string) *APIError {
	return &APIError{
		Code:     ErrCodeExpired,
		Message:  fmt.Sprintf("%s expired", what),
		Category: "auth",
		Action:   "認証コードを再発行してください。",
		Details:  map[string]string{"signer_id": signerID},
	}
}

// NewInvalidCodeError は認証コード不一致エラーを生成する。
func NewInvalidCodeError(signerID string, remaining int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCode,
		Message:  "verification code does not match",
		Category: "auth",
		Action:   fmt.Sprintf("コードを確認して再入力してください（残り%d回）。", remaining),
		Details:  map[string]string{"signer_id": signerID},
	}
}

// NewUnverifiedError は有効な署名セッションなしで署名操作を試みた場合のエラーを生成する。
func NewUnverifiedError(signerID string) *APIError {
	return &APIError{
		Code:     ErrCodeUnverified,
		Message:  "signer session is not verified",
		Category: "auth",
		Action:   "認証コードで本人確認を行ってください。",
		Details:  map[string]string{"signer_id": signerID},
	}
}

// NewVerificationNotSentError は認証コードの送信に失敗した場合のエラーを生成する。
func NewVerificationNotSentError(signerID string) *APIError {
	return &APIError{
		Code:     ErrCodeVerificationNotSent,
		Message:  "verification code could not be delivered",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Details:  map[string]string{"signer_id": signerID},
	}
}

// NewTooManyRequestsError はレート制限超過エラーを生成する。
func NewTooManyRequestsError(signerID string) *APIError {
	return &APIError{
		Code:     ErrCodeTooManyRequests,
		Message:  "too many verification requests",
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。",
		Details:  map[string]string{"signer_id": signerID},
	}
}

// NewForbiddenError は権限のない操作のエラーを生成する。
func NewForbiddenError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  reason,
		Category: "auth",
		Action:   "権限を確認してください。",
	}
}
