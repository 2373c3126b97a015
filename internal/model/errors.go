// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: sync, selection, validation, system
	Action   string // ユーザー向け対処方法

	// Fields は入力検証で不正だった項目名とその理由。検証エラー以外ではnil。
	Fields map[string]string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeSyncAlreadyRunning = "SYNC_ALREADY_RUNNING"
	ErrCodeSyncNotRunning     = "SYNC_NOT_RUNNING"
	ErrCodeRecordNotFound     = "RECORD_NOT_FOUND"
	ErrCodeInvalidRecordID    = "INVALID_RECORD_ID"
	ErrCodeInvalidFeedback    = "INVALID_FEEDBACK"
	ErrCodeEmptyCollection    = "EMPTY_COLLECTION"
	ErrCodeRemoteUnavailable  = "REMOTE_UNAVAILABLE"
	ErrCodeRemoteAuth         = "REMOTE_AUTH_FAILED"
	ErrCodeNotServed          = "RECORD_NOT_SERVED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewSyncAlreadyRunningError は同期の多重起動を拒否したことを示すエラーを生成する。
func NewSyncAlreadyRunningError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncAlreadyRunning,
		Message:  "コレクションの同期はすでに実行中です。",
		Category: "sync",
		Action:   "実行中の同期が完了するまで待つか、キャンセルしてから再度お試しください。",
	}
}

// NewSyncNotRunningError はキャンセル対象の同期が存在しない場合のエラーを生成する。
func NewSyncNotRunningError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncNotRunning,
		Message:  "実行中の同期はありません。",
		Category: "sync",
		Action:   "同期の状態を確認してください。",
	}
}

// NewRecordNotFoundError はレコード未検出エラーを生成する。
func NewRecordNotFoundError(externalID int64) *APIError {
	return &APIError{
		Code:     ErrCodeRecordNotFound,
		Message:  fmt.Sprintf("指定されたレコードが見つかりません: %d", externalID),
		Category: "selection",
		Action:   "レコードIDを確認してください。",
	}
}

// NewInvalidRecordIDError は無効なレコードIDエラーを生成する。
func NewInvalidRecordIDError(raw string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRecordID,
		Message:  fmt.Sprintf("無効なレコードIDです: %s", raw),
		Category: "validation",
		Action:   "レコードIDには正の整数を指定してください。",
	}
}

// NewInvalidFeedbackError は無効なフィードバック値エラーを生成する。
func NewInvalidFeedbackError(score int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFeedback,
		Message:  fmt.Sprintf("無効なフィードバック値です: %d", score),
		Category: "validation",
		Action:   "フィードバックには -1、0、1 のいずれかを指定してください。",
	}
}

// NewEmptyCollectionError はコレクションが空の場合のエラーを生成する。
func NewEmptyCollectionError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyCollection,
		Message:  "コレクションにレコードがありません。",
		Category: "selection",
		Action:   "先にコレクションを同期してください。",
	}
}

// NewRemoteAuthError はリモートAPIの認証に失敗した場合のエラーを生成する。
func NewRemoteAuthError() *APIError {
	return &APIError{
		Code:     ErrCodeRemoteAuth,
		Message:  "リモートAPIの認証に失敗しました。",
		Category: "sync",
		Action:   "ユーザー名とアクセストークンの設定を確認してください。",
	}
}

// NewRemoteUnavailableError はリモートAPIに接続できない場合のエラーを生成する。
func NewRemoteUnavailableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeRemoteUnavailable,
		Message:  fmt.Sprintf("リモートAPIに接続できません: %s", reason),
		Category: "sync",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewNotServedError はセッションに提供していないレコードへのフィードバックを拒否するエラーを生成する。
func NewNotServedError(externalID int64) *APIError {
	return &APIError{
		Code:     ErrCodeNotServed,
		Message:  fmt.Sprintf("このセッションに提供されていないレコードです: %d", externalID),
		Category: "selection",
		Action:   "ランダム選曲で提供されたレコードにのみフィードバックできます。",
	}
}

// NewInvalidRequestError はリクエストボディの不備を示すエラーを生成する。
func NewInvalidRequestError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", detail),
		Category: "validation",
		Action:   "リクエストの内容を確認してください。",
	}
}

// NewValidationError は項目ごとの検証エラーを持つエラーを生成する。
func NewValidationError(fields map[string]string) *APIError {
	apiErr := NewInvalidRequestError("入力値に誤りがあります")
	apiErr.Fields = fields
	return apiErr
}

// NewRateLimitError はリクエスト数の上限超過を示すエラーを生成する。
func NewRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterに示された秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにだけ残す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
