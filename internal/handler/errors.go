// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/loydmilligan/vinylvault/internal/middleware"
	"github.com/loydmilligan/vinylvault/internal/model"
)

var validate = newValidator()

// newValidator はフィールド名としてJSONタグ名を報告するvalidatorを生成する。
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeSyncAlreadyRunning, model.ErrCodeSyncNotRunning:
		return http.StatusConflict
	case model.ErrCodeRecordNotFound, model.ErrCodeNotServed:
		return http.StatusNotFound
	case model.ErrCodeInvalidRecordID, model.ErrCodeInvalidFeedback, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeRemoteAuth, model.ErrCodeRemoteUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// recordIDParam はURLパスの{id}を正の整数として解釈する。
func recordIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, model.NewInvalidRecordIDError(raw)
	}
	return id, nil
}

// validationError は検証エラーをAPIErrorに変換する。
func validationError(err error) *model.APIError {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fieldMessage(fe)
		}
		return model.NewValidationError(fields)
	}
	return model.NewInvalidRequestError(err.Error())
}

// fieldMessage は検証タグごとの理由を返す。
func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "必須です"
	case "min":
		return fe.Param() + " 以上を指定してください"
	case "max":
		return fe.Param() + " 以下を指定してください"
	case "oneof":
		return strings.Join(strings.Fields(fe.Param()), ", ") + " のいずれかを指定してください"
	default:
		return fe.Tag() + " を満たす必要があります"
	}
}
