package httpapi

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"

	"k1s0/errors"
	"k1s0/logging"
	"k1s0/paging"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.ComponentLogger("httpapi").Warn(context.Background(), "write response failed", logging.Error(err))
	}
}

// statusFor 将错误码映射为 HTTP 状态码
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput, errors.ErrCodeValidation:
		return http.StatusBadRequest
	case errors.ErrCodeConflict, errors.ErrCodeAlreadyExists:
		return http.StatusConflict
	case errors.ErrCodeTimeout:
		return http.StatusRequestTimeout
	case errors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError 规范化错误后写出 ErrorPayload
func writeError(w http.ResponseWriter, err error) {
	writeErrorStatus(w, 0, err)
}

// writeErrorStatus status 为 0 时按错误码映射
func writeErrorStatus(w http.ResponseWriter, status int, err error) {
	err = errors.Normalize(err)

	var (
		code    errors.ErrorCode
		message string
		details string
	)
	var appErr *errors.AppError
	if stdErrors.As(err, &appErr) {
		code = appErr.Code()
		message = appErr.Message()
		if code == errors.ErrCodeInvalidInput && appErr.Cause() != nil {
			details = appErr.Cause().Error()
		}
	} else {
		code = errors.ErrCodeInternal
		message = err.Error()
	}
	if status == 0 {
		status = statusFor(code)
	}
	writeJSON(w, status, &ErrorPayload{Code: string(code), Message: message, Details: details})
}

// parsePagination 解析 page/page_size，缺省为 1 和 paging.DefaultPageSize
func parsePagination(r *http.Request) (paging.Request, error) {
	q := r.URL.Query()

	page := 1
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return paging.Request{}, errors.NewError(errors.ErrCodeInvalidInput, "page number must be a positive integer")
		}
		page = n
	}

	pageSize := paging.DefaultPageSize
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > paging.MaxPageSize {
			return paging.Request{}, errors.NewError(errors.ErrCodeInvalidInput, "page size must be between 1 and 100")
		}
		pageSize = n
	}

	return paging.NewRequest(page, pageSize), nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}
