package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound は対象のレコードが存在しないことを表します。
var ErrNotFound = errors.New("not found")

// ErrConflict は条件付き更新の前提（現在の状態）が一致しなかったことを表します。
var ErrConflict = errors.New("state conflict")

// ErrQuotaExceeded は日次ジョブ上限に達したことを表します。
var ErrQuotaExceeded = errors.New("quota exceeded")

// StorageError は永続化層の障害です。ErrNotFound とは区別されます。
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// WrapStorage は err を StorageError で包みます。nil と既知の番兵エラーはそのまま返します。
func WrapStorage(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrQuotaExceeded) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Admission の拒否理由
const (
	ReasonQuotaExceeded = "QUOTA_EXCEEDED"
	ReasonUnknownTenant = "UNKNOWN_TENANT"
	ReasonRateLimited   = "RATE_LIMITED"
	ReasonFeatureDenied = "FEATURE_NOT_AVAILABLE"
)

// AdmissionDeniedError はジョブ受付が拒否されたことを表します。
type AdmissionDeniedError struct {
	TenantID string
	Reason   string
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied for tenant %s: %s", e.TenantID, e.Reason)
}

// ValidationError は入力の不備です。作成前に検出され、ジョブは作られません。
type ValidationError struct {
	Field   string
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// DispatchError は処理の実行失敗です。ジョブの失敗理由として記録され、呼び出し元には伝播しません。
type DispatchError struct {
	Code    string
	Message string
	Err     error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// TransitionError は許可されていない状態遷移を表します。
type TransitionError struct {
	Event   Event
	Current Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %q is not allowed in status %q", e.Event, e.Current)
}
