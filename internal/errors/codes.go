package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for matchmaking operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeMissingUserID   ErrorCode = 1001
	ErrCodeMissingGame     ErrorCode = 1002
	ErrCodeMissingGameMode ErrorCode = 1003
	ErrCodeInvalidKeyPart  ErrorCode = 1004
	ErrCodeRequestConflict ErrorCode = 1005
	ErrCodeMatchConflict   ErrorCode = 1006
	ErrCodeNotQueued       ErrorCode = 1007

	// Server errors (5xx equivalent)
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeMatchCommitFailed ErrorCode = 2002
)

// MatchError represents a structured error with code and context
type MatchError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *MatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *MatchError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts MatchError to gRPC status
func (e *MatchError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *MatchError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeMissingUserID, ErrCodeMissingGame,
		ErrCodeMissingGameMode, ErrCodeInvalidKeyPart:
		return codes.InvalidArgument
	case ErrCodeRequestConflict:
		return codes.AlreadyExists
	case ErrCodeMatchConflict:
		return codes.Aborted
	case ErrCodeNotQueued:
		return codes.NotFound
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the error code to an HTTP status code
func (e *MatchError) HTTPStatus() int {
	switch e.toGRPCCode() {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewMatchError creates a new MatchError
func NewMatchError(code ErrorCode, message string, cause error) *MatchError {
	return &MatchError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *MatchError) WithDetail(key string, value interface{}) *MatchError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *MatchError {
	return NewMatchError(ErrCodeInvalidArgument, message, cause)
}

func MissingUserID(requestID string) *MatchError {
	return NewMatchError(ErrCodeMissingUserID, "user ID is required", nil).
		WithDetail("request_id", requestID)
}

func MissingGame(requestID string) *MatchError {
	return NewMatchError(ErrCodeMissingGame, "primary game is required", nil).
		WithDetail("request_id", requestID)
}

func MissingGameMode(requestID string) *MatchError {
	return NewMatchError(ErrCodeMissingGameMode, "game mode is required", nil).
		WithDetail("request_id", requestID)
}

func InvalidKeyPart(field, value string) *MatchError {
	return NewMatchError(ErrCodeInvalidKeyPart, fmt.Sprintf("invalid %s '%s': must not contain ':'", field, value), nil).
		WithDetail("field", field).
		WithDetail("value", value)
}

// RequestConflict is returned when the user already owns a different active request
func RequestConflict(userID, existingRequestID string) *MatchError {
	return NewMatchError(ErrCodeRequestConflict, fmt.Sprintf("user %s already has an active request %s", userID, existingRequestID), nil).
		WithDetail("user_id", userID).
		WithDetail("existing_request_id", existingRequestID)
}

// MatchConflict is returned when a participant is no longer searching at commit time
func MatchConflict(expected, updated int64) *MatchError {
	return NewMatchError(ErrCodeMatchConflict, fmt.Sprintf("match commit updated %d of %d requests", updated, expected), nil).
		WithDetail("expected", expected).
		WithDetail("updated", updated)
}

// NotQueued is returned when a user has no request in any queue
func NotQueued(userID string) *MatchError {
	return NewMatchError(ErrCodeNotQueued, fmt.Sprintf("user %s has no queued request", userID), nil).
		WithDetail("user_id", userID)
}

func MatchCommitFailed(message string, cause error) *MatchError {
	return NewMatchError(ErrCodeMatchCommitFailed, message, cause)
}

func InternalError(message string, cause error) *MatchError {
	return NewMatchError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *MatchError {
	return NewMatchError(ErrCodeUnavailable, message, cause)
}

// IsMatchError checks if an error is a MatchError
func IsMatchError(err error) bool {
	var me *MatchError
	return stderrors.As(err, &me)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var me *MatchError
	if stderrors.As(err, &me) {
		return me.Code
	}
	return ErrCodeInternal
}

// IsConflict reports whether err is a duplicate active request error
func IsConflict(err error) bool {
	return GetCode(err) == ErrCodeRequestConflict
}

// IsValidation reports whether err was raised by request validation
func IsValidation(err error) bool {
	switch GetCode(err) {
	case ErrCodeInvalidArgument, ErrCodeMissingUserID, ErrCodeMissingGame,
		ErrCodeMissingGameMode, ErrCodeInvalidKeyPart:
		return true
	}
	return false
}

// ExistingRequestID returns the conflicting request ID carried by a conflict error
func ExistingRequestID(err error) string {
	var me *MatchError
	if !stderrors.As(err, &me) || me.Code != ErrCodeRequestConflict {
		return ""
	}
	id, _ := me.Details["existing_request_id"].(string)
	return id
}
