package models

import (
	"fmt"
	"net/http"
)

// RejectCode is the machine-readable reason a bet was turned away.
type RejectCode string

const (
	CodeMissingRequestID        RejectCode = "MISSING_REQUEST_ID"
	CodeInvalidRequestID        RejectCode = "INVALID_REQUEST_ID"
	CodeDuplicateRequest        RejectCode = "DUPLICATE_REQUEST"
	CodeRequestAlreadyProcessed RejectCode = "REQUEST_ALREADY_PROCESSED"
	CodeInvalidTimestamp        RejectCode = "INVALID_TIMESTAMP"
	CodeInvalidNonce            RejectCode = "INVALID_NONCE"
	CodeInvalidBet              RejectCode = "INVALID_BET"
	CodeRateLimitExceeded       RejectCode = "RATE_LIMIT_EXCEEDED"
	CodeCaptchaRequired         RejectCode = "CAPTCHA_REQUIRED"
	CodeCaptchaFailed           RejectCode = "CAPTCHA_FAILED"
	CodeSuspiciousCooldown      RejectCode = "SUSPICIOUS_ACTIVITY_COOLDOWN"
	CodeAccountUnderReview      RejectCode = "ACCOUNT_UNDER_REVIEW"
	CodeCommitmentNotFound      RejectCode = "COMMITMENT_NOT_FOUND"
	CodeCommitmentExpired       RejectCode = "COMMITMENT_EXPIRED"
	CodeCommitmentFinalized     RejectCode = "COMMITMENT_ALREADY_RESOLVED"
	CodeFairnessIntegrity       RejectCode = "FAIRNESS_INTEGRITY_FAILURE"
	CodeServiceUnavailable      RejectCode = "SERVICE_UNAVAILABLE"
)

var codeStatus = map[RejectCode]int{
	CodeMissingRequestID:        http.StatusBadRequest,
	CodeInvalidRequestID:        http.StatusBadRequest,
	CodeDuplicateRequest:        http.StatusConflict,
	CodeRequestAlreadyProcessed: http.StatusConflict,
	CodeInvalidTimestamp:        http.StatusBadRequest,
	CodeInvalidNonce:            http.StatusBadRequest,
	CodeInvalidBet:              http.StatusBadRequest,
	CodeRateLimitExceeded:       http.StatusTooManyRequests,
	CodeCaptchaRequired:         http.StatusForbidden,
	CodeCaptchaFailed:           http.StatusForbidden,
	CodeSuspiciousCooldown:      http.StatusTooManyRequests,
	CodeAccountUnderReview:      http.StatusForbidden,
	CodeCommitmentNotFound:      http.StatusNotFound,
	CodeCommitmentExpired:       http.StatusGone,
	CodeCommitmentFinalized:     http.StatusConflict,
	CodeFairnessIntegrity:       http.StatusInternalServerError,
	CodeServiceUnavailable:      http.StatusServiceUnavailable,
}

// Status maps a code to its HTTP status.
func (c RejectCode) Status() int {
	if s, ok := codeStatus[c]; ok {
		return s
	}
	return http.StatusBadRequest
}

// GatewayError is a rejection surfaced to the caller with retry guidance in Details.
type GatewayError struct {
	Code    RejectCode
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// With attaches a detail field and returns the error for chaining.
func (e *GatewayError) With(key string, value interface{}) *GatewayError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func Reject(code RejectCode, format string, args ...interface{}) *GatewayError {
	return &GatewayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps an infrastructure failure. The gateway fails closed on these.
func Unavailable(err error, format string, args ...interface{}) *GatewayError {
	return &GatewayError{Code: CodeServiceUnavailable, Message: fmt.Sprintf(format, args...), Err: err}
}
