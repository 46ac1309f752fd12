// Package gateerr defines the ReceiptGate error taxonomy. Every error that is
// surfaced to a caller carries a stable string code, an HTTP status, and
// optional structured details.
package gateerr

import "fmt"

// Error codes surfaced to callers.
const (
	CodeValidation            = "VALIDATION_ERROR"
	CodeBodyTooLarge          = "BODY_TOO_LARGE"
	CodeArtifactRefInvalid    = "ARTIFACT_REF_INVALID"
	CodeCauseNotFound         = "CAUSE_NOT_FOUND"
	CodeReceiptIDCollision    = "RECEIPT_ID_COLLISION"
	CodeObligationTerminated  = "OBLIGATION_ALREADY_TERMINATED"
	CodeCompleteWithoutAccept = "COMPLETE_WITHOUT_ACCEPT"
	CodeCancelWithoutAccept   = "CANCEL_WITHOUT_ACCEPT"
	CodeEscalateParentInvalid = "ESCALATE_PARENT_INVALID"
	CodeChildObligationExists = "CHILD_OBLIGATION_ALREADY_EXISTS"
	CodeNotFound              = "NOT_FOUND"
)

// Error is a caller-visible ReceiptGate failure.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validation returns a 422 VALIDATION_ERROR.
func Validation(message string, details map[string]any) *Error {
	return &Error{Status: 422, Code: CodeValidation, Message: message, Details: details}
}

// Conflict returns a 409 with the given code.
func Conflict(code, message string, details map[string]any) *Error {
	return &Error{Status: 409, Code: code, Message: message, Details: details}
}

// BodyTooLarge returns a 413 BODY_TOO_LARGE.
func BodyTooLarge(maxBytes, sizeBytes int) *Error {
	return &Error{
		Status:  413,
		Code:    CodeBodyTooLarge,
		Message: "Receipt body exceeds maximum size",
		Details: map[string]any{"max_bytes": maxBytes, "size_bytes": sizeBytes},
	}
}

// NotFound returns a 404 NOT_FOUND.
func NotFound(message string) *Error {
	return &Error{Status: 404, Code: CodeNotFound, Message: message}
}

// Unprocessable returns a 422 with a non-default code.
func Unprocessable(code, message string, details map[string]any) *Error {
	return &Error{Status: 422, Code: code, Message: message, Details: details}
}
