package identity

import (
	"errors"
	"fmt"
)

// Codes reported by AuthError.
const (
	CodeCancelled         = "auth/cancelled"
	CodeProviderError     = "auth/provider-error"
	CodeUserNotFound      = "auth/user-not-found"
	CodeWrongPassword     = "auth/wrong-password"
	CodeUserDisabled      = "auth/user-disabled"
	CodeInvalidCredential = "auth/invalid-credential"
	CodeEmailInUse        = "auth/email-already-in-use"
	CodeWeakPassword      = "auth/weak-password"
	CodeInternal          = "auth/internal-error"
)

// AuthError reports a failed identity operation with a stable code.
type AuthError struct {
	code string
	err  error
}

func newAuthError(code string, cause error) *AuthError {
	return &AuthError{code: code, err: cause}
}

func (e *AuthError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *AuthError) Unwrap() error {
	return e.err
}

func (e *AuthError) Code() string {
	return e.code
}

// CodeOf returns the AuthError code carried by err, or "" when err is not an AuthError.
func CodeOf(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.code
	}
	return ""
}
