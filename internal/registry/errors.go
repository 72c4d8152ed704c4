package registry

import "errors"

// wire names for the sentinel errors, shared by the HTTP server and client
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "not_found"},
	{ErrExpired, "expired"},
	{ErrExhausted, "exhausted"},
	{ErrPasswordRequired, "password_required"},
	{ErrWrongPassword, "wrong_password"},
	{ErrAlreadyComplete, "already_complete"},
	{ErrInvalidToken, "invalid_token"},
	{ErrCodeSpace, "code_space"},
	{ErrInvalidRecipients, "invalid_recipients"},
}

// ErrorCode returns the wire name of a registry error, or "" if err is not one.
func ErrorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return ""
}

// FromErrorCode maps a wire name back to its sentinel.
func FromErrorCode(code string) error {
	for _, e := range errorCodes {
		if e.code == code {
			return e.err
		}
	}
	return nil
}
