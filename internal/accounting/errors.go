package accounting

import "errors"

var (
	// ErrNotConfigured is returned when the server URL or the credentials are missing
	ErrNotConfigured = errors.New("accounting client not configured")

	// ErrLoginFailed is returned when the accounting API rejects the credentials
	ErrLoginFailed = errors.New("login failed")

	// ErrInvalidLoginResponse is returned when a login response carries no token
	ErrInvalidLoginResponse = errors.New("invalid login response")

	// ErrUnauthorized is returned when a request is still rejected after logging in again
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnexpectedStatus is returned for HTTP status codes the client does not handle
	ErrUnexpectedStatus = errors.New("unexpected status code")
)
