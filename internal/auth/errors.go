package auth

import "errors"

var (
	// ErrInvalidCredentials covers both unknown usernames and bad TOTP codes.
	// The wording is deliberately uniform to block user enumeration.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrRateLimited signals too many login attempts from one address.
	ErrRateLimited = errors.New("too many login attempts")

	// ErrNoToken signals a request without an Authorization bearer token.
	ErrNoToken = errors.New("no token provided")

	// ErrTokenExpired signals a well-formed bearer token past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenInvalid signals a malformed or badly-signed bearer token.
	ErrTokenInvalid = errors.New("invalid token")
)
