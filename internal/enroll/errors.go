package enroll

import "errors"

var (
	// ErrInviteUnknown signals a token that was never issued or already reaped.
	ErrInviteUnknown = errors.New("invalid token")

	// ErrInviteExpired signals a token past its expiry.
	ErrInviteExpired = errors.New("token expired")

	// ErrInviteExhausted signals a token with no uses left.
	ErrInviteExhausted = errors.New("token already used")

	// ErrUsernameMalformed signals a username failing ^[a-z0-9]{3,32}$.
	ErrUsernameMalformed = errors.New("username must be 3-32 alphanumeric characters")

	// ErrUsernameTaken signals an enrollment for an existing username.
	ErrUsernameTaken = errors.New("username already exists")

	// ErrNoPending signals a confirmation without a matching step-1 record.
	ErrNoPending = errors.New("no pending enrollment found")

	// ErrBadConfirmCode signals a failed TOTP confirmation in step 2.
	ErrBadConfirmCode = errors.New("invalid TOTP code")
)
