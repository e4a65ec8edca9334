package notifier

import "context"

// Notifier delivers the emails the authentication flows produce. Sends
// happen after the state change commits; a failed send never rolls the
// change back.
type Notifier interface {
	// SendEmailChangeVerification delivers the verify link to the new
	// address being claimed.
	SendEmailChangeVerification(ctx context.Context, newEmail, verifyToken string) error

	// SendEmailChangeNotice delivers the cancel link to the current
	// address so its owner can stop a hijack attempt.
	SendEmailChangeNotice(ctx context.Context, oldEmail, maskedNewEmail, cancelToken string) error

	// SendSecurityNotice informs an address of a security-relevant event
	// (bulk session revoke, MFA disabled, email change completed).
	SendSecurityNotice(ctx context.Context, email, subject, body string) error
}
