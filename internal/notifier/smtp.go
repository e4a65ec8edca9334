package notifier

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// SMTPNotifier sends plain-text mail through a relay. No auth is assumed;
// point it at a local relay or sidecar that handles delivery.
type SMTPNotifier struct {
	addr    string
	from    string
	baseURL string
}

func NewSMTPNotifier(cfg *config.Config) *SMTPNotifier {
	return &SMTPNotifier{
		addr:    cfg.Notifier.SMTPAddr,
		from:    cfg.Notifier.From,
		baseURL: strings.TrimRight(cfg.Notifier.BaseURL, "/"),
	}
}

func (n *SMTPNotifier) SendEmailChangeVerification(ctx context.Context, newEmail, verifyToken string) error {
	link := fmt.Sprintf("%s/api/v1/email-change/verify?token=%s", n.baseURL, verifyToken)
	body := fmt.Sprintf(
		"A request was made to move an account to this address.\r\n\r\n"+
			"To confirm, open the link below within 24 hours:\r\n\r\n%s\r\n\r\n"+
			"If you did not expect this, ignore this message.\r\n", link)
	return n.send(ctx, newEmail, "Confirm your new email address", body)
}

func (n *SMTPNotifier) SendEmailChangeNotice(ctx context.Context, oldEmail, maskedNewEmail, cancelToken string) error {
	link := fmt.Sprintf("%s/api/v1/email-change/cancel?token=%s", n.baseURL, cancelToken)
	body := fmt.Sprintf(
		"A request was made to change your account email to %s.\r\n\r\n"+
			"If this was you, no action is needed. If not, cancel it here:\r\n\r\n%s\r\n", maskedNewEmail, link)
	return n.send(ctx, oldEmail, "Email change requested on your account", body)
}

func (n *SMTPNotifier) SendSecurityNotice(ctx context.Context, email, subject, body string) error {
	return n.send(ctx, email, subject, body+"\r\n")
}

func (n *SMTPNotifier) send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", n.from, to, subject, body)
	if err := smtp.SendMail(n.addr, nil, n.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", to, err)
	}
	return nil
}

// LogNotifier writes mail to the log instead of sending it. Used in
// development when no relay is configured.
type LogNotifier struct{}

func (LogNotifier) SendEmailChangeVerification(_ context.Context, newEmail, verifyToken string) error {
	util.Info("email-change verification (not sent)",
		util.String("to", newEmail),
		util.String("verify_token", verifyToken))
	return nil
}

func (LogNotifier) SendEmailChangeNotice(_ context.Context, oldEmail, maskedNewEmail, cancelToken string) error {
	util.Info("email-change notice (not sent)",
		util.String("to", oldEmail),
		util.String("new_email", maskedNewEmail),
		util.String("cancel_token", cancelToken))
	return nil
}

func (LogNotifier) SendSecurityNotice(_ context.Context, email, subject, _ string) error {
	util.Info("security notice (not sent)",
		util.String("to", email),
		util.String("subject", subject))
	return nil
}
