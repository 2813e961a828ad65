package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

// ArrivalCategory tags host arrival notices at the email provider.
const ArrivalCategory = "visitor-arrival"

// Resolver maps a contact name to an email address.
type Resolver interface {
	Email(name string) (string, error)
}

// Dispatcher notifies a host contact by email.
type Dispatcher struct {
	sender   EmailSender
	resolver Resolver
	logger   *logging.Logger
}

func NewDispatcher(sender EmailSender, resolver Resolver, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	if sender == nil {
		sender = NewStubEmailSender(logger)
	}
	return &Dispatcher{sender: sender, resolver: resolver, logger: logger}
}

// Notify emails contactName. contactEmail, when set, is the address the
// session matched and is used as is; otherwise the resolver is consulted.
// A contact with no address yields ErrNoRecipient.
func (d *Dispatcher) Notify(ctx context.Context, contactName, contactEmail, subject, body string) error {
	contactName = strings.TrimSpace(contactName)
	if contactName == "" {
		return ErrNoRecipient
	}
	to := strings.TrimSpace(contactEmail)
	if to == "" {
		if d.resolver == nil {
			return fmt.Errorf("%w: %s", ErrNoRecipient, contactName)
		}
		email, err := d.resolver.Email(contactName)
		if err != nil || email == "" {
			d.logger.Warn("notify: contact has no email", "contact", contactName, "error", err)
			return fmt.Errorf("%w: %s", ErrNoRecipient, contactName)
		}
		to = email
	}
	return d.sender.Send(ctx, EmailMessage{
		To:       to,
		ToName:   contactName,
		Subject:  subject,
		Body:     body,
		HTML:     htmlBody(body),
		Category: ArrivalCategory,
	})
}

// htmlBody renders the plain notice one escaped line per row.
func htmlBody(body string) string {
	lines := strings.Split(strings.TrimSpace(body), "\n")
	for i, line := range lines {
		lines[i] = html.EscapeString(line)
	}
	return "<p>" + strings.Join(lines, "<br>\n") + "</p>"
}
