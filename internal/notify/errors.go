package notify

import "errors"

var ErrNoRecipient = errors.New("notify: no email on file for contact")
