// Package platform defines the messaging front-end contract the handler
// talks to, plus a rate-limited decorator for platforms with flood
// control.
package platform

import "context"

// SendOptions carries optional delivery parameters.
type SendOptions struct {
	ReplyTo   string // message id to reply to, if any
	ParseMode string // "markdown", "html", or empty for plain text
}

// Platform is the outbound half of a messaging front-end: the handler
// creates one status message per node, then edits it in place as the
// turn progresses.
type Platform interface {
	// SendStatus posts a new status message and returns its platform id.
	SendStatus(ctx context.Context, chatID, text string, opts SendOptions) (string, error)

	// EditStatus replaces the text of a previously sent status message.
	EditStatus(ctx context.Context, chatID, statusMessageID, text string, opts SendOptions) error
}
