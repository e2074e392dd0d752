package transport

import "context"

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is one inline keyboard button. Callback and URL are mutually
// exclusive; Callback wins when both are set.
type Button struct {
	Text     string
	Callback string
	URL      string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Buttons is an inline keyboard, one slice per row.
	// Attached only to the last chunk of a split message.
	Buttons [][]Button
}

// Client sends outbound messages through one bot credential.
//
// SendText splits long text into transport-sized chunks and sends them
// sequentially, short-circuiting on the first failure. The returned ref is
// that of the LAST chunk sent, since that is the message a later retraction
// should target.
type Client interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error
}
