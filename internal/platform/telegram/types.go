package telegram

import (
	"fmt"
	"time"
)

// MediaKind selects the send endpoint for a payload.
type MediaKind string

const (
	MediaNone     MediaKind = ""
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// Payload is one outbound message. Body is HTML-formatted text; when Media is
// set it becomes the caption. Media kinds are mutually exclusive.
type Payload struct {
	Body                string
	Media               MediaKind
	MediaURL            string
	DisableNotification bool

	// ReplyMarkup is a raw inline-keyboard structure serialized as-is.
	ReplyMarkup any
}

// SendResult is returned on an accepted send. Callers should persist MessageID.
type SendResult struct {
	MessageID int64
}

// RateLimitedError means the platform asked us to slow down. The caller must
// wait RetryAfter before the next call with the same token.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// PermanentError means the recipient is unreachable for good (blocked the bot,
// chat does not exist, bot kicked). The caller must not retry this recipient.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return "permanent reject: " + e.Reason }

// TransientError covers network failures and platform 5xx. Retry policy is up
// to the caller.
type TransientError struct {
	Reason string
}

func (e *TransientError) Error() string { return "transient failure: " + e.Reason }
