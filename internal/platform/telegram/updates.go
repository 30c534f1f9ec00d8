package telegram

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	tele "gopkg.in/telebot.v4"
)

// UpdateKind discriminates the two update shapes the runtime consumes.
type UpdateKind int

const (
	UpdateMessage UpdateKind = iota
	UpdateCallback
)

// User is the sender identity attached to an update.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// Update is a normalized getUpdates entry. Everything else Telegram can carry
// (edits, channel posts, inline queries) is dropped at this boundary.
type Update struct {
	ID   int
	Kind UpdateKind

	From   User
	ChatID int64

	// Message fields.
	Text string

	// Callback fields.
	CallbackID string
	Data       string
	MessageID  int64

	At time.Time
}

// GetUpdates long-polls for updates after offset. A timeout of zero makes the
// call return immediately with whatever is queued.
func (c *Client) GetUpdates(ctx context.Context, token string, offset int, timeout time.Duration) ([]Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientError{Reason: err.Error()}
	}
	b, err := c.bot(token)
	if err != nil {
		return nil, &TransientError{Reason: err.Error()}
	}

	params := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message", "callback_query"},
	}
	data, err := b.Raw("getUpdates", params)
	if err != nil {
		return nil, classify(err)
	}

	var resp struct {
		Result []tele.Update `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &TransientError{Reason: "decode updates: " + err.Error()}
	}

	out := make([]Update, 0, len(resp.Result))
	for _, u := range resp.Result {
		switch {
		case u.Message != nil && u.Message.Sender != nil && u.Message.Chat != nil:
			out = append(out, Update{
				ID:     u.ID,
				Kind:   UpdateMessage,
				From:   teleUser(u.Message.Sender),
				ChatID: u.Message.Chat.ID,
				Text:   u.Message.Text,
				At:     time.Unix(u.Message.Unixtime, 0).UTC(),
			})
		case u.Callback != nil && u.Callback.Sender != nil && u.Callback.Message != nil:
			out = append(out, Update{
				ID:         u.ID,
				Kind:       UpdateCallback,
				From:       teleUser(u.Callback.Sender),
				ChatID:     u.Callback.Message.Chat.ID,
				CallbackID: u.Callback.ID,
				Data:       u.Callback.Data,
				MessageID:  int64(u.Callback.Message.ID),
				At:         time.Now().UTC(),
			})
		}
	}
	return out, nil
}

// AnswerCallback acks a callback query so the client stops its spinner.
// Best-effort; callers ignore the error beyond logging.
func (c *Client) AnswerCallback(ctx context.Context, token, callbackID string) error {
	if err := ctx.Err(); err != nil {
		return &TransientError{Reason: err.Error()}
	}
	b, err := c.bot(token)
	if err != nil {
		return &TransientError{Reason: err.Error()}
	}
	if _, err := b.Raw("answerCallbackQuery", map[string]any{"callback_query_id": callbackID}); err != nil {
		return classify(err)
	}
	return nil
}

func teleUser(u *tele.User) User {
	return User{ID: u.ID, Username: u.Username, FirstName: u.FirstName, LastName: u.LastName}
}
