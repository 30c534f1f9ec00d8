package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"botfleet/internal/metrics"
)

// Client is a stateless wrapper over the Telegram Bot API. Every call takes
// the bot token explicitly; the only internal state is a per-token bot cache
// so repeated calls reuse one HTTP session.
//
// Outcome mapping:
//   - accepted            -> (SendResult, nil)
//   - 429 + retry_after   -> *RateLimitedError
//   - 4xx recipient-level -> *PermanentError
//   - network / 5xx       -> *TransientError
type Client struct {
	apiURL string
	http   *http.Client
	log    zerolog.Logger

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

type Option func(*Client)

// WithAPIURL points the client at a non-default API host (tests).
func WithAPIURL(url string) Option {
	return func(c *Client) { c.apiURL = url }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func NewClient(log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		// Long-poll requests sit open for up to 30s; leave headroom.
		http: &http.Client{Timeout: 40 * time.Second},
		log:  log.With().Str("component", "platform").Logger(),
		bots: map[string]*tele.Bot{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Forget drops the cached bot for a token. Called on token rotation.
func (c *Client) Forget(token string) {
	c.mu.Lock()
	delete(c.bots, token)
	c.mu.Unlock()
}

func (c *Client) bot(token string) (*tele.Bot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     c.apiURL,
		Client:  c.http,
		Offline: true, // no getMe on construction; tokens are validated by first use
	})
	if err != nil {
		return nil, err
	}
	c.bots[token] = b
	return b, nil
}

// Send delivers one payload to recipient. The returned error, if any, is one
// of the three classified kinds from types.go.
func (c *Client) Send(ctx context.Context, token string, recipient int64, p Payload) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, &TransientError{Reason: err.Error()}
	}
	b, err := c.bot(token)
	if err != nil {
		return SendResult{}, &TransientError{Reason: err.Error()}
	}

	params := map[string]any{
		"chat_id":    strconv.FormatInt(recipient, 10),
		"parse_mode": tele.ModeHTML,
	}
	if p.DisableNotification {
		params["disable_notification"] = true
	}
	if p.ReplyMarkup != nil {
		params["reply_markup"] = p.ReplyMarkup
	}

	var method string
	switch p.Media {
	case MediaNone:
		method = "sendMessage"
		params["text"] = p.Body
	case MediaPhoto:
		method = "sendPhoto"
		params["photo"] = p.MediaURL
		params["caption"] = p.Body
	case MediaVideo:
		method = "sendVideo"
		params["video"] = p.MediaURL
		params["caption"] = p.Body
	case MediaDocument:
		method = "sendDocument"
		params["document"] = p.MediaURL
		params["caption"] = p.Body
	default:
		return SendResult{}, &PermanentError{Reason: "unknown media kind: " + string(p.Media)}
	}

	data, err := b.Raw(method, params)
	if err != nil {
		err = classify(err)
		metrics.SendsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return SendResult{}, err
	}
	metrics.SendsTotal.WithLabelValues("ok").Inc()

	var resp struct {
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return SendResult{}, &TransientError{Reason: "decode response: " + err.Error()}
	}
	return SendResult{MessageID: resp.Result.MessageID}, nil
}

// Pin pins a previously sent message in a chat. Failures here are reported but
// callers treat them as best-effort.
func (c *Client) Pin(ctx context.Context, token string, chatID, messageID int64) error {
	if err := ctx.Err(); err != nil {
		return &TransientError{Reason: err.Error()}
	}
	b, err := c.bot(token)
	if err != nil {
		return &TransientError{Reason: err.Error()}
	}
	_, err = b.Raw("pinChatMessage", map[string]any{
		"chat_id":              strconv.FormatInt(chatID, 10),
		"message_id":           messageID,
		"disable_notification": true,
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func outcomeLabel(err error) string {
	var rl *RateLimitedError
	var pe *PermanentError
	switch {
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &pe):
		return "permanent"
	default:
		return "transient"
	}
}

// classify folds telebot's error taxonomy into the three outcome kinds so
// retry, quota and rate-limit policy is written once at the call sites.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		after := time.Duration(flood.RetryAfter) * time.Second
		if after <= 0 {
			after = time.Second
		}
		return &RateLimitedError{RetryAfter: after}
	}
	var api *tele.Error
	if errors.As(err, &api) {
		if api.Code >= 500 {
			return &TransientError{Reason: api.Description}
		}
		return &PermanentError{Reason: api.Description}
	}
	return &TransientError{Reason: err.Error()}
}
