// Package chat posts alert messages to Slack: thread roots, thread updates
// and direct-message warnings. Block construction lives in messages.go so the
// reception flows stay independent of rendering details.
package chat

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/gcnstream/internal/logging"
)

// Poster is the chat surface the reception flows depend on. ts handles are
// opaque; an empty threadTS posts a channel-level message.
type Poster interface {
	Post(ctx context.Context, channel string, msg Message, threadTS string) (ts string, err error)
	DirectWarning(ctx context.Context, userID, text string) error
}

// Message is one renderable chat message: fallback text for notifications
// plus the structured blocks.
type Message struct {
	Fallback string
	Blocks   []slack.Block
}

// Client implements Poster on the Slack Web API.
type Client struct {
	api *slack.Client
	log zerolog.Logger
}

// New creates a Slack client from a bot token.
func New(token string) *Client {
	return &Client{
		api: slack.New(token),
		log: logging.Component("chat"),
	}
}

// Post sends msg to channel, inside the thread when threadTS is set, and
// returns the timestamp handle of the posted message.
func (c *Client) Post(ctx context.Context, channel string, msg Message, threadTS string) (string, error) {
	opts := []slack.MsgOption{
		slack.MsgOptionText(msg.Fallback, false),
		slack.MsgOptionBlocks(msg.Blocks...),
	}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	_, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to post to %s: %w", channel, err)
	}
	c.log.Debug().Str("channel", channel).Str("ts", ts).Str("thread_ts", threadTS).
		Msg("posted message")
	return ts, nil
}

// DirectWarning opens a DM with userID and posts a plain-text warning.
func (c *Client) DirectWarning(ctx context.Context, userID, text string) error {
	ch, _, _, err := c.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users: []string{userID},
	})
	if err != nil {
		return fmt.Errorf("failed to open DM with %s: %w", userID, err)
	}
	if _, _, err := c.api.PostMessageContext(ctx, ch.ID, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("failed to post DM warning to %s: %w", userID, err)
	}
	return nil
}
