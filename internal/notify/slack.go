// Package notify delivers gate decisions to Slack and reads human replies
// back from incident threads.
//
// Decision updates go to an incoming webhook, formatted as Block Kit when
// the webhook is a Slack one. Thread posts, replies and direct messages go
// through the bot API and need a bot token.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/triagegate/internal/config"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

// Delivery channel labels.
const (
	ChannelWebhook      = "webhook"
	ChannelAdminWebhook = "admin_webhook"
	ChannelSlackDM      = "slack_dm"
)

const (
	maxResponseLen = 500
	webhookTimeout = 30 * time.Second
)

// ErrNoBotToken is returned by bot API calls when no token is configured.
var ErrNoBotToken = errors.New("SLACK_BOT_TOKEN is not configured")

// Message is one message read back from a channel or thread.
type Message struct {
	User  string
	BotID string
	TS    string
	Text  string
}

// Posted identifies a message the bot posted.
type Posted struct {
	Channel string
	TS      string
}

// Client posts decisions and reads approvals.
type Client struct {
	cfg    config.SlackConfig
	format Formatter
	http   *http.Client
	api    *slack.Client
	// limiter paces bot API calls across all methods.
	limiter *rate.Limiter
	logger  *zap.Logger

	botMu     sync.Mutex
	botUserID string
}

// New creates a client. kibanaURL is used for deep links in messages.
func New(cfg config.SlackConfig, kibanaURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	httpClient := &http.Client{Timeout: webhookTimeout}
	c := &Client{
		cfg: cfg,
		format: Formatter{
			KibanaURL:    kibanaURL,
			AdminMention: cfg.AdminMention,
			ChannelLabel: cfg.ChannelLabel,
		},
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
	if cfg.BotToken.Value() != "" {
		opts := []slack.Option{slack.OptionHTTPClient(httpClient)}
		if base := strings.TrimRight(cfg.APIBase, "/"); base != "" {
			opts = append(opts, slack.OptionAPIURL(base+"/"))
		}
		c.api = slack.New(cfg.BotToken.Value(), opts...)
	}
	return c
}

// Formatter returns the message formatter in use.
func (c *Client) Formatter() Formatter { return c.format }

// HasBot reports whether bot API calls are possible.
func (c *Client) HasBot() bool { return c.api != nil }

// HasWebhook reports whether a decision webhook is configured.
func (c *Client) HasWebhook() bool { return c.cfg.WebhookURL != "" }

// IsSlackWebhook reports whether the webhook expects Block Kit messages.
func (c *Client) IsSlackWebhook() bool {
	return strings.Contains(c.cfg.WebhookURL, "hooks.slack.com")
}

// PostDecision sends p to the decision webhook, as blocks for a Slack
// webhook and as raw JSON otherwise.
func (c *Client) PostDecision(ctx context.Context, p incident.DecisionPayload) (incident.Delivery, error) {
	if c.cfg.WebhookURL == "" {
		return incident.Delivery{}, errors.New("no webhook configured")
	}
	var body any = p
	if c.IsSlackWebhook() {
		body = c.format.Decision(p)
	}
	status, resp, err := PostJSON(ctx, c.http, c.cfg.WebhookURL, body, nil)
	if err != nil {
		return incident.Delivery{}, err
	}
	return incident.Delivery{
		Status:     incident.StatusTriggered,
		Channel:    ChannelWebhook,
		HTTPStatus: status,
		Response:   resp,
	}, nil
}

// SendAdminSummary posts the admin summary to the admin webhook, or the
// decision webhook when none is set. It returns nil when neither exists.
func (c *Client) SendAdminSummary(ctx context.Context, p incident.DecisionPayload) *incident.Delivery {
	target := c.cfg.AdminWebhookURL
	if target == "" {
		target = c.cfg.WebhookURL
	}
	if target == "" {
		return nil
	}
	status, resp, err := PostJSON(ctx, c.http, target, c.format.AdminSummary(p), nil)
	if err != nil {
		return &incident.Delivery{Status: incident.StatusFailed, Channel: ChannelAdminWebhook, Error: err.Error()}
	}
	return &incident.Delivery{Status: incident.StatusTriggered, Channel: ChannelAdminWebhook, HTTPStatus: status, Response: resp}
}

// Urgent reports whether p warrants a direct message to the admin.
func (c *Client) Urgent(p incident.DecisionPayload) bool {
	if !c.cfg.UrgentDM {
		return false
	}
	return p.Decision != incident.DecisionExecute || p.Severity == incident.SeverityHigh || p.Severity == incident.SeverityCritical
}

// SendUrgentDM direct-messages the admin about p. It returns nil when p
// is not urgent.
func (c *Client) SendUrgentDM(ctx context.Context, p incident.DecisionPayload) *incident.Delivery {
	if !c.Urgent(p) {
		return nil
	}
	userID := AdminUserID(c.cfg.AdminUserID, c.cfg.AdminMention)
	if userID == "" || c.api == nil {
		return &incident.Delivery{Status: incident.StatusSkipped, Reason: "Missing SLACK_BOT_TOKEN or Slack user id for urgent DM"}
	}
	failed := func(msg string) *incident.Delivery {
		return &incident.Delivery{Status: incident.StatusFailed, Channel: ChannelSlackDM, Error: msg}
	}

	if bot, err := c.BotUserID(ctx); err == nil && bot == userID {
		return failed("target Slack user id matches the bot user id; set SLACK_ADMIN_USER_ID to a human member id")
	}
	user, err := c.UserInfo(ctx, userID)
	if err != nil {
		return failed(fmt.Sprintf("unable to verify SLACK_ADMIN_USER_ID via users.info: %v", err))
	}
	if user.IsBot {
		return failed("SLACK_ADMIN_USER_ID resolves to a bot or app user")
	}

	dm, err := c.OpenDM(ctx, userID)
	if err != nil {
		return failed(err.Error())
	}
	posted, err := c.PostMessage(ctx, dm, "", c.format.UrgentText(p), nil)
	if err != nil {
		return failed(err.Error())
	}
	return &incident.Delivery{Status: incident.StatusTriggered, Channel: ChannelSlackDM, Response: posted.TS}
}

// PostMessage posts text, with optional blocks, to channel. A non-empty
// threadTS posts a thread reply.
func (c *Client) PostMessage(ctx context.Context, channel, threadTS, text string, blocks []slack.Block) (Posted, error) {
	if err := c.ready(ctx); err != nil {
		return Posted{}, err
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	ch, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return Posted{}, fmt.Errorf("chat.postMessage: %w", err)
	}
	return Posted{Channel: ch, TS: ts}, nil
}

// ThreadReplies returns the messages in the thread rooted at ts, parent
// included.
func (c *Client) ThreadReplies(ctx context.Context, channel, ts string) ([]Message, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	msgs, _, _, err := c.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channel,
		Timestamp: ts,
	})
	if err != nil {
		return nil, fmt.Errorf("conversations.replies: %w", err)
	}
	return convert(msgs), nil
}

// ChannelHistory returns up to limit recent channel messages.
func (c *Client) ChannelHistory(ctx context.Context, channel string, limit int) ([]Message, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	resp, err := c.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channel,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("conversations.history: %w", err)
	}
	return convert(resp.Messages), nil
}

// BotUserID returns the bot's own member id, cached after the first
// successful auth.test.
func (c *Client) BotUserID(ctx context.Context) (string, error) {
	c.botMu.Lock()
	defer c.botMu.Unlock()
	if c.botUserID != "" {
		return c.botUserID, nil
	}
	if err := c.ready(ctx); err != nil {
		return "", err
	}
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("auth.test: %w", err)
	}
	c.botUserID = resp.UserID
	return c.botUserID, nil
}

// UserInfo looks up a member.
func (c *Client) UserInfo(ctx context.Context, userID string) (*slack.User, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	user, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("users.info: %w", err)
	}
	return user, nil
}

// OpenDM opens a direct message channel with userID.
func (c *Client) OpenDM(ctx context.Context, userID string) (string, error) {
	if err := c.ready(ctx); err != nil {
		return "", err
	}
	ch, _, _, err := c.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{userID}})
	if err != nil {
		return "", fmt.Errorf("conversations.open: %w", err)
	}
	if ch == nil || ch.ID == "" {
		return "", errors.New("conversations.open returned no channel id")
	}
	return ch.ID, nil
}

func (c *Client) ready(ctx context.Context) error {
	if c.api == nil {
		return ErrNoBotToken
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func convert(msgs []slack.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{User: m.User, BotID: m.BotID, TS: m.Timestamp, Text: m.Text})
	}
	return out
}

// PostJSON posts body as JSON to url and returns the status code and the
// response text truncated to 500 bytes. Transport errors and 5xx replies
// are retried with exponential backoff; other non-2xx replies fail fast.
func PostJSON(ctx context.Context, client *http.Client, url string, body any, header http.Header) (int, string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, "", fmt.Errorf("encoding request: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}

	var (
		status int
		text   string
	)
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("network error: %w", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		status, text = resp.StatusCode, truncate(string(raw), maxResponseLen)
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, text)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("HTTP %d: %s", resp.StatusCode, text))
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(newRetryBackoff(), ctx)); err != nil {
		return status, text, err
	}
	return status, text, nil
}

// newRetryBackoff returns a fresh policy; BackOff values are stateful.
func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.WithMaxRetries(bo, 2)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
