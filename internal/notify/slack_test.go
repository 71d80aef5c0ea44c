package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/triagegate/internal/config"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

// fakeSlack serves the bot API methods the client uses and records calls.
type fakeSlack struct {
	mu      sync.Mutex
	calls   []string
	posted  []map[string]string
	isBot   bool
	botUser string
}

func (f *fakeSlack) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	method := strings.TrimPrefix(r.URL.Path, "/")
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "chat.postMessage":
		f.mu.Lock()
		f.posted = append(f.posted, map[string]string{
			"channel":   r.Form.Get("channel"),
			"thread_ts": r.Form.Get("thread_ts"),
			"text":      r.Form.Get("text"),
		})
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true,"channel":"`+r.Form.Get("channel")+`","ts":"1700000000.000100"}`)
	case "conversations.replies":
		_, _ = io.WriteString(w, `{"ok":true,"messages":[
			{"type":"message","ts":"1700000000.000100","text":"parent","bot_id":"B1"},
			{"type":"message","ts":"1700000001.000200","user":"U9","text":"approve"}]}`)
	case "conversations.history":
		_, _ = io.WriteString(w, `{"ok":true,"messages":[{"type":"message","ts":"1.1","user":"U9","text":"yes"}]}`)
	case "auth.test":
		_, _ = io.WriteString(w, `{"ok":true,"user_id":"`+f.botUser+`"}`)
	case "users.info":
		bot := "false"
		if f.isBot {
			bot = "true"
		}
		_, _ = io.WriteString(w, `{"ok":true,"user":{"id":"`+r.Form.Get("user")+`","is_bot":`+bot+`}}`)
	case "conversations.open":
		_, _ = io.WriteString(w, `{"ok":true,"channel":{"id":"D100"}}`)
	default:
		_, _ = io.WriteString(w, `{"ok":false,"error":"unknown_method"}`)
	}
}

func newBotClient(t *testing.T, fake *fakeSlack, mutate func(*config.SlackConfig)) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	cfg := config.SlackConfig{
		BotToken:    config.Secret("xoxb-test"),
		APIBase:     srv.URL,
		AdminUserID: "U42",
		UrgentDM:    true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, "https://kb.example", nil)
}

func TestClient_PostMessageAndReplies(t *testing.T) {
	fake := &fakeSlack{botUser: "UBOT"}
	c := newBotClient(t, fake, nil)
	ctx := context.Background()

	posted, err := c.PostMessage(ctx, "C1", "", "🎫 Jira: SRE-1", nil)
	require.NoError(t, err)
	assert.Equal(t, Posted{Channel: "C1", TS: "1700000000.000100"}, posted)

	_, err = c.PostMessage(ctx, "C1", posted.TS, "reply", nil)
	require.NoError(t, err)
	assert.Equal(t, posted.TS, fake.posted[1]["thread_ts"])

	msgs, err := c.ThreadReplies(ctx, "C1", posted.TS)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "B1", msgs[0].BotID)
	assert.Equal(t, Message{User: "U9", TS: "1700000001.000200", Text: "approve"}, msgs[1])

	history, err := c.ChannelHistory(ctx, "C1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "yes", history[0].Text)
}

func TestClient_NoBotToken(t *testing.T) {
	c := New(config.SlackConfig{}, "", nil)
	assert.False(t, c.HasBot())
	_, err := c.PostMessage(context.Background(), "C1", "", "x", nil)
	assert.ErrorIs(t, err, ErrNoBotToken)
	_, err = c.ThreadReplies(context.Background(), "C1", "1")
	assert.ErrorIs(t, err, ErrNoBotToken)
}

func TestClient_BotUserIDCached(t *testing.T) {
	fake := &fakeSlack{botUser: "UBOT"}
	c := newBotClient(t, fake, nil)
	for range 3 {
		id, err := c.BotUserID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "UBOT", id)
	}
	assert.Equal(t, []string{"auth.test"}, fake.calls)
}

func TestClient_SendUrgentDM(t *testing.T) {
	p := blockedPayload()

	t.Run("delivers", func(t *testing.T) {
		fake := &fakeSlack{botUser: "UBOT"}
		c := newBotClient(t, fake, nil)
		d := c.SendUrgentDM(context.Background(), p)
		require.NotNil(t, d)
		assert.Equal(t, incident.StatusTriggered, d.Status)
		assert.Equal(t, ChannelSlackDM, d.Channel)
		assert.Equal(t, "D100", fake.posted[0]["channel"])
		assert.Contains(t, fake.posted[0]["text"], "Human Escalation Required")
	})

	t.Run("not urgent", func(t *testing.T) {
		c := newBotClient(t, &fakeSlack{}, nil)
		calm := p
		calm.Decision, calm.Severity = incident.DecisionExecute, incident.SeverityLow
		assert.Nil(t, c.SendUrgentDM(context.Background(), calm))
	})

	t.Run("disabled", func(t *testing.T) {
		c := newBotClient(t, &fakeSlack{}, func(cfg *config.SlackConfig) { cfg.UrgentDM = false })
		assert.Nil(t, c.SendUrgentDM(context.Background(), p))
	})

	t.Run("missing user", func(t *testing.T) {
		c := newBotClient(t, &fakeSlack{}, func(cfg *config.SlackConfig) { cfg.AdminUserID = "" })
		d := c.SendUrgentDM(context.Background(), p)
		require.NotNil(t, d)
		assert.Equal(t, incident.StatusSkipped, d.Status)
	})

	t.Run("target is the bot", func(t *testing.T) {
		c := newBotClient(t, &fakeSlack{botUser: "U42"}, nil)
		d := c.SendUrgentDM(context.Background(), p)
		require.NotNil(t, d)
		assert.Equal(t, incident.StatusFailed, d.Status)
		assert.Contains(t, d.Error, "bot user id")
	})

	t.Run("target is an app user", func(t *testing.T) {
		c := newBotClient(t, &fakeSlack{botUser: "UBOT", isBot: true}, nil)
		d := c.SendUrgentDM(context.Background(), p)
		require.NotNil(t, d)
		assert.Equal(t, incident.StatusFailed, d.Status)
		assert.Contains(t, d.Error, "bot or app user")
	})
}

func TestClient_PostDecision(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)

	c := New(config.SlackConfig{WebhookURL: srv.URL}, "", nil)
	assert.False(t, c.IsSlackWebhook())
	d, err := c.PostDecision(context.Background(), blockedPayload())
	require.NoError(t, err)
	assert.Equal(t, incident.StatusTriggered, d.Status)
	assert.Equal(t, ChannelWebhook, d.Channel)
	assert.Equal(t, "ok", d.Response)
	assert.Equal(t, "INC-0001", got["incident_id"])
	assert.Equal(t, "block_and_escalate", got["decision"])
}

func TestClient_SendAdminSummary(t *testing.T) {
	assert.Nil(t, New(config.SlackConfig{}, "", nil).SendAdminSummary(context.Background(), blockedPayload()))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var msg map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		assert.Equal(t, "#reliability", msg["channel"])
	}))
	t.Cleanup(srv.Close)

	c := New(config.SlackConfig{WebhookURL: "http://unused.invalid", AdminWebhookURL: srv.URL}, "", nil)
	d := c.SendAdminSummary(context.Background(), blockedPayload())
	require.NotNil(t, d)
	assert.Equal(t, incident.StatusTriggered, d.Status)
	assert.Equal(t, int32(1), hits.Load())
}

func TestPostJSON(t *testing.T) {
	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "ApiKey k", r.Header.Get("Authorization"))
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = io.WriteString(w, `{"id":"run-1"}`)
		}))
		t.Cleanup(srv.Close)

		status, resp, err := PostJSON(context.Background(), nil, srv.URL, map[string]string{"a": "b"},
			http.Header{"Authorization": {"ApiKey k"}})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, `{"id":"run-1"}`, resp)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("client errors fail fast", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, strings.Repeat("n", 800))
		}))
		t.Cleanup(srv.Close)

		status, resp, err := PostJSON(context.Background(), nil, srv.URL, struct{}{}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 404")
		assert.Equal(t, http.StatusNotFound, status)
		assert.Len(t, resp, maxResponseLen)
		assert.Equal(t, int32(1), calls.Load())
	})
}
