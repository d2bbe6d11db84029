// Package whatsapp talks to the gateway that owns the WhatsApp session:
// replies and typing indicators go out over its REST API, inbound
// messages come in over a webhook or its websocket event stream.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/samber/do"
	"golang.org/x/sync/errgroup"

	"github.com/pablioRichardy/agentle/app/config"
	"github.com/pablioRichardy/agentle/app/service/queue"
)

const requestTimeout = 15 * time.Second

type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	queueSvc   *queue.Service
}

func NewClient(di *do.Injector) (*Client, error) {
	return &Client{
		cfg: do.MustInvoke[*config.Config](di),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		queueSvc: do.MustInvoke[*queue.Service](di),
	}, nil
}

// Run starts the configured ingress surfaces and blocks until ctx is
// cancelled or one of them fails.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if c.cfg.WhatsApp.WebhookAddr != "" {
		g.Go(func() error {
			return c.RunWebhook(ctx)
		})
	}

	if c.cfg.WhatsApp.EventStreamURL != "" {
		g.Go(func() error {
			return c.RunEventStream(ctx)
		})
	}

	return g.Wait()
}

type sendRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Send delivers a reply, truncated to the configured maximum length.
func (c *Client) Send(ctx context.Context, conversationID, text string) error {
	if limit := c.cfg.Bot.MaxMessageLength; limit > 0 {
		if runes := []rune(text); len(runes) > limit {
			text = string(runes[:limit])
		}
	}

	return c.post(ctx, "/api/messages", sendRequest{
		ChatID: conversationID,
		Text:   text,
	})
}

type typingRequest struct {
	ChatID string `json:"chat_id"`
	State  string `json:"state"`
}

// NotifyTyping toggles the typing indicator in the chat.
func (c *Client) NotifyTyping(ctx context.Context, conversationID string, typing bool) error {
	state := "paused"
	if typing {
		state = "composing"
	}

	return c.post(ctx, "/api/typing", typingRequest{
		ChatID: conversationID,
		State:  state,
	})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.WhatsApp.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.cfg.WhatsApp.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.WhatsApp.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned %d for %s: %s", resp.StatusCode, path, detail)
	}

	return nil
}
