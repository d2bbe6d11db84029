package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxEventSize   = 1 << 20
	reconnectDelay = 5 * time.Second
)

type streamEvent struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	Sender   string `json:"sender"`
	Text     string `json:"text"`
	MediaURL string `json:"media_url"`
}

// RunEventStream consumes the gateway websocket event stream,
// reconnecting with a fixed delay until ctx is cancelled.
func (c *Client) RunEventStream(ctx context.Context) error {
	for {
		err := c.consumeStream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slog.Warn("Event stream disconnected", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) consumeStream(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.WhatsApp.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.WhatsApp.Token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WhatsApp.EventStreamURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	slog.Info("Event stream connected", "url", c.cfg.WhatsApp.EventStreamURL)

	go c.pingLoop(ctx, conn)

	conn.SetReadLimit(maxEventSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return err
			}
			return errors.New("event stream closed")
		}

		var event streamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("Skipping malformed stream event", "error", err)
			continue
		}

		if event.Type != "message" || event.ChatID == "" {
			continue
		}

		c.queueSvc.Add(event.ChatID, event.Sender, event.Text, event.MediaURL)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
