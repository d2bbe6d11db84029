package whatsapp

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"
)

type webhookPayload struct {
	ChatID   string `json:"chat_id"`
	Sender   string `json:"sender"`
	Text     string `json:"text"`
	MediaURL string `json:"media_url"`
}

// RunWebhook serves the inbound webhook until ctx is cancelled.
func (c *Client) RunWebhook(ctx context.Context) error {
	app := c.webhookApp()

	go func() {
		<-ctx.Done()
		_ = app.ShutdownWithTimeout(requestTimeout)
	}()

	slog.Info("Webhook server started", "addr", c.cfg.WhatsApp.WebhookAddr)

	return app.Listen(c.cfg.WhatsApp.WebhookAddr)
}

func (c *Client) webhookApp() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Post("/webhook/messages", c.handleInbound)

	return app
}

func (c *Client) handleInbound(fc *fiber.Ctx) error {
	var payload webhookPayload
	if err := fc.BodyParser(&payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
	}

	if payload.ChatID == "" || (payload.Text == "" && payload.MediaURL == "") {
		return fiber.NewError(fiber.StatusBadRequest, "chat_id and text or media_url are required")
	}

	c.queueSvc.Add(payload.ChatID, payload.Sender, payload.Text, payload.MediaURL)

	return fc.SendStatus(fiber.StatusNoContent)
}
