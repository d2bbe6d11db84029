package mylog

import (
	"context"
	"log/slog"
	"os"

	"github.com/pablioRichardy/agentle/app/config"
	"github.com/phsym/console-slog"
	slogmulti "github.com/samber/slog-multi"
	slogtelegram "github.com/samber/slog-telegram/v2"
)

// AttrTelegram marks a record for delivery to the telegram sink even
// below error level.
const AttrTelegram = "telegram"

// Preinit installs a console-only handler so logging works before the
// config is loaded.
func Preinit() {
	slog.SetDefault(slog.New(console.NewHandler(os.Stderr, &console.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelDebug,
	})))
}

func Init(cfg *config.Config) error {
	router := slogmulti.Router()

	router = router.Add(console.NewHandler(os.Stderr, &console.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelDebug,
	}))

	if cfg.Log.Telegram.Token != "" {
		router = router.Add(
			slogtelegram.Option{
				Level:     slog.LevelDebug,
				Token:     cfg.Log.Telegram.Token,
				Username:  cfg.Log.Telegram.ChatID,
				AddSource: true,
			}.NewTelegramHandler(),
			wantsTelegram,
		)
	}

	slog.SetDefault(slog.New(router.Handler()))

	return nil
}

func wantsTelegram(_ context.Context, r slog.Record) bool {
	if r.Level >= slog.LevelError {
		return true
	}

	tagged := false
	r.Attrs(func(attr slog.Attr) bool {
		if attr.Key == AttrTelegram {
			tagged = true
			return false
		}
		return true
	})

	return tagged
}
