package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/gofiber/fiber/v2/log"
	"github.com/samber/do"

	"github.com/pablioRichardy/agentle/app/client/whatsapp"
	"github.com/pablioRichardy/agentle/app/config"
	"github.com/pablioRichardy/agentle/app/service/conversation"
	"github.com/pablioRichardy/agentle/app/service/engine"
	"github.com/pablioRichardy/agentle/app/service/generate"
	"github.com/pablioRichardy/agentle/app/service/queue"
	"github.com/pablioRichardy/agentle/app/service/ratelimit"
	"github.com/pablioRichardy/agentle/app/service/store"
	"github.com/pablioRichardy/agentle/app/util/mylog"
)

func main() {
	di := do.New()
	defer di.Shutdown()
	defer log.Info("Waiting for services to finish...")

	mylog.Preinit()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	do.ProvideValue(di, appCtx)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	do.ProvideValue(di, cfg)

	if err = mylog.Init(cfg); err != nil {
		log.Fatalf("logging init failed: %v", err)
	}

	do.Provide(di, queue.New)
	do.Provide(di, whatsapp.NewClient)
	do.Provide(di, ratelimit.New)
	do.Provide(di, store.New)
	do.Provide(di, generate.New)
	do.Provide(di, conversation.New)
	do.Provide(di, engine.New)

	slog.Info("Service started")

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		log.Info("Shutting down...")

		cancel()
	}()

	go func() {
		if err := do.MustInvoke[*whatsapp.Client](di).Run(appCtx); err != nil && appCtx.Err() == nil {
			log.Fatalf("transport failed: %v", err)
		}
	}()

	go do.MustInvoke[*conversation.Service](di).Run(appCtx)

	go do.MustInvoke[*engine.Service](di).Run(appCtx)

	<-appCtx.Done()
}
