package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/ToolGate/gateway/pkg/gateway"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "path to YAML configuration")
	flag.Parse()

	cfg, err := gateway.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}

	app, err := gateway.NewApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("assemble gateway")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	if err := app.Close(); err != nil {
		log.Error().Err(err).Msg("close resources")
	}
}
