package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/carter-crick/kaizen-realtime-twilio/pkg/kaizen"
	"github.com/carter-crick/kaizen-realtime-twilio/pkg/logging"
	"github.com/carter-crick/kaizen-realtime-twilio/pkg/runner"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := kaizen.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	log := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	slog.SetDefault(log)

	engine, err := kaizen.NewEngine(cfg, log)
	if err != nil {
		log.Error("engine_init_failed", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hooks := runner.Hooks{
		OnStart: func() {
			if err := engine.Start(ctx); err != nil {
				log.Error("engine_start_failed", "error", err.Error())
				stop()
			}
		},
		OnStop: func() {
			log.Info("engine_stopped")
		},
	}
	r := runner.NewLifecycleRunner(engine, hooks, 10*time.Second)
	if err := r.Run(ctx); err != nil {
		log.Error("runner_error", "error", err.Error())
		os.Exit(1)
	}
}
