// elevcored is the elevator control-plane daemon: it runs one bank of car
// actors, the dispatcher, the access gate and the alarm engine, and accepts
// building telemetry over QUIC.
package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/skyrise-ops/elevcore/internal/access"
	"github.com/skyrise-ops/elevcore/internal/alarm"
	"github.com/skyrise-ops/elevcore/internal/bank"
	"github.com/skyrise-ops/elevcore/internal/config"
	"github.com/skyrise-ops/elevcore/internal/logger"
	"github.com/skyrise-ops/elevcore/internal/telemetry"
)

const defaultConfigPath = "elevcore.yaml"

func main() {
	// Optional .env for deployment overrides; absence is fine.
	_ = godotenv.Load()

	path := os.Getenv("ELEVCORE_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.GetLogger().Fatal().Err(err).Msg("config load failed")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := logger.GetLoggerConfigured(level)
	log.Info().
		Str("building", cfg.BuildingID).
		Str("bank", cfg.BankID).
		Msg("starting elevcored")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		cancel()
	}()

	alarms := alarm.NewEngine(alarm.Budgets{
		Critical: cfg.SLABudgets.Critical.D(),
		Warning:  cfg.SLABudgets.Warning.D(),
		Info:     cfg.SLABudgets.Info.D(),
	})
	alarms.SetChecklist("door_stuck", []string{
		"Confirm car is empty",
		"Inspect door mechanism",
		"Clear obstruction",
		"Test full door cycle",
		"Return car to service",
	})
	go alarms.Run(ctx, time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-alarms.Notifications():
				log.Warn().
					Str("incident", n.IncidentID).
					Str("unit", n.UnitID).
					Str("severity", n.Severity.String()).
					Msg("incident escalated past SLA deadline")
			}
		}
	}()

	gate := access.NewGate()

	bnk := bank.New(cfg, gate, alarms)
	bnk.Run(ctx)

	listener := telemetry.NewListener(cfg.TelemetryAddr, bnk)
	go func() {
		if err := listener.Run(ctx); err != nil {
			log.Error().Err(err).Msg("telemetry listener failed")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
}
