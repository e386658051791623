// Command fascb runs the fuel-dispensing refill supervisor: it wires
// the nozzle port, transaction store, fleet directory client, event
// bus, and operator HTTP surface together and drives them to a clean
// stop on SIGINT/SIGTERM.
//
// Grounded on cmd/battery-service/main.go's flag-parse-then-signal-wait
// shutdown idiom, and on battery/reader.go's/battery/service.go's
// per-component goroutine fan-out for how the nozzle reader, HTTP
// server, and reactor are supervised concurrently.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"fascb/api"
	"fascb/config"
	"fascb/directory"
	"fascb/internal/eventbus"
	"fascb/internal/logging"
	"fascb/nozzle"
	"fascb/refill"
	"fascb/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON configuration file")
	flag.Parse()

	log := logging.New(os.Stdout, slog.LevelInfo, "fascb")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("fascb exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	nozzlePort, err := nozzle.Open(cfg.Serial.Path, cfg.Serial.Baud, logging.New(os.Stdout, slog.LevelInfo, "nozzle"))
	if err != nil {
		return fmt.Errorf("fascb: open nozzle port: %w", err)
	}
	defer nozzlePort.Close()

	txStore, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("fascb: open transaction store: %w", err)
	}
	defer txStore.Close()

	bus, err := eventbus.New(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("fascb: connect event bus: %w", err)
	}
	defer bus.Close()

	dirClient := directory.New(cfg.Directory.BaseURL, cfg.Directory.Username, cfg.Directory.Password, cfg.TankID,
		logging.New(os.Stdout, slog.LevelInfo, "directory"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	loginErr := dirClient.Login(ctx)
	cancel()
	if loginErr != nil {
		return fmt.Errorf("fascb: directory login: %w", loginErr)
	}
	defer dirClient.Stop()

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	fetchErr := dirClient.GetAvailableTagsByTankID(ctx)
	cancel()
	if fetchErr != nil {
		return fmt.Errorf("fascb: fetch permitted tags: %w", fetchErr)
	}

	sv := refill.New(refill.Config{
		NozzleID:              cfg.NozzleID,
		UARTResponseTimeout:   cfg.UARTResponseTimeout,
		RFIDRetryInterval:     cfg.RFIDRetryInterval,
		RFIDTotalBudget:       cfg.RFIDTotalBudget,
		DRFSubmitTimeout:      cfg.DRFSubmitTimeout,
		NozzleHeartbeatBudget: cfg.NozzleHeartbeatBudget,
		AppCommBudget:         cfg.AppCommBudget,
		AppInformTimeout:      cfg.AppInformTimeout,
		MeterReadTimeout:      cfg.MeterReadTimeout,
		MeterStabilityWindow:  cfg.MeterStabilityWindow,
		MeterStabilityMinGap:  cfg.MeterStabilityMinGap,
		PersistStepLiters:     cfg.PersistStepLiters,
		MaxRFIDRetries:        cfg.MaxRFIDRetries,
		TickInterval:          cfg.TickInterval,
	}, nozzlePort, txStore, dirClient, bus, logging.New(os.Stdout, slog.LevelInfo, "refill"))

	httpServer := &http.Server{
		Addr:    cfg.HTTP.ListenAddress,
		Handler: api.New(sv, cfg, logging.New(os.Stdout, slog.LevelInfo, "api")).Handler(),
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		sv.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("http server listening", "address", cfg.HTTP.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("fascb: http server: %w", err)
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case <-gctx.Done():
		log.Warn("a supervised goroutine exited early", "err", gctx.Err())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "err", err)
	}
	sv.Stop()
	cancelRun()

	return g.Wait()
}
