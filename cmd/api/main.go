package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"harvestpay/db"
	"harvestpay/dispute"
	"harvestpay/gateway"
	"harvestpay/httpapi"
	"harvestpay/ledger"
	"harvestpay/party"
	"harvestpay/payout"
	"harvestpay/settlement"
)

func main() {
	// Deployed environments configure through real env vars; .env is optional.
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	repo := ledger.NewRepository(pool)
	engine := settlement.NewEngine(pool, repo, log, deliveryWindow())
	parties := party.NewRepository(pool)
	disputes := dispute.NewService(dispute.NewRepository(pool))

	transfer, err := gateway.NewPayPalClient(ctx, gateway.PayPalConfig{
		ClientID: os.Getenv("PAYPAL_CLIENT_ID"),
		Secret:   os.Getenv("PAYPAL_CLIENT_SECRET"),
		Live:     os.Getenv("ENV") == "production",
		Currency: os.Getenv("PAYOUT_CURRENCY"),
	})
	if err != nil {
		log.Fatal("bootstrap transfer client", zap.Error(err))
	}

	dispatcher := payout.NewDispatcher(repo, parties, transfer, engine, log, 2*time.Second)

	server := httpapi.NewServer(engine, disputes, os.Getenv("WEBHOOK_SECRET"), log)
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", zap.String("port", port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		err := dispatcher.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return runExpirySweep(ctx, engine, log)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("service exited", zap.Error(err))
	}
}

func runExpirySweep(ctx context.Context, engine *settlement.Engine, log *zap.Logger) error {
	interval := 5 * time.Minute
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			flagged, err := engine.OnExpirySweep(ctx, time.Now())
			if err != nil {
				log.Error("expiry sweep failed", zap.Error(err))
				continue
			}
			if flagged > 0 {
				log.Info("expiry sweep flagged entries", zap.Int("flagged", flagged))
			}
		}
	}
}

func deliveryWindow() time.Duration {
	hours := 72
	if v := os.Getenv("DELIVERY_WINDOW_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}
	return time.Duration(hours) * time.Hour
}
