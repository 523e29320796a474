package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DesignJungle/qhop/internal/broadcast"
	"github.com/DesignJungle/qhop/internal/config"
	"github.com/DesignJungle/qhop/internal/httpapi"
	"github.com/DesignJungle/qhop/internal/hub"
	"github.com/DesignJungle/qhop/internal/models"
	"github.com/DesignJungle/qhop/internal/realtime"
	"github.com/DesignJungle/qhop/internal/store"
	"github.com/DesignJungle/qhop/internal/store/memory"
	"github.com/DesignJungle/qhop/internal/store/postgres"
	"github.com/DesignJungle/qhop/internal/telemetry"
	"github.com/DesignJungle/qhop/internal/worker"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("queue-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, closeStore := openStore(cfg)
	defer closeStore()

	h := hub.New()

	var publisher broadcast.Publisher = broadcast.HubPublisher{Hub: h}
	if cfg.RedisAddr != "" {
		bus := broadcast.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword, h)
		defer bus.Close()
		go bus.Relay(context.Background())
		publisher = bus
	}

	coordinator := broadcast.NewCoordinator(st, publisher)
	handler := httpapi.NewHandler(st, coordinator)
	gateway := realtime.NewGateway(st, h, coordinator)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", gateway.Handler("/realtime"))
	mux.Handle("/", httpapi.AuthMiddleware(st, handler.Routes()))

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "queue-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	go func() {
		log.Printf("queue-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go coordinator.Run(runCtx, cfg.SweepInterval)

	notifier := worker.New(st, worker.Config{
		BatchSize: cfg.OutboxBatchSize,
		Provider:  worker.NewProvider(cfg.NotifyProvider),
	})
	go notifier.Run(runCtx, cfg.OutboxPollInterval)

	go func() {
		if cfg.NoShowGrace <= 0 || cfg.NoShowInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.NoShowInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			tickets, err := st.AutoNoShow(ctx, cfg.NoShowGrace, cfg.NoShowBatchSize)
			if err != nil {
				cancel()
				log.Printf("auto no-show error: %v", err)
				continue
			}
			for _, ticket := range tickets {
				coordinator.TicketChanged(ctx, ticket)
			}
			cancel()
			if len(tickets) > 0 {
				log.Printf("auto no-show processed %d tickets", len(tickets))
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancelRun()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func openStore(cfg config.Config) (store.TicketStore, func()) {
	if cfg.DatabaseURL == "" {
		log.Printf("DB_DSN not set, using in-memory store")
		mem := memory.NewStore()
		seedDev(mem)
		return mem, func() {}
	}
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	return postgres.NewStore(pool), pool.Close
}

// seedDev gives the in-memory store something to serve requests against.
func seedDev(mem *memory.Store) {
	mem.AddQueue(models.Queue{
		QueueID:            "00000000-0000-0000-0000-000000000001",
		BusinessID:         "00000000-0000-0000-0000-000000000101",
		Name:               "Walk-ins",
		IsActive:           true,
		AvgServiceTimeMins: 10,
	})
	mem.AddSession(store.Session{
		SessionID:   "dev-customer",
		PrincipalID: "00000000-0000-0000-0000-000000000201",
		Role:        store.RoleCustomer,
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	})
	mem.AddSession(store.Session{
		SessionID:   "dev-business",
		PrincipalID: "00000000-0000-0000-0000-000000000301",
		Role:        store.RoleBusiness,
		BusinessID:  "00000000-0000-0000-0000-000000000101",
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	})
}
