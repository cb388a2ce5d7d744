package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/connectivity"
	"fieldsync/internal/drain"
	"fieldsync/internal/drainlock"
	"fieldsync/internal/queue"
	"fieldsync/internal/ratelimit"
	"fieldsync/internal/remote"
	"fieldsync/internal/spool"
	"fieldsync/internal/store"
	"fieldsync/internal/submit"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	sp, err := spool.New(cfg.SpoolDir())
	if err != nil {
		log.Fatalf("open spool: %v", err)
	}

	client := remote.New(cfg.BackendBaseURL, authorizedTransport())
	monitor := connectivity.NewMonitor(client, cfg.ProbeInterval)

	var blob submit.BlobUploader
	if cfg.S3Bucket != "" {
		blob, err = submit.NewS3Blob(ctx, submit.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			log.Fatalf("init blob uploader: %v", err)
		}
	}
	submitter := submit.New(client, blob, submit.Config{
		MaxPhotoDimension: cfg.MaxPhotoDimension,
		JPEGQuality:       cfg.JPEGQuality,
	})

	var locker drainlock.Locker = drainlock.NewLocal()
	var limiter drain.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		locker = drainlock.NewRedis(rdb, cfg.DrainLockTTL)
		limiter = ratelimit.NewBucket(rdb, backendHost(cfg.BackendBaseURL), cfg.RateLimitBurst, cfg.RateLimitPerSec)
	}

	drainer := drain.New(st, submitter, locker, limiter, monitor, sp, drain.Config{
		QueueName: cfg.QueueName,
		Tick:      cfg.DrainTick,
	})
	svc := queue.NewService(st, sp, client, drainer)

	go monitor.Run(ctx)
	go func() {
		if err := drainer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("drainer stopped: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: api.New(svc).Router(),
	}
	log.Printf("syncd listening on :%s (store=%s backend=%s)", cfg.HTTPPort, cfg.StoreBackend, cfg.BackendBaseURL)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.StoreBackend == "postgres" {
		return store.OpenPostgres(ctx, cfg.PostgresDSN)
	}
	return store.OpenSQLite(ctx, cfg.SQLitePath())
}

// authorizedTransport returns the HTTP client used against the backend.
// Token refresh lives in its own RoundTripper in the product deployment;
// here the stock client stands in for it.
func authorizedTransport() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}

func backendHost(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	return u.Host
}
