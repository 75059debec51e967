package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omnichat/omnichat/internal/audit"
	"github.com/omnichat/omnichat/internal/config"
	"github.com/omnichat/omnichat/internal/db"
	"github.com/omnichat/omnichat/internal/httpapi"
	"github.com/omnichat/omnichat/internal/logging"
	"github.com/omnichat/omnichat/internal/store/rabbitmq"
	"github.com/omnichat/omnichat/internal/store/redisstore"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log = logging.GetLogger()
		log.Warn().Err(err).Msg("bad log config, using defaults")
	}

	gdb := db.Connect(cfg.DBDSN)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rds.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, login throttling and session cache degraded")
		}
		cancel()
	}

	// Audit events go through rabbit when available; the recorder falls back
	// to direct DB writes when it is not.
	var pub audit.Publisher
	if rp, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitAuditQueue); err != nil {
		log.Warn().Err(err).Msg("rabbit unreachable, audit events write directly to db")
	} else {
		pub = rp
		defer rp.Close()
	}

	router := httpapi.NewRouter(gdb, cfg, rds, pub)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}
