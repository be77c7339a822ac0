package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/applog"
	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/config"
	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/metrics"
	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/signaling"
)

func main() {
	configFile := flag.String("config", "", "Path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := applog.New(cfg.LogFormat, cfg.LogLevel)
	m := metrics.New()

	signalServer := signaling.NewServer(logger, m, cfg.MaxLobbies, cfg.MaxPeers, cfg.SealGrace)

	router := mux.NewRouter()
	router.HandleFunc("/socket/websocket", signalServer.HandleWebSocket)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		logger.Info("signaling server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			os.Exit(1)
		}
	}()

	if cfg.MetricsAddr != "" {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", metrics.Handler(m))
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsRouter}
		go func() {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "err", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}
