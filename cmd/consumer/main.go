package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/consumer"
	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/history"
	"example.com/healthsync/internal/history/clickhouse"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("load .env: %v", err)
	}
	cfg := config.MustLoad()
	if !cfg.KafkaEnabled() {
		log.Fatal("KAFKA_BROKERS is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store history.Store = history.NewMemoryStore()
	if cfg.ClickHouseDSN != "" {
		ch, err := clickhouse.Open(ctx, clickhouse.Config{
			DSN:          cfg.ClickHouseDSN,
			Database:     cfg.ClickHouseDatabase,
			CreateTables: true,
		})
		if err != nil {
			log.Fatalf("failed to connect to clickhouse: %v", err)
		}
		defer ch.Close()
		store = ch
	} else {
		log.Printf("CLICKHOUSE_DSN not set; history is kept in memory")
	}

	validator, err := events.NewValidator()
	if err != nil {
		log.Fatalf("compile event schemas: %v", err)
	}
	handler := consumer.NewHistoryHandler(store, validator)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("consumer metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server error: %v", err)
		}
	}()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.KafkaTopic,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		RetentionTime:  24 * time.Hour,
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer reader.Close()
		log.Printf("consumer started (topic=%s, group=%s)", cfg.KafkaTopic, cfg.ConsumerGroup)
		proc := consumer.NewProcessor(reader, handler)
		if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("consumer stopped with error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		log.Println("consumer shutdown requested")
	case <-done:
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
	<-done
}
