package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/YardLedger/config"
	"github.com/BearBump/YardLedger/internal/broker/kafka"
	"github.com/BearBump/YardLedger/internal/cache/rediscache"
	"github.com/BearBump/YardLedger/internal/services/auditor"
	"github.com/BearBump/YardLedger/internal/services/positions"
	"github.com/BearBump/YardLedger/internal/storage/pgyard"
)

func pgConnString(cfg *config.Config) string {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgyard.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgyard.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

type auditorFactories struct {
	newPositions func(cfg *config.Config) (auditor.Positions, auditor.Ledger, func(), error)
	newConsumer  func(cfg *config.Config, topic, group string) kafkaConsumer
}

func defaultAuditorFactories() auditorFactories {
	return auditorFactories{
		newPositions: func(cfg *config.Config) (auditor.Positions, auditor.Ledger, func(), error) {
			st := mustOpenPostgresWithRetry(pgConnString(cfg), 60*time.Second)

			cacheTTL := time.Duration(cfg.Yard.CurrentTrackTTLSeconds) * time.Second
			if cacheTTL <= 0 {
				cacheTTL = 10 * time.Minute
			}
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			rc := rediscache.New(redisAddr)

			return positions.New(st, rc, cacheTTL), st, st.Close, nil
		},
		newConsumer: func(cfg *config.Config, topic, group string) kafkaConsumer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, topic, group)
		},
	}
}

// RunYardAuditor поднимает цикл сверки, kafka-консьюмер trip.committed и
// админский HTTP. Падение любой части валит процесс целиком: супервизор
// перезапустит.
func RunYardAuditor(ctx context.Context, cfg *config.Config, f auditorFactories, httpOpts auditorHTTPOpts) error {
	topic := cfg.Kafka.TripCommittedTopicName
	if topic == "" {
		topic = "yard.trip.committed"
	}
	group := cfg.Yard.KafkaConsumerGroup
	if group == "" {
		group = "yard-auditor"
	}
	interval := time.Duration(cfg.Yard.AuditorIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	pos, ledger, closeFn, err := f.newPositions(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	aud := auditor.New(pos).WithInterval(interval)
	if ledger != nil {
		// Зависший pending-трип старше TTL блокировки не может быть живым.
		staleAfter := time.Duration(cfg.Yard.MoveLockTTLSeconds) * time.Second
		aud = aud.WithLedger(ledger, staleAfter)
	}

	consumer := f.newConsumer(cfg, topic, group)
	defer func() { _ = consumer.Close() }()

	httpOpts.auditor = aud
	httpOpts.cfg = cfg

	audErr := make(chan error, 1)
	go func() { audErr <- aud.Run(ctx) }()

	consErr := make(chan error, 1)
	go func() {
		slog.Info("kafka consumer started", "topic", topic, "group", group)
		consErr <- consumer.Consume(ctx, aud.HandleTripCommitted(ctx))
	}()

	httpErr := make(chan error, 1)
	go func() { httpErr <- runAuditorHTTPServer(ctx, httpOpts) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-audErr:
		return err
	case err := <-consErr:
		return err
	case err := <-httpErr:
		return err
	}
}
