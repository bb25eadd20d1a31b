package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/YardLedger/config"
	"github.com/BearBump/YardLedger/internal/api/yardapi"
	"github.com/BearBump/YardLedger/internal/broker/kafka"
	"github.com/BearBump/YardLedger/internal/cache/rediscache"
	"github.com/BearBump/YardLedger/internal/services/capacity"
	"github.com/BearBump/YardLedger/internal/services/movements"
	"github.com/BearBump/YardLedger/internal/services/positions"
	"github.com/BearBump/YardLedger/internal/services/timetravel"
	"github.com/BearBump/YardLedger/internal/storage/pgyard"
)

type yardAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   yardAPIOpts

	api   *yardapi.YardAPI
	coord *movements.Coordinator

	closeDB func()
}

func mustBootstrapYardAPI() *yardAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.Yard.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	topic := cfg.Kafka.TripCommittedTopicName
	if topic == "" {
		topic = "yard.trip.committed"
	}
	cacheTTL := time.Duration(cfg.Yard.CurrentTrackTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	lockTTL := time.Duration(cfg.Yard.MoveLockTTLSeconds) * time.Second
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}

	st := mustOpenPostgresWithRetry(pgConnString(cfg), 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	locker := rediscache.NewLocker(redisAddr)

	pos := positions.New(st, rc, cacheTTL)
	tt := timetravel.New(st)
	capSvc := capacity.New(st, st, tt)
	validator := capacity.NewValidator(capSvc, st, st)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)

	coord := movements.New(st, pos, locker, validator).
		WithProducer(producer, topic).
		WithLockTTL(lockTTL)

	api := yardapi.New(coord, pos, tt, capSvc, st)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &yardAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: yardAPIOpts{
			httpAddr:    httpAddr,
			swaggerPath: swaggerPath,
		},
		api:     api,
		coord:   coord,
		closeDB: st.Close,
	}
}

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

func (a *yardAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *yardAPIApp) Run() error {
	return runYardAPI(a.ctx, a.opts, a.api, func() any { return a.coord.Stats() })
}
