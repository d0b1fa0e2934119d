package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fuzoj/internal/common/db"
	"fuzoj/internal/common/mq"
	"fuzoj/internal/core/artifact"
	"fuzoj/internal/core/compiler"
	"fuzoj/internal/core/profile"
	"fuzoj/internal/core/recorder"
	"fuzoj/internal/core/sandboxengine"
	"fuzoj/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultConfigPath = "configs/compiler_worker.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()
	dbProvider := db.NewManager(mysqlDB)
	rec := recorder.NewMySQLRecorder(dbProvider)

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		logger.Error(context.Background(), "init kafka failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	store := artifact.New(appCfg.Artifact.Root)

	eng, err := sandboxengine.NewEngine(sandboxengine.Config{
		CgroupRoot:           appCfg.Sandbox.CgroupRoot,
		SeccompDir:           appCfg.Sandbox.SeccompDir,
		HelperPath:           appCfg.Sandbox.HelperPath,
		StdoutStderrMaxBytes: appCfg.Sandbox.StdoutStderrMaxBytes,
		EnableSeccomp:        appCfg.Sandbox.EnableSeccomp,
		EnableCgroup:         appCfg.Sandbox.EnableCgroup,
		EnableNamespaces:     appCfg.Sandbox.EnableNamespaces,
	}, profile.Resolver{})
	if err != nil {
		logger.Error(context.Background(), "init sandbox engine failed", zap.Error(err))
		return
	}

	worker := compiler.New(store, eng, rec, mqClient)

	err = mqClient.SubscribeWithOptions(context.Background(), appCfg.Kafka.Topic, worker.HandleMessage, &mq.SubscribeOptions{
		ConsumerGroup:   appCfg.Kafka.ConsumerGroup,
		PrefetchCount:   appCfg.Kafka.PrefetchCount,
		Concurrency:     appCfg.Kafka.Concurrency,
		MaxRetries:      appCfg.Kafka.MaxRetries,
		RetryDelay:      appCfg.Kafka.RetryDelay,
		DeadLetterTopic: appCfg.Kafka.DeadLetter,
		MessageTTL:      appCfg.Kafka.MessageTTL,
	})
	if err != nil {
		logger.Error(context.Background(), "subscribe compile topic failed", zap.Error(err))
		return
	}
	if err := mqClient.Start(); err != nil {
		logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
		return
	}

	logger.Info(context.Background(), "compiler worker started", zap.String("topic", appCfg.Kafka.Topic))

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-shutdownCtx.Done()

	logger.Info(context.Background(), "shutdown signal received")
	_ = mqClient.Stop()
}
