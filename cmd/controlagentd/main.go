package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"ControlAgent/internal/agentclient"
	"ControlAgent/internal/api"
	"ControlAgent/internal/auth"
	"ControlAgent/internal/config"
	"ControlAgent/internal/observability/alerting"
	"ControlAgent/internal/observability/metrics"
	"ControlAgent/internal/pipeline"
	"ControlAgent/internal/reclaim"
	"ControlAgent/internal/slot"
	"ControlAgent/internal/staging"
	"ControlAgent/internal/storage/mysql"
	"ControlAgent/internal/storage/redis"
	"ControlAgent/pkg/envelope"
	"ControlAgent/pkg/logger"
)

// main 是控制网关守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		log.Fatalf("controlagentd 运行失败: %v", err)
	}
}

func run(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("controlagentd", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "配置文件路径（.json/.jsonc/.yaml），未指定时读取 "+config.EnvConfigPath)
	logLevel := flags.String("log-level", "", "覆盖配置中的日志级别")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *configPath == "" && os.Getenv(config.EnvConfigPath) == "" {
		*configPath = filepath.Join("configs", "controlagent.json")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		AddSource:   cfg.Logging.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	mainLog := logger.Named("controlagentd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	codec, err := envelope.NewCodec(map[envelope.Scope]string{
		envelope.ScopeDefault:    cfg.Crypto.Secret,
		envelope.ScopeDocument:   cfg.Agents.Document.Secret,
		envelope.ScopeGeneration: cfg.Agents.Generation.Secret,
	})
	if err != nil {
		return err
	}

	var db *sql.DB
	if cfg.NeedsMySQL() {
		db, err = mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer db.Close()
	}

	verifier, err := buildCredentialGate(ctx, cfg, db)
	if err != nil {
		return err
	}
	registry, closeLocker, err := buildSlotRegistry(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeLocker()

	documentAgent, err := agentclient.New(agentclient.Config{
		Name:    string(envelope.ScopeDocument),
		BaseURL: cfg.Agents.Document.BaseURL,
		Timeout: cfg.Agents.Document.Timeout(),
	})
	if err != nil {
		return err
	}
	generationAgent, err := agentclient.New(agentclient.Config{
		Name:    string(envelope.ScopeGeneration),
		BaseURL: cfg.Agents.Generation.BaseURL,
		Timeout: cfg.Agents.Generation.Timeout(),
	})
	if err != nil {
		return err
	}

	queue, err := buildReclaimQueue(ctx, cfg)
	if err != nil {
		return err
	}
	reclaimOpts := []reclaim.Option{reclaim.WithTimeout(time.Duration(cfg.Reclaim.TimeoutSeconds) * time.Second)}
	if queue != nil {
		defer func() {
			if err := queue.Close(); err != nil {
				mainLog.Warn("关闭回收队列失败", "error", err)
			}
		}()
		reclaimOpts = append(reclaimOpts, reclaim.WithProducer(queue))
	}
	reclaimer, err := reclaim.NewService(documentAgent, codec, reclaimOpts...)
	if err != nil {
		return err
	}
	if queue != nil {
		processor := reclaim.NewProcessor(reclaimer, queue,
			reclaim.WithWorkerCount(cfg.Reclaim.Queue.Workers),
			reclaim.WithMaxAttempts(cfg.Reclaim.Queue.MaxAttempts),
			reclaim.WithRetryDelay(time.Duration(cfg.Reclaim.Queue.RetryDelaySeconds)*time.Second),
			reclaim.WithAlerts(buildAlerts(cfg)),
		)
		go func() {
			if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				mainLog.Error("回收处理器异常退出", "error", err)
			}
		}()
	}

	stagingManager, err := staging.NewManager(cfg.Runtime.StagingDir)
	if err != nil {
		return err
	}
	ingest, err := pipeline.NewIngest(pipeline.IngestConfig{
		Codec:         codec,
		Verifier:      verifier,
		Registry:      registry,
		DocumentAgent: documentAgent,
		Staging:       stagingManager,
		Reclaimer:     reclaimer,
		BindTimeout:   time.Duration(cfg.Runtime.BindTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	query, err := pipeline.NewQuery(pipeline.QueryConfig{
		Codec:           codec,
		Verifier:        verifier,
		Registry:        registry,
		DocumentAgent:   documentAgent,
		GenerationAgent: generationAgent,
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				mainLog.Error("指标服务异常退出", "error", err)
			}
		}()
	}

	server := api.NewServer(api.Config{
		Addr:            cfg.Server.Address,
		MaxBodyBytes:    int64(cfg.Server.MaxBodyMB) << 20,
		ExposeMetrics:   cfg.Metrics.Enabled && cfg.Metrics.Address == "",
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownSeconds) * time.Second,
	}, ingest, query)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	mainLog.Info("controlagentd 已退出")
	return nil
}

func buildCredentialGate(ctx context.Context, cfg *config.Config, db *sql.DB) (*auth.Service, error) {
	seeds := make([]auth.Seed, 0, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		seeds = append(seeds, auth.Seed{Username: u.Username, Password: u.Password, Disabled: u.Disabled})
	}

	var store auth.Store
	switch cfg.Auth.Driver {
	case "memory":
		// 种子账号由 NewService 统一写入。
		memory, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, err
		}
		store = memory
	case "mysql":
		store = mysql.NewSQLAuthStore(db)
	default:
		return nil, fmt.Errorf("未知的凭据存储驱动: %s", cfg.Auth.Driver)
	}
	return auth.NewService(ctx, auth.Config{Seeds: seeds}, store)
}

func buildSlotRegistry(ctx context.Context, cfg *config.Config, db *sql.DB) (*slot.Registry, func(), error) {
	var store slot.Store
	switch cfg.Storage.Slots.Driver {
	case "memory":
		dataDir := ""
		if cfg.Storage.Slots.Persist {
			dataDir = cfg.Runtime.DataDir
		}
		memory, err := slot.NewMemoryStore(dataDir)
		if err != nil {
			return nil, nil, err
		}
		store = memory
	case "mysql":
		store = mysql.NewSQLSlotStore(db)
	default:
		return nil, nil, fmt.Errorf("未知的槽位存储驱动: %s", cfg.Storage.Slots.Driver)
	}

	var locker slot.Locker
	closeLocker := func() {}
	switch cfg.Locking.Driver {
	case "memory":
		locker = slot.NewKeyedMutex()
	case "redis":
		redisLocker, err := redis.NewLocker(ctx, redis.LockerConfig{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Locking.Prefix,
			TTL:      time.Duration(cfg.Locking.TTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		locker = redisLocker
		closeLocker = func() { _ = redisLocker.Close() }
	default:
		return nil, nil, fmt.Errorf("未知的锁驱动: %s", cfg.Locking.Driver)
	}

	registry, err := slot.NewRegistry(store, locker)
	if err != nil {
		closeLocker()
		return nil, nil, err
	}
	return registry, closeLocker, nil
}

// buildReclaimQueue 返回 nil 表示不启用延迟重试。
func buildReclaimQueue(ctx context.Context, cfg *config.Config) (reclaim.Queue, error) {
	qc := cfg.Reclaim.Queue
	switch qc.Driver {
	case "none":
		return nil, nil
	case "memory":
		return reclaim.NewMemoryQueue(qc.Size), nil
	case "redis":
		queue, err := reclaim.NewRedisQueue(ctx, reclaim.RedisQueueConfig{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Queue:    qc.Name,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := reclaim.NewRabbitMQQueue(reclaim.RabbitMQConfig{
			URL:      qc.RabbitMQURL,
			Queue:    qc.Name,
			Prefetch: qc.Workers,
			Durable:  true,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("未知的回收队列驱动: %s", qc.Driver)
	}
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Reclaim.Queue.AlertWebhook != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Reclaim.Queue.AlertWebhook})
	}
	return alerting.NewFanout(notifiers...)
}
