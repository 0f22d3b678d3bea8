package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/littlewatch/config"
	"github.com/lvdashuaibi/littlewatch/internal/api/graph"
	"github.com/lvdashuaibi/littlewatch/internal/api/rest"
	"github.com/lvdashuaibi/littlewatch/internal/clock"
	intkafka "github.com/lvdashuaibi/littlewatch/internal/kafka"
	"github.com/lvdashuaibi/littlewatch/internal/lock"
	"github.com/lvdashuaibi/littlewatch/internal/logging"
	"github.com/lvdashuaibi/littlewatch/internal/metrics"
	"github.com/lvdashuaibi/littlewatch/internal/repository"
	"github.com/lvdashuaibi/littlewatch/internal/service"
	"github.com/lvdashuaibi/littlewatch/internal/sweeper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
)

func main() {
	// 解析命令行参数
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Log.Level)
	log := logger.WithField("instance", *instanceID)
	log.Info("配置加载成功")

	rules, err := cfg.Earn.Rules()
	if err != nil {
		log.WithError(err).Fatal("解析奖励规则失败")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// 创建数据库连接
	mysqlRepo, err := repository.NewMySQLRepository(cfg.MySQL, logger)
	if err != nil {
		log.WithError(err).Fatal("初始化MySQL仓库失败")
	}
	defer mysqlRepo.Close()
	if cfg.MySQL.Migrate {
		if err := mysqlRepo.Migrate(context.Background()); err != nil {
			log.WithError(err).Fatal("执行数据库迁移失败")
		}
	}
	log.Info("MySQL仓库初始化成功")

	// 创建Redis连接
	redisRepo, err := repository.NewRedisRepository(cfg.Redis, rules.SessionRetention)
	if err != nil {
		log.WithError(err).Fatal("初始化Redis仓库失败")
	}
	defer redisRepo.Close()
	log.Info("Redis仓库初始化成功")

	// 用户级锁
	userLock, err := newRedLock(cfg.Redis, cfg.Redis.LockRetryCount, redisRepo.Client(), logger)
	if err != nil {
		log.WithError(err).Fatal("初始化Redis分布式锁失败")
	}
	defer userLock.Close()

	// 清理任务主节点锁，配置了etcd时优先使用etcd租约
	leaderLock, err := newLeaderLock(cfg, redisRepo.Client(), logger)
	if err != nil {
		log.WithError(err).Fatal("初始化主节点锁失败")
	}
	defer leaderLock.Close()

	// 创建Kafka生产者
	producer, err := intkafka.NewProducer(cfg.Kafka, logger)
	if err != nil {
		log.WithError(err).Fatal("初始化Kafka生产者失败")
	}
	defer producer.Close()
	log.Info("Kafka生产者初始化成功")

	clk := clock.System()
	earnService := service.NewEarnService(redisRepo, mysqlRepo, userLock, producer, rules, clk, m, logger)
	viewerService := service.NewViewerService(redisRepo, mysqlRepo, earnService, m, logger)

	// 创建Kafka消费者
	var consumers []*intkafka.Consumer
	if cfg.Kafka.ConfirmationTopic != "" {
		c, err := intkafka.NewConsumer(cfg.Kafka, cfg.Kafka.ConfirmationTopic, logger)
		if err != nil {
			log.WithError(err).Fatal("初始化结算确认消费者失败")
		}
		c.StartConsuming(intkafka.SettlementConfirmationHandler(earnService))
		consumers = append(consumers, c)
	}
	if cfg.Kafka.RewardTopic != "" {
		c, err := intkafka.NewConsumer(cfg.Kafka, cfg.Kafka.RewardTopic, logger)
		if err != nil {
			log.WithError(err).Fatal("初始化外部奖励消费者失败")
		}
		c.StartConsuming(intkafka.RewardCreditHandler(earnService, logger))
		consumers = append(consumers, c)
	}
	log.WithField("consumers", len(consumers)).Info("Kafka消费者已启动")

	reaper := sweeper.NewReaper(redisRepo, earnService, viewerService, leaderLock, clk, sweeper.Options{
		Interval:   cfg.Sweeper.Interval,
		StaleAfter: rules.MaxElapsed(),
		Grace:      rules.AttentionGrace,
		BatchSize:  cfg.Sweeper.BatchSize,
	}, m, logger.WithField("component", "sweeper"))
	reaper.Start()

	gin.SetMode(gin.ReleaseMode)
	graphqlServer := graph.NewGraphQLServer(earnService, viewerService, cfg.GraphQL.Path)
	router := rest.NewRouter(rest.NewHandler(earnService, viewerService, logger), rest.RouterOptions{
		GraphQLPath: cfg.GraphQL.Path,
		GraphQL:     graphqlServer.Handler(),
		Playground:  graphqlServer.Playground(),
		Gatherer:    registry,
		HealthCheckers: []func() error{
			func() error { return redisRepo.Client().Ping(context.Background()).Err() },
			func() error { return mysqlRepo.Ping(context.Background()) },
		},
	}, logger)

	// 计算端口，支持多实例
	serverPort := cfg.Server.Port + *instanceID - 1
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", serverPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 启动HTTP服务器(异步)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("启动HTTP服务器失败")
		}
	}()
	log.WithFields(logrus.Fields{
		"addr":    srv.Addr,
		"graphql": cfg.GraphQL.Path,
	}).Info("Little Watch 服务已启动")

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("HTTP服务器关闭超时")
	}

	reaper.Stop()
	for _, c := range consumers {
		if err := c.Stop(); err != nil {
			log.WithError(err).Warn("关闭Kafka消费者失败")
		}
	}
	userLock.ReleaseAllLocks()
	log.Info("服务已关闭")
}

// newRedLock 未配置独立锁节点时退化为数据节点上的单实例锁
func newRedLock(cfg config.RedisConfig, retries int, dataClient *redis.Client, logger logrus.FieldLogger) (lock.Lock, error) {
	if len(cfg.LockAddresses) == 0 {
		return lock.NewRedLockWithClients([]*redis.Client{dataClient}, retries, cfg.LockRetryDelay, logger), nil
	}
	cfg.LockRetryCount = retries
	return lock.NewRedLock(cfg, logger)
}

// newLeaderLock 主节点锁只尝试一次，未抢到的实例等待下个周期
func newLeaderLock(cfg *config.Config, dataClient *redis.Client, logger logrus.FieldLogger) (lock.Lock, error) {
	if len(cfg.ETCD.Endpoints) > 0 {
		l, err := lock.NewETCDLock(cfg.ETCD, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("清理任务使用ETCD主节点锁")
		return l, nil
	}
	return newRedLock(cfg.Redis, 1, dataClient, logger)
}
