package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata" // 容器镜像可能不带时区数据

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	ETCD    ETCDConfig    `mapstructure:"etcd"`
	GraphQL GraphQLConfig `mapstructure:"graphql"`
	Earn    EarnConfig    `mapstructure:"earn"`
	Sweeper SweeperConfig `mapstructure:"sweeper"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	Migrate      bool   `mapstructure:"migrate"`
}

type RedisConfig struct {
	// 数据存储Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Redlock使用的Redis节点，为空时使用数据节点
	LockAddresses  []string      `mapstructure:"lock_addresses"`
	LockRetryCount int           `mapstructure:"lock_retry_count"`
	LockRetryDelay time.Duration `mapstructure:"lock_retry_delay"`
}

type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	SettlementTopic   string   `mapstructure:"settlement_topic"`
	ConfirmationTopic string   `mapstructure:"confirmation_topic"`
	RewardTopic       string   `mapstructure:"reward_topic"`
	GroupID           string   `mapstructure:"group_id"`
	Workers           int      `mapstructure:"workers"`
}

type ETCDConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	SessionTTL  time.Duration `mapstructure:"session_ttl"` // 主节点租约最短时长
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

// ThresholdConfig 观看时长奖励档位
type ThresholdConfig struct {
	Type    string `mapstructure:"type"`
	Seconds int64  `mapstructure:"seconds"`
	Amount  string `mapstructure:"amount"`
}

type EarnConfig struct {
	DailyWatchCap     string            `mapstructure:"daily_watch_cap"`
	DailyCommentCap   string            `mapstructure:"daily_comment_cap"`
	HeartbeatInterval time.Duration     `mapstructure:"heartbeat_interval"`
	Thresholds        []ThresholdConfig `mapstructure:"thresholds"`
	ResetTimezone     string            `mapstructure:"reset_timezone"`
	AttentionEvery    int               `mapstructure:"attention_every"`
	AttentionJitter   int               `mapstructure:"attention_jitter"`
	AttentionGrace    time.Duration     `mapstructure:"attention_grace"`
	SessionRetention  time.Duration     `mapstructure:"session_retention"`
	MaxRetries        int               `mapstructure:"max_retries"`
	LockTTL           time.Duration     `mapstructure:"lock_ttl"`
}

type SweeperConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

var AppConfig Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")

	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.migrate", false)

	v.SetDefault("redis.data_address", "127.0.0.1:6379")
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.timeout", 3*time.Second)
	v.SetDefault("redis.lock_retry_count", 40)
	v.SetDefault("redis.lock_retry_delay", 25*time.Millisecond)

	v.SetDefault("kafka.settlement_topic", "earn.settlement.requested")
	v.SetDefault("kafka.confirmation_topic", "earn.settlement.confirmed")
	v.SetDefault("kafka.reward_topic", "earn.reward.credited")
	v.SetDefault("kafka.group_id", "littlewatch")
	v.SetDefault("kafka.workers", 4)

	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.session_ttl", 10*time.Second)

	v.SetDefault("graphql.path", "/graphql")

	v.SetDefault("earn.daily_watch_cap", "50")
	v.SetDefault("earn.daily_comment_cap", "")
	v.SetDefault("earn.heartbeat_interval", 30*time.Second)
	v.SetDefault("earn.thresholds", []map[string]interface{}{
		{"type": "watch_5min", "seconds": 300, "amount": "2"},
		{"type": "watch_30min", "seconds": 1800, "amount": "5"},
	})
	v.SetDefault("earn.reset_timezone", "Asia/Shanghai")
	v.SetDefault("earn.attention_every", 20)
	v.SetDefault("earn.attention_jitter", 10)
	v.SetDefault("earn.attention_grace", 2*time.Minute)
	v.SetDefault("earn.session_retention", 24*time.Hour)
	v.SetDefault("earn.max_retries", 5)
	v.SetDefault("earn.lock_ttl", 5*time.Second)

	v.SetDefault("sweeper.interval", time.Minute)
	v.SetDefault("sweeper.batch_size", 200)
}

// LoadConfig 加载配置文件，环境变量优先（earn.daily_watch_cap -> EARN_DAILY_WATCH_CAP）
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if _, err := cfg.Earn.Rules(); err != nil {
		return nil, fmt.Errorf("校验earn配置失败: %w", err)
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// Threshold 解析后的奖励档位
type Threshold struct {
	Type    string
	Seconds int64
	Amount  decimal.Decimal
}

// EarnRules 奖励引擎运行时规则
type EarnRules struct {
	DailyWatchCap     decimal.Decimal
	DailyCommentCap   decimal.NullDecimal // 未配置表示不限
	HeartbeatInterval time.Duration
	Thresholds        []Threshold // 按 Seconds 升序
	Location          *time.Location
	AttentionEvery    int
	AttentionJitter   int
	AttentionGrace    time.Duration
	SessionRetention  time.Duration
	MaxRetries        int
	LockTTL           time.Duration
}

// MaxElapsed 单次心跳可计入的最长时长
func (r *EarnRules) MaxElapsed() time.Duration {
	return 2 * r.HeartbeatInterval
}

// Rules 将原始配置转换为 EarnRules
func (c EarnConfig) Rules() (*EarnRules, error) {
	watchCap, err := decimal.NewFromString(c.DailyWatchCap)
	if err != nil {
		return nil, fmt.Errorf("daily_watch_cap 无效: %w", err)
	}
	if !watchCap.IsPositive() {
		return nil, fmt.Errorf("daily_watch_cap 必须大于0")
	}

	// 评论上限留空表示不限，配置为0则不发放
	var commentCap decimal.NullDecimal
	if strings.TrimSpace(c.DailyCommentCap) != "" {
		commentCap.Decimal, err = decimal.NewFromString(c.DailyCommentCap)
		if err != nil {
			return nil, fmt.Errorf("daily_comment_cap 无效: %w", err)
		}
		if commentCap.Decimal.IsNegative() {
			return nil, fmt.Errorf("daily_comment_cap 不能为负数")
		}
		commentCap.Valid = true
	}

	if c.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("heartbeat_interval 必须大于0")
	}

	loc, err := time.LoadLocation(c.ResetTimezone)
	if err != nil {
		return nil, fmt.Errorf("reset_timezone 无效: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Thresholds))
	thresholds := make([]Threshold, 0, len(c.Thresholds))
	for _, t := range c.Thresholds {
		if t.Type == "" || t.Seconds <= 0 {
			return nil, fmt.Errorf("奖励档位配置无效: %+v", t)
		}
		if _, dup := seen[t.Type]; dup {
			return nil, fmt.Errorf("奖励档位重复: %s", t.Type)
		}
		seen[t.Type] = struct{}{}

		amount, err := decimal.NewFromString(t.Amount)
		if err != nil || !amount.IsPositive() {
			return nil, fmt.Errorf("奖励档位 %s 金额无效: %q", t.Type, t.Amount)
		}
		thresholds = append(thresholds, Threshold{Type: t.Type, Seconds: t.Seconds, Amount: amount})
	}
	sort.Slice(thresholds, func(i, j int) bool { return thresholds[i].Seconds < thresholds[j].Seconds })

	if c.AttentionEvery < 0 || c.AttentionJitter < 0 {
		return nil, fmt.Errorf("attention_every/attention_jitter 不能为负数")
	}

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	lockTTL := c.LockTTL
	if lockTTL <= 0 {
		lockTTL = 5 * time.Second
	}
	retention := c.SessionRetention
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	return &EarnRules{
		DailyWatchCap:     watchCap,
		DailyCommentCap:   commentCap,
		HeartbeatInterval: c.HeartbeatInterval,
		Thresholds:        thresholds,
		Location:          loc,
		AttentionEvery:    c.AttentionEvery,
		AttentionJitter:   c.AttentionJitter,
		AttentionGrace:    c.AttentionGrace,
		SessionRetention:  retention,
		MaxRetries:        maxRetries,
		LockTTL:           lockTTL,
	}, nil
}
