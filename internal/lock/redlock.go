package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/littlewatch/config"
	"github.com/sirupsen/logrus"
)

const (
	// 只删除/续期自己持有的锁
	releaseScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	refreshScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
)

type RedLock struct {
	clients     []*redis.Client
	ownClients  bool
	retries     int
	retryDelay  time.Duration
	clusterSize int
	logger      logrus.FieldLogger

	mu   sync.Mutex
	held map[string]*Handle // key是token，同名锁的每次持有互不影响
}

// NewRedLock 按配置的锁节点创建分布式锁客户端
func NewRedLock(cfg config.RedisConfig, logger logrus.FieldLogger) (*RedLock, error) {
	ctx := context.Background()

	// 创建多个独立的Redis客户端
	var clients []*redis.Client
	for _, addr := range cfg.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})

		// 测试连接
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			// 关闭已创建的客户端
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}

		clients = append(clients, client)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("未配置Redis锁节点")
	}

	l := NewRedLockWithClients(clients, cfg.LockRetryCount, cfg.LockRetryDelay, logger)
	l.ownClients = true
	return l, nil
}

// NewRedLockWithClients 复用已有客户端，Close 时不会关闭它们
func NewRedLockWithClients(clients []*redis.Client, retries int, retryDelay time.Duration, logger logrus.FieldLogger) *RedLock {
	if retries < 1 {
		retries = 1
	}
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	return &RedLock{
		clients:     clients,
		retries:     retries,
		retryDelay:  retryDelay,
		clusterSize: len(clients),
		logger:      logger,
		held:        make(map[string]*Handle),
	}
}

// AcquireLock 获取分布式锁，失败时按配置重试
func (r *RedLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (*Handle, error) {
	quorum := r.clusterSize/2 + 1

	// Redlock算法: 尝试在多个节点上获取锁
	for i := 0; i < r.retries; i++ {
		token := uuid.NewString()
		success := 0
		start := time.Now()

		for idx, client := range r.clients {
			ok, err := client.SetNX(ctx, lockName, token, ttl).Result()
			if err != nil {
				r.logger.WithError(err).WithFields(logrus.Fields{"node": idx, "lock": lockName}).Debug("获取锁失败")
				continue
			}
			if ok {
				success++
			}
		}

		// 判断是否在多数节点获取成功
		validityTime := ttl - time.Since(start)
		if success >= quorum && validityTime > 0 {
			h := &Handle{Name: lockName, Token: token}
			r.mu.Lock()
			r.held[token] = h
			r.mu.Unlock()
			return h, nil
		}

		// 获取失败，释放所有节点上的锁
		r.unlockAll(lockName, token)

		if i == r.retries-1 {
			break
		}
		// 重试前等待一段时间
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}

	return nil, nil
}

// RefreshLock 刷新锁的过期时间
func (r *RedLock) RefreshLock(ctx context.Context, h *Handle, ttl time.Duration) (bool, error) {
	if !r.holds(h) {
		return false, ErrNotHeld
	}

	success := 0
	for idx, client := range r.clients {
		result, err := client.Eval(ctx, refreshScript, []string{h.Name}, h.Token, ttl.Milliseconds()).Result()
		if err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{"node": idx, "lock": h.Name}).Warn("刷新锁失败")
			continue
		}
		if n, ok := result.(int64); ok && n == 1 {
			success++
		}
	}

	if success >= r.clusterSize/2+1 {
		return true, nil
	}

	r.mu.Lock()
	delete(r.held, h.Token)
	r.mu.Unlock()
	return false, nil
}

// ReleaseLock 释放分布式锁
func (r *RedLock) ReleaseLock(ctx context.Context, h *Handle) error {
	if !r.holds(h) {
		return ErrNotHeld
	}
	r.mu.Lock()
	delete(r.held, h.Token)
	r.mu.Unlock()

	// 脚本按token比对，过期后被他人获取的锁不会被删除
	r.unlockAll(h.Name, h.Token)
	return nil
}

func (r *RedLock) holds(h *Handle) bool {
	if h == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[h.Token]
	return ok
}

// unlockAll 在所有节点上释放锁
func (r *RedLock) unlockAll(lockName string, token string) {
	for idx, client := range r.clients {
		if err := client.Eval(context.Background(), releaseScript, []string{lockName}, token).Err(); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{"node": idx, "lock": lockName}).Debug("释放锁失败")
		}
	}
}

// ReleaseAllLocks 释放所有持有的锁
func (r *RedLock) ReleaseAllLocks() {
	r.mu.Lock()
	held := r.held
	r.held = make(map[string]*Handle)
	r.mu.Unlock()

	for token, h := range held {
		r.unlockAll(h.Name, token)
	}
}

// Close 关闭分布式锁客户端
func (r *RedLock) Close() error {
	r.ReleaseAllLocks()

	if !r.ownClients {
		return nil
	}
	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			r.logger.WithError(err).Warn("关闭Redis客户端失败")
		}
	}
	return nil
}
