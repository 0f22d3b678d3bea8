package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/lvdashuaibi/littlewatch/internal/clock"
	"github.com/lvdashuaibi/littlewatch/internal/lock"
	"github.com/lvdashuaibi/littlewatch/internal/metrics"
	"github.com/sirupsen/logrus"
)

const (
	LeaderLockName = "littlewatch:sweeper:leader"
)

// SessionIndex 超时会话索引
type SessionIndex interface {
	ListStaleSessions(ctx context.Context, before time.Time, limit int) ([]string, error)
	ListExpiredChallenges(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// SessionExpirer 在用户锁内复核并关闭会话
type SessionExpirer interface {
	ExpireSession(ctx context.Context, userID string) (string, error)
}

// CounterFlusher 在线人数落库
type CounterFlusher interface {
	FlushCounters(ctx context.Context, limit int) (int, error)
}

type Options struct {
	Interval   time.Duration // 清理周期
	StaleAfter time.Duration // 心跳超时
	Grace      time.Duration // 注意力校验宽限期
	BatchSize  int
}

// Result 单次清理结果
type Result struct {
	Expired int
	Flushed int
}

// Reaper 定时清理放弃的会话和未响应的校验，只在持有主节点锁的实例上运行
type Reaper struct {
	index   SessionIndex
	expirer SessionExpirer
	flusher CounterFlusher
	locker  lock.Lock
	clock   clock.Clock
	opts    Options
	metrics *metrics.Metrics
	logger  logrus.FieldLogger

	mu       sync.Mutex
	leader   *lock.Handle // 非空表示该实例持有主节点锁
	stopChan chan struct{}
	done     chan struct{}
}

func NewReaper(
	index SessionIndex,
	expirer SessionExpirer,
	flusher CounterFlusher,
	locker lock.Lock,
	clk clock.Clock,
	opts Options,
	m *metrics.Metrics,
	logger logrus.FieldLogger,
) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if clk == nil {
		clk = clock.System()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Reaper{
		index:    index,
		expirer:  expirer,
		flusher:  flusher,
		locker:   locker,
		clock:    clk,
		opts:     opts,
		metrics:  m,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start 启动清理循环
func (r *Reaper) Start() {
	ticker := time.NewTicker(r.opts.Interval)

	go func() {
		defer close(r.done)
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.opts.Interval)
				r.tick(ctx)
				cancel()
			case <-r.stopChan:
				ticker.Stop()
				r.logger.Info("会话清理任务已停止")
				return
			}
		}
	}()

	r.logger.WithField("interval", r.opts.Interval).Info("会话清理任务已启动")
}

// Stop 停止清理循环并释放主节点锁
func (r *Reaper) Stop() {
	close(r.stopChan)
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leader != nil {
		if err := r.locker.ReleaseLock(context.Background(), r.leader); err != nil {
			r.logger.WithError(err).Warn("释放清理主节点锁失败")
		}
		r.leader = nil
	}
}

func (r *Reaper) tick(ctx context.Context) {
	leader, err := r.ensureLeader(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("检查清理主节点锁失败")
		return
	}
	if !leader {
		return
	}

	result, err := r.RunOnce(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("会话清理失败")
		return
	}
	if result.Expired > 0 || result.Flushed > 0 {
		r.logger.WithFields(logrus.Fields{
			"expired": result.Expired,
			"flushed": result.Flushed,
		}).Info("会话清理完成")
	}
}

// ensureLeader 已是主节点则续期，否则尝试获取锁
func (r *Reaper) ensureLeader(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ttl := 3 * r.opts.Interval
	if r.leader != nil {
		refreshed, err := r.locker.RefreshLock(ctx, r.leader, ttl)
		if err == nil && refreshed {
			return true, nil
		}
		if err != nil {
			r.logger.WithError(err).Warn("续期清理主节点锁失败")
		}
		r.leader = nil
	}

	h, err := r.locker.AcquireLock(ctx, LeaderLockName, ttl)
	if err != nil {
		return false, err
	}
	if h != nil {
		r.logger.Info("成为会话清理主节点")
	}
	r.leader = h
	return h != nil, nil
}

// RunOnce 执行一次清理：心跳超时、校验超时、在线人数落库
func (r *Reaper) RunOnce(ctx context.Context) (Result, error) {
	var result Result
	now := r.clock.Now()

	stale, err := r.index.ListStaleSessions(ctx, now.Add(-r.opts.StaleAfter), r.opts.BatchSize)
	if err != nil {
		return result, err
	}
	result.Expired += r.expireAll(ctx, stale)

	challenges, err := r.index.ListExpiredChallenges(ctx, now.Add(-r.opts.Grace), r.opts.BatchSize)
	if err != nil {
		return result, err
	}
	result.Expired += r.expireAll(ctx, challenges)

	if r.flusher != nil {
		flushed, err := r.flusher.FlushCounters(ctx, r.opts.BatchSize)
		if err != nil {
			return result, err
		}
		result.Flushed = flushed
	}

	r.metrics.SweepRuns.Inc()
	return result, nil
}

func (r *Reaper) expireAll(ctx context.Context, users []string) int {
	expired := 0
	for _, userID := range users {
		reason, err := r.expirer.ExpireSession(ctx, userID)
		if err != nil {
			// 下个周期重试
			r.logger.WithError(err).WithField("user", userID).Warn("关闭超时会话失败")
			continue
		}
		if reason != "" {
			expired++
		}
	}
	return expired
}
