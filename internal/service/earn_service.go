package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/littlewatch/config"
	"github.com/lvdashuaibi/littlewatch/internal/clock"
	"github.com/lvdashuaibi/littlewatch/internal/lock"
	"github.com/lvdashuaibi/littlewatch/internal/metrics"
	"github.com/lvdashuaibi/littlewatch/internal/model"
	"github.com/lvdashuaibi/littlewatch/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const userLockPrefix = "watch:user:"

type EarnService struct {
	sessions  SessionStore
	ledger    RewardLedger
	locker    lock.Lock
	publisher SettlementPublisher
	rules     *config.EarnRules
	window    clock.Window
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    logrus.FieldLogger
	retry     retrypolicy.RetryPolicy[any]
}

func NewEarnService(
	sessions SessionStore,
	ledger RewardLedger,
	locker lock.Lock,
	publisher SettlementPublisher,
	rules *config.EarnRules,
	clk clock.Clock,
	m *metrics.Metrics,
	logger logrus.FieldLogger,
) *EarnService {
	if clk == nil {
		clk = clock.System()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	// 会话版本冲突时重新读取并重放整个单元
	retry := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return errors.Is(err, repository.ErrConflict)
		}).
		WithMaxRetries(rules.MaxRetries).
		WithBackoff(5*time.Millisecond, 100*time.Millisecond).
		WithJitterFactor(0.1).
		ReturnLastFailure().
		Build()

	return &EarnService{
		sessions:  sessions,
		ledger:    ledger,
		locker:    locker,
		publisher: publisher,
		rules:     rules,
		window:    clock.NewWindow(rules.Location),
		clock:     clk,
		metrics:   m,
		logger:    logger,
		retry:     retry,
	}
}

// NormalizeAddress 钱包地址统一小写
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Heartbeat 处理观看心跳：累计时长、发放档位奖励、按节奏下发注意力校验
func (s *EarnService) Heartbeat(ctx context.Context, userID, streamID string) (*model.HeartbeatResult, error) {
	userID = NormalizeAddress(userID)
	streamID = strings.TrimSpace(streamID)
	if userID == "" || streamID == "" {
		return nil, fmt.Errorf("%w: userAddress 和 streamId 不能为空", ErrInvalidRequest)
	}

	var result *model.HeartbeatResult
	err := s.mutate(ctx, userID, func() error {
		r, err := s.heartbeatOnce(ctx, userID, streamID)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		s.metrics.Heartbeats.WithLabelValues("error").Inc()
		return nil, err
	}

	outcome := "accepted"
	if !result.Continue {
		outcome = "paused"
	}
	s.metrics.Heartbeats.WithLabelValues(outcome).Inc()
	return result, nil
}

func (s *EarnService) heartbeatOnce(ctx context.Context, userID, streamID string) (*model.HeartbeatResult, error) {
	now := s.clock.Now()

	stored, err := s.loadSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	expected := int64(0)
	if stored != nil {
		expected = stored.Version
	}

	// 心跳开启的会话按一个心跳周期前开始计，首个心跳即计入时长
	openedAt := now.Add(-s.rules.HeartbeatInterval)

	session := stored
	switch {
	case stored == nil || !stored.IsActive:
		// 会话已结束（离开、校验失败、超时）则开启新会话
		session = s.newSession(userID, streamID, openedAt)
	case stored.StreamID != streamID:
		s.logger.WithFields(logrus.Fields{
			"user":       userID,
			"fromStream": stored.StreamID,
			"toStream":   streamID,
		}).Info("切换直播间，关闭原观看会话")
		s.metrics.SessionsClosed.WithLabelValues(model.EndReasonSwitched).Inc()
		session = s.newSession(userID, streamID, openedAt)
	case stored.AttentionCheckPending:
		// 校验未完成前不累计时长
		return &model.HeartbeatResult{
			Continue:          false,
			AttentionCheck:    true,
			RewardsIssued:     []model.IssuedReward{},
			TotalWatchSeconds: stored.TotalSeconds,
		}, nil
	}

	elapsed := now.Sub(session.LastHeartbeatAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if limit := s.rules.MaxElapsed(); elapsed > limit {
		elapsed = limit
	}
	session.TotalSeconds += int64(elapsed / time.Second)
	session.LastHeartbeatAt = now
	session.HeartbeatCount++

	result := &model.HeartbeatResult{
		Continue:      true,
		RewardsIssued: []model.IssuedReward{},
	}

	for _, threshold := range s.rules.Thresholds {
		if session.TotalSeconds < threshold.Seconds || session.ThresholdPaid(threshold.Type) {
			continue
		}

		minted, err := s.ledger.MintReward(ctx, model.MintRequest{
			UserID:    userID,
			SessionID: session.SessionID,
			Type:      threshold.Type,
			Category:  model.CategoryWatch,
			Amount:    threshold.Amount,
			Cap:       decimal.NewNullDecimal(s.rules.DailyWatchCap),
			DateKey:   s.window.DateKey(now),
			At:        now,
		})
		if err != nil {
			return nil, fmt.Errorf("发放 %s 奖励失败: %w", threshold.Type, err)
		}

		// 被上限截断为0的档位同样标记，不再重试
		session.PaidThresholds = append(session.PaidThresholds, threshold.Type)
		if minted.CapReached {
			result.DailyCapReached = true
			s.metrics.CapReached.Inc()
		}
		if minted.Record != nil {
			result.RewardsIssued = append(result.RewardsIssued, model.IssuedReward{
				ID:     minted.Record.ID,
				Type:   minted.Record.Type,
				Amount: minted.Record.Amount,
			})
			if !minted.Duplicate {
				s.metrics.RewardsMinted.WithLabelValues(threshold.Type).Inc()
			}
		}
	}

	if s.rules.AttentionEvery > 0 && session.HeartbeatCount >= session.NextAttentionAt {
		issued := now
		session.AttentionCheckPending = true
		session.ChallengeIssuedAt = &issued
		result.AttentionCheck = true
		s.metrics.AttentionChecks.WithLabelValues("issued").Inc()
	}

	if err := s.sessions.CompareAndSwapSession(ctx, session, expected); err != nil {
		return nil, err
	}

	result.TotalWatchSeconds = session.TotalSeconds
	return result, nil
}

// OpenSession 进入直播间时开启观看会话，已在同一直播间观看则保持不变
func (s *EarnService) OpenSession(ctx context.Context, userID, streamID string) (*model.WatchSession, error) {
	userID = NormalizeAddress(userID)
	if userID == "" || streamID == "" {
		return nil, fmt.Errorf("%w: userAddress 和 streamId 不能为空", ErrInvalidRequest)
	}

	var opened *model.WatchSession
	err := s.mutate(ctx, userID, func() error {
		now := s.clock.Now()
		stored, err := s.loadSession(ctx, userID)
		if err != nil {
			return err
		}

		expected := int64(0)
		if stored != nil {
			expected = stored.Version
			if stored.IsActive && stored.StreamID == streamID {
				opened = stored
				return nil
			}
			if stored.IsActive {
				s.metrics.SessionsClosed.WithLabelValues(model.EndReasonSwitched).Inc()
			}
		}

		session := s.newSession(userID, streamID, now)
		if err := s.sessions.CompareAndSwapSession(ctx, session, expected); err != nil {
			return err
		}
		opened = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return opened, nil
}

// CloseSession 结束用户在该直播间的会话，会话不存在或已在别处观看时忽略
func (s *EarnService) CloseSession(ctx context.Context, userID, streamID, reason string) error {
	userID = NormalizeAddress(userID)
	if userID == "" {
		return fmt.Errorf("%w: userAddress 不能为空", ErrInvalidRequest)
	}

	return s.mutate(ctx, userID, func() error {
		stored, err := s.loadSession(ctx, userID)
		if err != nil {
			return err
		}
		if stored == nil || !stored.IsActive || stored.StreamID != streamID {
			return nil
		}

		stored.Close(reason, s.clock.Now())
		if err := s.sessions.CompareAndSwapSession(ctx, stored, stored.Version); err != nil {
			return err
		}
		s.metrics.SessionsClosed.WithLabelValues(reason).Inc()
		return nil
	})
}

// ExpireSession 清理任务调用：在用户锁内重新判断心跳超时或校验超时
func (s *EarnService) ExpireSession(ctx context.Context, userID string) (string, error) {
	var reason string
	err := s.mutate(ctx, userID, func() error {
		reason = ""
		now := s.clock.Now()
		stored, err := s.loadSession(ctx, userID)
		if err != nil {
			return err
		}
		if stored == nil {
			// 哈希过期后索引里的用户不会再被关闭
			return s.sessions.DropSessionIndex(ctx, userID)
		}
		if !stored.IsActive {
			return nil
		}

		switch {
		case stored.AttentionCheckPending && stored.ChallengeIssuedAt != nil:
			if now.Sub(*stored.ChallengeIssuedAt) < s.rules.AttentionGrace {
				return nil
			}
			reason = model.EndReasonAttentionTimeout
		case now.Sub(stored.LastHeartbeatAt) > s.rules.MaxElapsed():
			reason = model.EndReasonHeartbeatTimeout
		default:
			return nil
		}

		stored.Close(reason, now)
		return s.sessions.CompareAndSwapSession(ctx, stored, stored.Version)
	})
	if err != nil {
		return "", err
	}

	if reason != "" {
		s.metrics.SessionsClosed.WithLabelValues(reason).Inc()
		if reason == model.EndReasonAttentionTimeout {
			s.metrics.AttentionChecks.WithLabelValues("expired").Inc()
		}
	}
	return reason, nil
}

// ActiveSession 返回用户当前活跃会话，没有则为 nil
func (s *EarnService) ActiveSession(ctx context.Context, userID string) (*model.WatchSession, error) {
	stored, err := s.loadSession(ctx, NormalizeAddress(userID))
	if err != nil {
		return nil, err
	}
	if stored == nil || !stored.IsActive {
		return nil, nil
	}
	return stored, nil
}

func (s *EarnService) newSession(userID, streamID string, now time.Time) *model.WatchSession {
	session := &model.WatchSession{
		SessionID:       uuid.NewString(),
		UserID:          userID,
		StreamID:        streamID,
		StartedAt:       now,
		LastHeartbeatAt: now,
		IsActive:        true,
		PaidThresholds:  []string{},
	}
	session.NextAttentionAt = s.nextAttentionAt(session.SessionID, 0)
	return session
}

func (s *EarnService) loadSession(ctx context.Context, userID string) (*model.WatchSession, error) {
	session, err := s.sessions.GetSession(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}
	return session, nil
}

// mutate 在用户锁内执行会话修改，版本冲突按重试策略重放
func (s *EarnService) mutate(ctx context.Context, userID string, fn func() error) error {
	return s.withUserLock(ctx, userID, func() error {
		_, err := failsafe.With(s.retry).WithContext(ctx).Get(func() (any, error) {
			return nil, fn()
		})
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	})
}

func (s *EarnService) withUserLock(ctx context.Context, userID string, fn func() error) error {
	name := userLockPrefix + userID
	h, err := s.locker.AcquireLock(ctx, name, s.rules.LockTTL)
	if err != nil {
		return fmt.Errorf("%w: 获取用户锁失败: %v", ErrUnavailable, err)
	}
	if h == nil {
		return fmt.Errorf("%w: 用户 %s 有请求正在处理", ErrUnavailable, userID)
	}
	defer func() {
		if err := s.locker.ReleaseLock(context.Background(), h); err != nil {
			s.logger.WithError(err).WithField("user", userID).Warn("释放用户锁失败")
		}
	}()

	return fn()
}
