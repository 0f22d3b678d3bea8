package service

import (
	"context"
	"fmt"

	"github.com/lvdashuaibi/littlewatch/internal/model"
	"github.com/shopspring/decimal"
)

// GetStatus 汇总当日奖励、未领取奖励和当前会话，只读
func (s *EarnService) GetStatus(ctx context.Context, userID string) (*model.Status, error) {
	userID = NormalizeAddress(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: userAddress 不能为空", ErrInvalidRequest)
	}

	now := s.clock.Now()
	agg, err := s.ledger.GetDailyAggregate(ctx, userID, s.window.DateKey(now))
	if err != nil {
		return nil, fmt.Errorf("获取当日汇总失败: %w", err)
	}

	byType, err := s.ledger.SumByType(ctx, userID, s.window.DayStart(now), s.window.NextReset(now))
	if err != nil {
		return nil, fmt.Errorf("获取当日奖励明细失败: %w", err)
	}
	if byType == nil {
		byType = map[string]decimal.Decimal{}
	}

	unclaimed, err := s.ledger.ListUnclaimed(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("获取未领取奖励失败: %w", err)
	}
	if unclaimed == nil {
		unclaimed = []*model.RewardRecord{}
	}
	unclaimedTotal := decimal.Zero
	for _, record := range unclaimed {
		unclaimedTotal = unclaimedTotal.Add(record.Amount)
	}

	active, err := s.ActiveSession(ctx, userID)
	if err != nil {
		return nil, err
	}

	remaining := s.rules.DailyWatchCap.Sub(agg.WatchRewards)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	return &model.Status{
		Today: model.TodayStatus{
			WatchRewards:   agg.WatchRewards,
			CommentRewards: agg.CommentRewards,
			TotalRewards:   agg.TotalRewards,
			DailyLimit:     s.rules.DailyWatchCap,
			Remaining:      remaining,
			RewardsByType:  byType,
		},
		Unclaimed: model.UnclaimedStatus{
			Count:       len(unclaimed),
			TotalAmount: unclaimedTotal,
			Rewards:     unclaimed,
		},
		ActiveSession:  active,
		ResetInSeconds: s.window.SecondsUntilReset(now),
	}, nil
}
