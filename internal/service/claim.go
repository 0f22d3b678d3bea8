package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/littlewatch/internal/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PendingHandlePrefix 结算方确认前的占位句柄前缀
const PendingHandlePrefix = "pending:"

// Claim 领取未领取的奖励，rewardIDs 为空时领取全部
func (s *EarnService) Claim(ctx context.Context, userID string, rewardIDs []string) (*model.ClaimResult, error) {
	userID = NormalizeAddress(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: userAddress 不能为空", ErrInvalidRequest)
	}

	ids := dedupeIDs(rewardIDs)
	if len(rewardIDs) > 0 && len(ids) == 0 {
		return nil, fmt.Errorf("%w: rewardIds 不能为空字符串", ErrInvalidRequest)
	}
	handle := PendingHandlePrefix + uuid.NewString()
	now := s.clock.Now()

	records, err := s.ledger.ClaimRewards(ctx, userID, ids, handle, now)
	if err != nil {
		s.metrics.Claims.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("领取奖励失败: %w", err)
	}
	if len(records) == 0 {
		s.metrics.Claims.WithLabelValues("empty").Inc()
		return nil, ErrNoUnclaimedRewards
	}

	total := decimal.Zero
	claimedIDs := make([]string, 0, len(records))
	for _, record := range records {
		total = total.Add(record.Amount)
		claimedIDs = append(claimedIDs, record.ID)
	}

	result := &model.ClaimResult{
		ClaimedAmount:    total,
		ClaimedCount:     len(records),
		SettlementHandle: handle,
		RewardIDs:        claimedIDs,
	}
	s.metrics.Claims.WithLabelValues("claimed").Inc()

	if s.publisher != nil {
		event := &model.SettlementEvent{
			SettlementHandle: handle,
			UserID:           userID,
			Amount:           total,
			RewardIDs:        claimedIDs,
			RequestedAt:      now,
		}
		// 投递失败不回滚领取，句柄保持 pending 等待对账
		if err := s.publisher.PublishSettlement(ctx, event); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"user":   userID,
				"handle": handle,
			}).Warn("发送结算请求失败")
		}
	}

	return result, nil
}

// ConfirmSettlement 结算方确认后用交易哈希替换占位句柄
func (s *EarnService) ConfirmSettlement(ctx context.Context, confirmation *model.SettlementConfirmation) error {
	if confirmation == nil || confirmation.SettlementHandle == "" || confirmation.TxHash == "" {
		return fmt.Errorf("%w: settlementHandle 和 txHash 不能为空", ErrInvalidRequest)
	}

	updated, err := s.ledger.UpdateSettlementHandle(ctx, confirmation.SettlementHandle, confirmation.TxHash)
	if err != nil {
		return fmt.Errorf("更新结算句柄失败: %w", err)
	}
	if updated == 0 {
		s.logger.WithField("handle", confirmation.SettlementHandle).Debug("结算句柄已确认或不存在")
	}
	return nil
}

// CreditExternalReward 记录评论、礼物等外部模块发放的奖励，按 SourceID 幂等
func (s *EarnService) CreditExternalReward(ctx context.Context, event *model.RewardCreditEvent) (*model.MintResult, error) {
	if event == nil || event.SourceID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: sourceId 和 type 不能为空", ErrInvalidRequest)
	}
	userID := NormalizeAddress(event.UserID)
	if userID == "" || !event.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: userId 不能为空且金额必须大于0", ErrInvalidRequest)
	}

	at := event.At
	if at.IsZero() {
		at = s.clock.Now()
	}

	category, capAmount := s.categoryFor(event.Type)
	minted, err := s.ledger.MintReward(ctx, model.MintRequest{
		UserID:   userID,
		SourceID: event.SourceID,
		Type:     event.Type,
		Category: category,
		Amount:   event.Amount,
		Cap:      capAmount,
		DateKey:  s.window.DateKey(at),
		At:       at,
	})
	if err != nil {
		return nil, fmt.Errorf("记录外部奖励失败: %w", err)
	}

	if minted.Record != nil && !minted.Duplicate {
		s.metrics.RewardsMinted.WithLabelValues(event.Type).Inc()
	}
	return minted, nil
}

// categoryFor 观看类奖励计入观看上限，其余计入评论上限
func (s *EarnService) categoryFor(rewardType string) (model.RewardCategory, decimal.NullDecimal) {
	if strings.HasPrefix(rewardType, "watch") {
		return model.CategoryWatch, decimal.NewNullDecimal(s.rules.DailyWatchCap)
	}
	return model.CategoryComment, s.rules.DailyCommentCap
}

func dedupeIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
