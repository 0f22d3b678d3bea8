package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lvdashuaibi/littlewatch/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type SettlementConfirmer interface {
	ConfirmSettlement(ctx context.Context, confirmation *model.SettlementConfirmation) error
}

type RewardCreditor interface {
	CreditExternalReward(ctx context.Context, event *model.RewardCreditEvent) (*model.MintResult, error)
}

func DecodeSettlementConfirmation(msg kafka.Message) (*model.SettlementConfirmation, error) {
	var confirmation model.SettlementConfirmation
	if err := json.Unmarshal(msg.Value, &confirmation); err != nil {
		return nil, fmt.Errorf("解析结算确认消息失败: %w", err)
	}
	return &confirmation, nil
}

func DecodeRewardCredit(msg kafka.Message) (*model.RewardCreditEvent, error) {
	var event model.RewardCreditEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return nil, fmt.Errorf("解析奖励事件失败: %w", err)
	}
	// 缺省用消息Key作为用户
	if event.UserID == "" {
		event.UserID = string(msg.Key)
	}
	return &event, nil
}

// SettlementConfirmationHandler 结算方确认后回写交易哈希
func SettlementConfirmationHandler(confirmer SettlementConfirmer) MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		confirmation, err := DecodeSettlementConfirmation(msg)
		if err != nil {
			return err
		}
		return confirmer.ConfirmSettlement(ctx, confirmation)
	}
}

// RewardCreditHandler 评论、礼物等模块发放的奖励写入同一账本
func RewardCreditHandler(creditor RewardCreditor, logger logrus.FieldLogger) MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		event, err := DecodeRewardCredit(msg)
		if err != nil {
			return err
		}

		result, err := creditor.CreditExternalReward(ctx, event)
		if err != nil {
			return err
		}
		if result.CapReached {
			logger.WithFields(logrus.Fields{
				"user":    event.UserID,
				"source":  event.SourceID,
				"granted": result.Granted.String(),
			}).Info("外部奖励触达日上限")
		}
		return nil
	}
}
