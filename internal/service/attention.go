package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"

	"github.com/lvdashuaibi/littlewatch/internal/model"
	"github.com/sirupsen/logrus"
)

// nextAttentionAt 计算下一次校验所在的心跳序号。
// 随机偏移由会话ID和当前序号决定，同一会话重放得到相同结果。
func (s *EarnService) nextAttentionAt(sessionID string, heartbeatCount int) int {
	if s.rules.AttentionEvery <= 0 {
		return 0
	}

	offset := 0
	if s.rules.AttentionJitter > 0 {
		h := fnv.New64a()
		h.Write([]byte(sessionID))
		rng := rand.New(rand.NewPCG(h.Sum64(), uint64(heartbeatCount)))
		offset = rng.IntN(s.rules.AttentionJitter + 1)
	}
	return heartbeatCount + s.rules.AttentionEvery + offset
}

// ResolveAttentionCheck 提交注意力校验结果，失败则结束会话
func (s *EarnService) ResolveAttentionCheck(ctx context.Context, userID, streamID string, passed bool) (*model.AttentionResult, error) {
	userID = NormalizeAddress(userID)
	if userID == "" || streamID == "" {
		return nil, fmt.Errorf("%w: userAddress 和 streamId 不能为空", ErrInvalidRequest)
	}

	err := s.mutate(ctx, userID, func() error {
		now := s.clock.Now()
		stored, err := s.loadSession(ctx, userID)
		if err != nil {
			return err
		}
		if stored == nil || !stored.IsActive || !stored.AttentionCheckPending || stored.StreamID != streamID {
			return ErrSessionNotFound
		}

		if passed {
			stored.AttentionCheckPending = false
			stored.ChallengeIssuedAt = nil
			stored.LastHeartbeatAt = now
			stored.NextAttentionAt = s.nextAttentionAt(stored.SessionID, stored.HeartbeatCount)
		} else {
			stored.Close(model.EndReasonAttentionFailed, now)
		}
		return s.sessions.CompareAndSwapSession(ctx, stored, stored.Version)
	})
	if err != nil {
		return nil, err
	}

	if passed {
		s.metrics.AttentionChecks.WithLabelValues("passed").Inc()
	} else {
		s.metrics.AttentionChecks.WithLabelValues("failed").Inc()
		s.metrics.SessionsClosed.WithLabelValues(model.EndReasonAttentionFailed).Inc()
		s.logger.WithFields(logrus.Fields{"user": userID, "stream": streamID}).Info("注意力校验未通过，结束观看会话")
	}
	return &model.AttentionResult{Continue: passed}, nil
}
