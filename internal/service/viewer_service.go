package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lvdashuaibi/littlewatch/internal/metrics"
	"github.com/lvdashuaibi/littlewatch/internal/model"
	"github.com/lvdashuaibi/littlewatch/internal/repository"
	"github.com/sirupsen/logrus"
)

// ViewerService 直播间在线人数。
// 离开不校验加入凭证，重复离开只会让计数停在0，不会为负。
type ViewerService struct {
	viewers ViewerStore
	streams StreamDirectory
	earn    *EarnService
	metrics *metrics.Metrics
	logger  logrus.FieldLogger
}

func NewViewerService(viewers ViewerStore, streams StreamDirectory, earn *EarnService, m *metrics.Metrics, logger logrus.FieldLogger) *ViewerService {
	if m == nil {
		m = metrics.New(nil)
	}
	return &ViewerService{
		viewers: viewers,
		streams: streams,
		earn:    earn,
		metrics: m,
		logger:  logger,
	}
}

// Join 进入直播间，携带用户地址时同时开启观看会话
func (s *ViewerService) Join(ctx context.Context, streamID, userID string) (*model.ViewerCounterState, error) {
	stream, err := s.lookup(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if stream.Status != model.StreamStatusLive {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotLive, stream.ID)
	}

	state, err := s.viewers.IncrementViewers(ctx, stream.ID)
	if err != nil {
		return nil, fmt.Errorf("增加在线人数失败: %w", err)
	}
	s.metrics.ViewerEvents.WithLabelValues("join").Inc()

	// 计数已生效，会话开启失败只记录日志，下一次心跳会补建会话
	if userID = NormalizeAddress(userID); userID != "" && s.earn != nil {
		if _, err := s.earn.OpenSession(ctx, userID, stream.ID); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{"user": userID, "stream": stream.ID}).Warn("开启观看会话失败")
		}
	}
	return state, nil
}

// Leave 离开直播间，计数最低为0
func (s *ViewerService) Leave(ctx context.Context, streamID, userID string) (*model.ViewerCounterState, error) {
	stream, err := s.lookup(ctx, streamID)
	if err != nil {
		return nil, err
	}

	state, err := s.viewers.DecrementViewers(ctx, stream.ID)
	if err != nil {
		return nil, fmt.Errorf("减少在线人数失败: %w", err)
	}
	s.metrics.ViewerEvents.WithLabelValues("leave").Inc()

	if userID = NormalizeAddress(userID); userID != "" && s.earn != nil {
		if err := s.earn.CloseSession(ctx, userID, stream.ID, model.EndReasonLeave); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{"user": userID, "stream": stream.ID}).Warn("结束观看会话失败")
		}
	}
	return state, nil
}

// GetViewers 查询在线人数
func (s *ViewerService) GetViewers(ctx context.Context, streamID string) (*model.ViewerCounterState, error) {
	stream, err := s.lookup(ctx, streamID)
	if err != nil {
		return nil, err
	}
	state, err := s.viewers.GetViewers(ctx, stream.ID)
	if err != nil {
		return nil, fmt.Errorf("获取在线人数失败: %w", err)
	}
	return state, nil
}

// FlushCounters 将有变动的直播间人数写回直播间表，返回成功写入的数量
func (s *ViewerService) FlushCounters(ctx context.Context, limit int) (int, error) {
	ids, err := s.viewers.PopDirtyStreams(ctx, limit)
	if err != nil {
		return 0, err
	}

	flushed := 0
	for _, id := range ids {
		state, err := s.viewers.GetViewers(ctx, id)
		if err == nil {
			err = s.streams.SaveViewerSnapshot(ctx, state)
		}
		if err != nil {
			s.logger.WithError(err).WithField("stream", id).Warn("在线人数落库失败")
			if markErr := s.viewers.MarkStreamDirty(ctx, id); markErr != nil {
				s.logger.WithError(markErr).WithField("stream", id).Error("重新标记直播间失败")
			}
			continue
		}
		flushed++
	}
	return flushed, nil
}

func (s *ViewerService) lookup(ctx context.Context, streamID string) (*model.Stream, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, fmt.Errorf("%w: streamId 不能为空", ErrInvalidRequest)
	}

	stream, err := s.streams.GetStream(ctx, streamID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("查询直播间失败: %w", err)
	}
	return stream, nil
}
