package service

import (
	"context"
	"time"

	"github.com/lvdashuaibi/littlewatch/internal/model"
	"github.com/shopspring/decimal"
)

// SessionStore 观看会话存储，由 repository.RedisRepository 实现
type SessionStore interface {
	GetSession(ctx context.Context, userID string) (*model.WatchSession, error)
	CompareAndSwapSession(ctx context.Context, session *model.WatchSession, expectedVersion int64) error
	ListStaleSessions(ctx context.Context, before time.Time, limit int) ([]string, error)
	ListExpiredChallenges(ctx context.Context, before time.Time, limit int) ([]string, error)
	DropSessionIndex(ctx context.Context, userID string) error
}

// RewardLedger 奖励账本，由 repository.MySQLRepository 实现
type RewardLedger interface {
	MintReward(ctx context.Context, req model.MintRequest) (*model.MintResult, error)
	GetDailyAggregate(ctx context.Context, userID, dateKey string) (*model.DailyAggregate, error)
	ListUnclaimed(ctx context.Context, userID string) ([]*model.RewardRecord, error)
	SumByType(ctx context.Context, userID string, from, to time.Time) (map[string]decimal.Decimal, error)
	ClaimRewards(ctx context.Context, userID string, ids []string, handle string, at time.Time) ([]*model.RewardRecord, error)
	UpdateSettlementHandle(ctx context.Context, pending, final string) (int64, error)
}

// ViewerStore 在线人数计数器
type ViewerStore interface {
	IncrementViewers(ctx context.Context, streamID string) (*model.ViewerCounterState, error)
	DecrementViewers(ctx context.Context, streamID string) (*model.ViewerCounterState, error)
	GetViewers(ctx context.Context, streamID string) (*model.ViewerCounterState, error)
	PopDirtyStreams(ctx context.Context, limit int) ([]string, error)
	MarkStreamDirty(ctx context.Context, streamID string) error
}

// StreamDirectory 直播间信息，开播状态由外部直播管理模块维护
type StreamDirectory interface {
	GetStream(ctx context.Context, streamID string) (*model.Stream, error)
	SaveViewerSnapshot(ctx context.Context, state *model.ViewerCounterState) error
}

// SettlementPublisher 结算请求投递
type SettlementPublisher interface {
	PublishSettlement(ctx context.Context, event *model.SettlementEvent) error
}
