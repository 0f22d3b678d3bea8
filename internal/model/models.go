package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 奖励类型，其它来源的类型原样透传
const (
	RewardTypeWatch5Min  = "watch_5min"
	RewardTypeWatch30Min = "watch_30min"
	RewardTypeComment    = "comment"
)

// RewardCategory 日上限统计分类
type RewardCategory string

const (
	CategoryWatch   RewardCategory = "watch"
	CategoryComment RewardCategory = "comment"
)

// 会话结束原因
const (
	EndReasonLeave            = "leave"
	EndReasonSwitched         = "switched"
	EndReasonAttentionFailed  = "attention_failed"
	EndReasonAttentionTimeout = "attention_timeout"
	EndReasonHeartbeatTimeout = "heartbeat_timeout"
)

const StreamStatusLive = "live"

// WatchSession 观看会话，每个用户最多一个活跃会话
type WatchSession struct {
	SessionID             string     `json:"sessionId"`
	UserID                string     `json:"userId"`
	StreamID              string     `json:"streamId"`
	StartedAt             time.Time  `json:"startedAt"`
	LastHeartbeatAt       time.Time  `json:"lastHeartbeatAt"`
	TotalSeconds          int64      `json:"totalSeconds"`
	IsActive              bool       `json:"isActive"`
	AttentionCheckPending bool       `json:"attentionCheckPending"`
	ChallengeIssuedAt     *time.Time `json:"challengeIssuedAt,omitempty"`
	HeartbeatCount        int        `json:"heartbeatCount"`
	NextAttentionAt       int        `json:"nextAttentionAt"`
	PaidThresholds        []string   `json:"paidThresholds"`
	EndedAt               *time.Time `json:"endedAt,omitempty"`
	EndReason             string     `json:"endReason,omitempty"`

	// Version CAS 版本号，由存储层维护
	Version int64 `json:"-"`
}

// ThresholdPaid 判断档位是否已经处理过（含因上限未发放的情况）
func (s *WatchSession) ThresholdPaid(rewardType string) bool {
	for _, t := range s.PaidThresholds {
		if t == rewardType {
			return true
		}
	}
	return false
}

// Close 标记会话结束
func (s *WatchSession) Close(reason string, at time.Time) {
	s.IsActive = false
	s.AttentionCheckPending = false
	s.ChallengeIssuedAt = nil
	s.EndedAt = &at
	s.EndReason = reason
}

// RewardRecord 奖励流水，只追加不删除
type RewardRecord struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	SessionID        string          `json:"sessionId,omitempty"`
	Type             string          `json:"type"`
	Category         RewardCategory  `json:"category"`
	Amount           decimal.Decimal `json:"amount"`
	CreatedAt        time.Time       `json:"createdAt"`
	Claimed          bool            `json:"claimed"`
	ClaimedAt        *time.Time      `json:"claimedAt,omitempty"`
	SettlementHandle *string         `json:"settlementHandle,omitempty"`
	SourceID         string          `json:"sourceId,omitempty"`
}

// DailyAggregate 用户每日奖励汇总
type DailyAggregate struct {
	UserID         string          `json:"userId"`
	DateKey        string          `json:"dateKey"`
	WatchRewards   decimal.Decimal `json:"watchRewards"`
	CommentRewards decimal.Decimal `json:"commentRewards"`
	TotalRewards   decimal.Decimal `json:"totalRewards"`
}

// ViewerCounterState 直播间在线人数
type ViewerCounterState struct {
	StreamID    string `json:"streamId"`
	ViewerCount int64  `json:"viewerCount"`
	PeakViewers int64  `json:"peakViewers"`
}

// Stream 外部直播管理模块的只读视图
type Stream struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	ViewerCount int64  `json:"viewerCount"`
	PeakViewers int64  `json:"peakViewers"`
}

// MintRequest 发放奖励请求
type MintRequest struct {
	UserID    string
	SessionID string // 观看奖励按 (SessionID, Type) 幂等
	SourceID  string // 外部奖励按 SourceID 幂等
	Type      string
	Category  RewardCategory
	Amount    decimal.Decimal
	Cap       decimal.NullDecimal // Valid 为 false 表示不限
	DateKey   string
	At        time.Time
}

// MintResult 发放结果
type MintResult struct {
	Record     *RewardRecord
	Granted    decimal.Decimal
	CapReached bool
	Duplicate  bool
}

// IssuedReward 心跳返回的奖励
type IssuedReward struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Amount decimal.Decimal `json:"amount"`
}

// HeartbeatResult 心跳处理结果
type HeartbeatResult struct {
	Continue          bool           `json:"continue"`
	AttentionCheck    bool           `json:"attentionCheck"`
	RewardsIssued     []IssuedReward `json:"rewards"`
	TotalWatchSeconds int64          `json:"totalWatchTime"`
	DailyCapReached   bool           `json:"dailyCapReached"`
}

// AttentionResult 注意力校验结果
type AttentionResult struct {
	Continue bool `json:"continue"`
}

// ClaimResult 领取结果
type ClaimResult struct {
	ClaimedAmount    decimal.Decimal `json:"claimedAmount"`
	ClaimedCount     int             `json:"claimedCount"`
	SettlementHandle string          `json:"settlementHandle"`
	RewardIDs        []string        `json:"rewardIds"`
}

// TodayStatus 当日奖励
type TodayStatus struct {
	WatchRewards   decimal.Decimal            `json:"watchRewards"`
	CommentRewards decimal.Decimal            `json:"commentRewards"`
	TotalRewards   decimal.Decimal            `json:"totalRewards"`
	DailyLimit     decimal.Decimal            `json:"dailyLimit"`
	Remaining      decimal.Decimal            `json:"remaining"`
	RewardsByType  map[string]decimal.Decimal `json:"rewardsByType"`
}

// UnclaimedStatus 未领取奖励
type UnclaimedStatus struct {
	Count       int             `json:"count"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Rewards     []*RewardRecord `json:"rewards"`
}

// Status 用户奖励状态
type Status struct {
	Today          TodayStatus     `json:"today"`
	Unclaimed      UnclaimedStatus `json:"unclaimed"`
	ActiveSession  *WatchSession   `json:"activeSession"`
	ResetInSeconds int64           `json:"resetInSeconds"`
}

// SettlementEvent Kafka结算请求事件
type SettlementEvent struct {
	SettlementHandle string          `json:"settlementHandle"`
	UserID           string          `json:"userId"`
	Amount           decimal.Decimal `json:"amount"`
	RewardIDs        []string        `json:"rewardIds"`
	RequestedAt      time.Time       `json:"requestedAt"`
}

// SettlementConfirmation 结算方回传的确认事件
type SettlementConfirmation struct {
	SettlementHandle string    `json:"settlementHandle"`
	TxHash           string    `json:"txHash"`
	ConfirmedAt      time.Time `json:"confirmedAt"`
}

// RewardCreditEvent 外部模块（评论、礼物）发放奖励事件
type RewardCreditEvent struct {
	SourceID string          `json:"sourceId"`
	UserID   string          `json:"userId"`
	Type     string          `json:"type"`
	Amount   decimal.Decimal `json:"amount"`
	At       time.Time       `json:"at"`
}
