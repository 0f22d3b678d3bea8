package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/littlewatch/config"
	"github.com/lvdashuaibi/littlewatch/internal/clock"
	"github.com/lvdashuaibi/littlewatch/internal/lock"
	"github.com/lvdashuaibi/littlewatch/internal/logging"
	"github.com/lvdashuaibi/littlewatch/internal/metrics"
	"github.com/lvdashuaibi/littlewatch/internal/model"
	"github.com/lvdashuaibi/littlewatch/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// memLedger 内存账本，语义与 MySQL 事务一致：整体串行执行
type memLedger struct {
	mu         sync.Mutex
	records    []*model.RewardRecord
	aggregates map[string]*model.DailyAggregate
	mintErr    error
}

func newMemLedger() *memLedger {
	return &memLedger{aggregates: make(map[string]*model.DailyAggregate)}
}

func (l *memLedger) aggregate(userID, dateKey string) *model.DailyAggregate {
	key := userID + "|" + dateKey
	agg, ok := l.aggregates[key]
	if !ok {
		agg = &model.DailyAggregate{UserID: userID, DateKey: dateKey}
		l.aggregates[key] = agg
	}
	return agg
}

// seedWatch 预置当日观看奖励总额
func (l *memLedger) seedWatch(userID, dateKey string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	agg := l.aggregate(userID, dateKey)
	agg.WatchRewards = agg.WatchRewards.Add(amount)
	agg.TotalRewards = agg.TotalRewards.Add(amount)
}

func (l *memLedger) MintReward(_ context.Context, req model.MintRequest) (*model.MintResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mintErr != nil {
		return nil, l.mintErr
	}

	for _, r := range l.records {
		if (req.SessionID != "" && r.SessionID == req.SessionID && r.Type == req.Type) ||
			(req.SourceID != "" && r.SourceID == req.SourceID) {
			return &model.MintResult{Record: r, Granted: r.Amount, Duplicate: true}, nil
		}
	}

	agg := l.aggregate(req.UserID, req.DateKey)
	current := agg.WatchRewards
	if req.Category == model.CategoryComment {
		current = agg.CommentRewards
	}
	granted, capReached := repository.ApplyCap(current, req.Amount, req.Cap)
	result := &model.MintResult{Granted: granted, CapReached: capReached}
	if !granted.IsPositive() {
		return result, nil
	}

	record := &model.RewardRecord{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Type:      req.Type,
		Category:  req.Category,
		Amount:    granted,
		CreatedAt: req.At,
		SourceID:  req.SourceID,
	}
	l.records = append(l.records, record)
	if req.Category == model.CategoryComment {
		agg.CommentRewards = agg.CommentRewards.Add(granted)
	} else {
		agg.WatchRewards = agg.WatchRewards.Add(granted)
	}
	agg.TotalRewards = agg.TotalRewards.Add(granted)
	result.Record = record
	return result, nil
}

func (l *memLedger) GetDailyAggregate(_ context.Context, userID, dateKey string) (*model.DailyAggregate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	agg := *l.aggregate(userID, dateKey)
	return &agg, nil
}

func (l *memLedger) ListUnclaimed(_ context.Context, userID string) ([]*model.RewardRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*model.RewardRecord
	for _, r := range l.records {
		if r.UserID == userID && !r.Claimed {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *memLedger) SumByType(_ context.Context, userID string, from, to time.Time) (map[string]decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]decimal.Decimal)
	for _, r := range l.records {
		if r.UserID == userID && !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			out[r.Type] = out[r.Type].Add(r.Amount)
		}
	}
	return out, nil
}

func (l *memLedger) ClaimRewards(_ context.Context, userID string, ids []string, handle string, at time.Time) ([]*model.RewardRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var claimed []*model.RewardRecord
	for _, r := range l.records {
		if r.UserID != userID || r.Claimed || (len(ids) > 0 && !wanted[r.ID]) {
			continue
		}
		h := handle
		claimedAt := at
		r.Claimed = true
		r.ClaimedAt = &claimedAt
		r.SettlementHandle = &h
		cp := *r
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (l *memLedger) UpdateSettlementHandle(_ context.Context, pending, final string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, r := range l.records {
		if r.SettlementHandle != nil && *r.SettlementHandle == pending {
			h := final
			r.SettlementHandle = &h
			n++
		}
	}
	return n, nil
}

func (l *memLedger) all() []*model.RewardRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*model.RewardRecord, 0, len(l.records))
	for _, r := range l.records {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// flakySessions 前 failures 次写入返回版本冲突
type flakySessions struct {
	SessionStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakySessions) CompareAndSwapSession(ctx context.Context, s *model.WatchSession, expected int64) error {
	f.mu.Lock()
	f.attempts++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		f.mu.Unlock()
		return repository.ErrConflict
	}
	f.mu.Unlock()
	return f.SessionStore.CompareAndSwapSession(ctx, s, expected)
}

func (f *flakySessions) failNext(n int) {
	f.mu.Lock()
	f.failures = n
	f.attempts = 0
	f.mu.Unlock()
}

type memStreams struct {
	mu        sync.Mutex
	streams   map[string]*model.Stream
	snapshots map[string]model.ViewerCounterState
	saveErr   error
}

func newMemStreams(streams ...*model.Stream) *memStreams {
	m := &memStreams{streams: make(map[string]*model.Stream), snapshots: make(map[string]model.ViewerCounterState)}
	for _, s := range streams {
		m.streams[s.ID] = s
	}
	return m
}

func (m *memStreams) GetStream(_ context.Context, streamID string) (*model.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStreams) SaveViewerSnapshot(_ context.Context, state *model.ViewerCounterState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.snapshots[state.StreamID] = *state
	return nil
}

type memPublisher struct {
	mu     sync.Mutex
	events []*model.SettlementEvent
	err    error
}

func (p *memPublisher) PublishSettlement(_ context.Context, event *model.SettlementEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

var errBoom = errors.New("boom")

var testStart = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	earn      *EarnService
	viewers   *ViewerService
	ledger    *memLedger
	streams   *memStreams
	sessions  *flakySessions
	redis     *repository.RedisRepository
	publisher *memPublisher
	clock     *clock.Fake
	mr        *miniredis.Miniredis
}

func testRules() *config.EarnRules {
	return &config.EarnRules{
		DailyWatchCap:     decimal.NewFromInt(50),
		HeartbeatInterval: 30 * time.Second,
		Thresholds: []config.Threshold{
			{Type: model.RewardTypeWatch5Min, Seconds: 300, Amount: decimal.NewFromInt(2)},
			{Type: model.RewardTypeWatch30Min, Seconds: 1800, Amount: decimal.NewFromInt(5)},
		},
		Location:         time.UTC,
		AttentionGrace:   2 * time.Minute,
		SessionRetention: time.Hour,
		MaxRetries:       3,
		LockTTL:          5 * time.Second,
	}
}

func newFixture(t *testing.T, tweak ...func(*config.EarnRules)) *fixture {
	t.Helper()

	rules := testRules()
	for _, fn := range tweak {
		fn(rules)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	redisRepo, err := repository.NewRedisRepositoryWithClient(context.Background(), client, rules.SessionRetention)
	require.NoError(t, err)

	logger := logging.NewDiscard()
	locker := lock.NewRedLockWithClients([]*redis.Client{client}, 200, 2*time.Millisecond, logger)

	f := &fixture{
		ledger:    newMemLedger(),
		streams:   newMemStreams(&model.Stream{ID: "live-1", Status: model.StreamStatusLive}, &model.Stream{ID: "live-2", Status: model.StreamStatusLive}, &model.Stream{ID: "offline", Status: "ended"}),
		sessions:  &flakySessions{SessionStore: redisRepo},
		redis:     redisRepo,
		publisher: &memPublisher{},
		clock:     clock.NewFake(testStart),
		mr:        mr,
	}
	m := metrics.New(nil)
	f.earn = NewEarnService(f.sessions, f.ledger, locker, f.publisher, rules, f.clock, m, logger)
	f.viewers = NewViewerService(redisRepo, f.streams, f.earn, m, logger)
	return f
}

// tick 推进一个心跳间隔后发送心跳
func (f *fixture) tick(t *testing.T, userID, streamID string) *model.HeartbeatResult {
	t.Helper()
	f.clock.Advance(30 * time.Second)
	res, err := f.earn.Heartbeat(context.Background(), userID, streamID)
	require.NoError(t, err)
	return res
}
