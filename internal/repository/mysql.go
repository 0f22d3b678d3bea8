package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/littlewatch/config"
	"github.com/lvdashuaibi/littlewatch/internal/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schemaSQL string

const rewardColumns = `id, user_id, COALESCE(session_id, ''), type, category, amount, created_at, claimed, claimed_at, settlement_handle, COALESCE(source_id, '')`

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
}

func NewMySQLRepository(cfg config.MySQLConfig, logger logrus.FieldLogger) (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", cfg.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(cfg.MaxOpenConns)
	masterDB.SetMaxIdleConns(cfg.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB := masterDB
	if cfg.Slave != "" {
		slaveDB, err = sql.Open("mysql", cfg.Slave)
		if err != nil {
			return nil, fmt.Errorf("连接从数据库失败: %w", err)
		}

		slaveDB.SetMaxOpenConns(cfg.MaxOpenConns)
		slaveDB.SetMaxIdleConns(cfg.MaxIdleConns)
		slaveDB.SetConnMaxLifetime(time.Hour)

		if err = slaveDB.Ping(); err != nil {
			logger.WithError(err).Warn("从数据库连接测试失败，将使用主数据库代替")
			slaveDB.Close()
			slaveDB = masterDB
		}
	}

	return NewMySQLRepositoryWithDB(masterDB, slaveDB), nil
}

// NewMySQLRepositoryWithDB 使用已有连接创建仓库，slave 为 nil 时读写都走主库
func NewMySQLRepositoryWithDB(master, slave *sql.DB) *MySQLRepository {
	if slave == nil {
		slave = master
	}
	return &MySQLRepository{masterDB: master, slaveDB: slave}
}

// Migrate 执行建表语句
func (r *MySQLRepository) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := r.masterDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行建表语句失败: %w", err)
		}
	}
	return nil
}

// GetStream 获取直播间信息
func (r *MySQLRepository) GetStream(ctx context.Context, streamID string) (*model.Stream, error) {
	query := "SELECT id, title, status, viewer_count, peak_viewers FROM streams WHERE id = ?"

	var stream model.Stream
	err := r.slaveDB.QueryRowContext(ctx, query, streamID).Scan(
		&stream.ID,
		&stream.Title,
		&stream.Status,
		&stream.ViewerCount,
		&stream.PeakViewers,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询直播间失败: %w", err)
	}
	return &stream, nil
}

// SaveViewerSnapshot 将在线人数写回直播间表，峰值只增不减
func (r *MySQLRepository) SaveViewerSnapshot(ctx context.Context, state *model.ViewerCounterState) error {
	query := "UPDATE streams SET viewer_count = ?, peak_viewers = GREATEST(peak_viewers, ?) WHERE id = ?"
	if _, err := r.masterDB.ExecContext(ctx, query, state.ViewerCount, state.PeakViewers, state.StreamID); err != nil {
		return fmt.Errorf("保存直播间 %s 在线人数失败: %w", state.StreamID, err)
	}
	return nil
}

// MintReward 在同一事务中完成上限校验、写入流水与累加日汇总。
// 日汇总行 FOR UPDATE 加锁，同一用户同一天的发放串行执行。
func (r *MySQLRepository) MintReward(ctx context.Context, req model.MintRequest) (*model.MintResult, error) {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开始事务失败: %w", err)
	}
	defer tx.Rollback()

	// 确保日汇总行存在
	_, err = tx.ExecContext(ctx,
		`INSERT INTO daily_aggregates (user_id, date_key, watch_rewards, comment_rewards, total_rewards, updated_at)
		 VALUES (?, ?, 0, 0, 0, ?)
		 ON DUPLICATE KEY UPDATE user_id = user_id`,
		req.UserID, req.DateKey, req.At.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("初始化日汇总失败: %w", err)
	}

	var agg model.DailyAggregate
	err = tx.QueryRowContext(ctx,
		"SELECT watch_rewards, comment_rewards, total_rewards FROM daily_aggregates WHERE user_id = ? AND date_key = ? FOR UPDATE",
		req.UserID, req.DateKey,
	).Scan(&agg.WatchRewards, &agg.CommentRewards, &agg.TotalRewards)
	if err != nil {
		return nil, fmt.Errorf("锁定日汇总失败: %w", err)
	}

	// 幂等校验
	existing, err := r.findExistingReward(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("提交事务失败: %w", err)
		}
		return &model.MintResult{Record: existing, Granted: existing.Amount, Duplicate: true}, nil
	}

	current := agg.WatchRewards
	if req.Category == model.CategoryComment {
		current = agg.CommentRewards
	}
	granted, capReached := ApplyCap(current, req.Amount, req.Cap)

	result := &model.MintResult{Granted: granted, CapReached: capReached}
	if !granted.IsPositive() {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("提交事务失败: %w", err)
		}
		return result, nil
	}

	record := &model.RewardRecord{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Type:      req.Type,
		Category:  req.Category,
		Amount:    granted,
		CreatedAt: req.At.UTC(),
		SourceID:  req.SourceID,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reward_records (id, user_id, session_id, type, category, amount, created_at, claimed, source_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		record.ID, record.UserID, nullString(record.SessionID), record.Type, string(record.Category),
		record.Amount, record.CreatedAt, nullString(record.SourceID),
	)
	if err != nil {
		return nil, fmt.Errorf("写入奖励流水失败: %w", err)
	}

	column := "watch_rewards"
	if req.Category == model.CategoryComment {
		column = "comment_rewards"
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE daily_aggregates SET "+column+" = "+column+" + ?, total_rewards = total_rewards + ?, updated_at = ? WHERE user_id = ? AND date_key = ?",
		granted, granted, req.At.UTC(), req.UserID, req.DateKey,
	)
	if err != nil {
		return nil, fmt.Errorf("累加日汇总失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交事务失败: %w", err)
	}

	result.Record = record
	return result, nil
}

// ApplyCap 按剩余额度截断奖励金额，capAmount 无效值表示不限
func ApplyCap(current, amount decimal.Decimal, capAmount decimal.NullDecimal) (decimal.Decimal, bool) {
	if !capAmount.Valid {
		return amount, false
	}
	headroom := capAmount.Decimal.Sub(current)
	if !headroom.IsPositive() {
		return decimal.Zero, true
	}
	if current.Add(amount).GreaterThan(capAmount.Decimal) {
		return headroom, true
	}
	return amount, false
}

func (r *MySQLRepository) findExistingReward(ctx context.Context, tx *sql.Tx, req model.MintRequest) (*model.RewardRecord, error) {
	var row *sql.Row
	switch {
	case req.SourceID != "":
		row = tx.QueryRowContext(ctx, "SELECT "+rewardColumns+" FROM reward_records WHERE source_id = ? LIMIT 1", req.SourceID)
	case req.SessionID != "":
		row = tx.QueryRowContext(ctx, "SELECT "+rewardColumns+" FROM reward_records WHERE session_id = ? AND type = ? LIMIT 1", req.SessionID, req.Type)
	default:
		return nil, nil
	}

	record, err := scanReward(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询已有奖励失败: %w", err)
	}
	return record, nil
}

// GetDailyAggregate 获取日汇总，不存在时返回零值
func (r *MySQLRepository) GetDailyAggregate(ctx context.Context, userID, dateKey string) (*model.DailyAggregate, error) {
	agg := &model.DailyAggregate{UserID: userID, DateKey: dateKey}
	err := r.slaveDB.QueryRowContext(ctx,
		"SELECT watch_rewards, comment_rewards, total_rewards FROM daily_aggregates WHERE user_id = ? AND date_key = ?",
		userID, dateKey,
	).Scan(&agg.WatchRewards, &agg.CommentRewards, &agg.TotalRewards)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("查询日汇总失败: %w", err)
	}
	return agg, nil
}

// ListUnclaimed 获取用户未领取的奖励
func (r *MySQLRepository) ListUnclaimed(ctx context.Context, userID string) ([]*model.RewardRecord, error) {
	rows, err := r.slaveDB.QueryContext(ctx,
		"SELECT "+rewardColumns+" FROM reward_records WHERE user_id = ? AND claimed = 0 ORDER BY created_at",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("查询未领取奖励失败: %w", err)
	}
	defer rows.Close()

	return scanRewards(rows)
}

// SumByType 统计 [from, to) 内按类型汇总的奖励
func (r *MySQLRepository) SumByType(ctx context.Context, userID string, from, to time.Time) (map[string]decimal.Decimal, error) {
	rows, err := r.slaveDB.QueryContext(ctx,
		"SELECT type, SUM(amount) FROM reward_records WHERE user_id = ? AND created_at >= ? AND created_at < ? GROUP BY type",
		userID, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("统计奖励类型失败: %w", err)
	}
	defer rows.Close()

	sums := make(map[string]decimal.Decimal)
	for rows.Next() {
		var rewardType string
		var sum decimal.Decimal
		if err := rows.Scan(&rewardType, &sum); err != nil {
			return nil, fmt.Errorf("扫描奖励类型失败: %w", err)
		}
		sums[rewardType] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代奖励类型失败: %w", err)
	}
	return sums, nil
}

// ClaimRewards 锁定用户未领取的奖励并逐条标记为已领取。
// ids 为空时选择全部未领取记录；状态转换失败的记录不计入本批次。
func (r *MySQLRepository) ClaimRewards(ctx context.Context, userID string, ids []string, handle string, at time.Time) ([]*model.RewardRecord, error) {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开始事务失败: %w", err)
	}
	defer tx.Rollback()

	query := "SELECT " + rewardColumns + " FROM reward_records WHERE user_id = ? AND claimed = 0"
	args := []interface{}{userID}
	if len(ids) > 0 {
		query += " AND id IN (?" + strings.Repeat(", ?", len(ids)-1) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += " ORDER BY created_at FOR UPDATE"

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询待领取奖励失败: %w", err)
	}
	candidates, err := scanRewards(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	stmt, err := tx.PrepareContext(ctx,
		"UPDATE reward_records SET claimed = 1, claimed_at = ?, settlement_handle = ? WHERE id = ? AND claimed = 0")
	if err != nil {
		return nil, fmt.Errorf("准备领取语句失败: %w", err)
	}
	defer stmt.Close()

	claimedAt := at.UTC()
	claimed := make([]*model.RewardRecord, 0, len(candidates))
	for _, record := range candidates {
		result, err := stmt.ExecContext(ctx, claimedAt, handle, record.ID)
		if err != nil {
			return nil, fmt.Errorf("标记奖励 %s 失败: %w", record.ID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("获取更新结果失败: %w", err)
		}
		if affected == 0 {
			continue
		}

		h := handle
		record.Claimed = true
		record.ClaimedAt = &claimedAt
		record.SettlementHandle = &h
		claimed = append(claimed, record)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交事务失败: %w", err)
	}
	return claimed, nil
}

// UpdateSettlementHandle 结算确认后用交易哈希替换临时句柄
func (r *MySQLRepository) UpdateSettlementHandle(ctx context.Context, pending, final string) (int64, error) {
	result, err := r.masterDB.ExecContext(ctx,
		"UPDATE reward_records SET settlement_handle = ? WHERE settlement_handle = ?",
		final, pending,
	)
	if err != nil {
		return 0, fmt.Errorf("更新结算句柄失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("获取更新结果失败: %w", err)
	}
	return affected, nil
}

func (r *MySQLRepository) Ping(ctx context.Context) error {
	return r.masterDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReward(row rowScanner) (*model.RewardRecord, error) {
	var (
		record    model.RewardRecord
		category  string
		claimedAt sql.NullTime
		handle    sql.NullString
	)
	err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.SessionID,
		&record.Type,
		&category,
		&record.Amount,
		&record.CreatedAt,
		&record.Claimed,
		&claimedAt,
		&handle,
		&record.SourceID,
	)
	if err != nil {
		return nil, err
	}

	record.Category = model.RewardCategory(category)
	if claimedAt.Valid {
		t := claimedAt.Time
		record.ClaimedAt = &t
	}
	if handle.Valid {
		h := handle.String
		record.SettlementHandle = &h
	}
	return &record, nil
}

func scanRewards(rows *sql.Rows) ([]*model.RewardRecord, error) {
	var records []*model.RewardRecord
	for rows.Next() {
		record, err := scanReward(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描奖励流水失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代奖励流水失败: %w", err)
	}
	return records, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
