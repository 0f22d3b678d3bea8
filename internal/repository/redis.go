package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/littlewatch/config"
	"github.com/lvdashuaibi/littlewatch/internal/model"
)

const (
	// Redis键前缀
	SessionKey          = "watch:session:"
	SessionHeartbeatKey = "watch:sessions:heartbeat"
	SessionChallengeKey = "watch:sessions:challenge"
	ViewerKey           = "stream:viewers:"
	ViewerDirtyKey      = "stream:viewers:dirty"

	sessionStateActive  = "active"
	sessionStatePending = "pending"
	sessionStateClosed  = "closed"

	// Lua脚本：按版本号比较并写入会话，同时维护超时索引
	SaveSessionScript = `
		local cur = redis.call('HGET', KEYS[1], 'version')
		if not cur then
			cur = '0'
		end
		if cur ~= ARGV[1] then
			return 0
		end

		redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
		redis.call('EXPIRE', KEYS[1], tonumber(ARGV[7]))

		if ARGV[5] == 'active' then
			redis.call('ZADD', KEYS[2], ARGV[6], ARGV[4])
			redis.call('ZREM', KEYS[3], ARGV[4])
		elseif ARGV[5] == 'pending' then
			redis.call('ZREM', KEYS[2], ARGV[4])
			redis.call('ZADD', KEYS[3], ARGV[6], ARGV[4])
		else
			redis.call('ZREM', KEYS[2], ARGV[4])
			redis.call('ZREM', KEYS[3], ARGV[4])
		end
		return 1
	`

	// Lua脚本：在线人数+1并更新峰值
	JoinViewerScript = `
		local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
		local peak = tonumber(redis.call('HGET', KEYS[1], 'peak') or '0')
		if count > peak then
			peak = count
			redis.call('HSET', KEYS[1], 'peak', peak)
		end
		redis.call('SADD', KEYS[2], ARGV[1])
		return {count, peak}
	`

	// Lua脚本：在线人数-1，最低为0
	LeaveViewerScript = `
		local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
		if count > 0 then
			count = redis.call('HINCRBY', KEYS[1], 'count', -1)
		end
		local peak = tonumber(redis.call('HGET', KEYS[1], 'peak') or '0')
		redis.call('SADD', KEYS[2], ARGV[1])
		return {count, peak}
	`
)

var (
	// ErrConflict 乐观锁版本冲突
	ErrConflict = errors.New("并发更新冲突")
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("记录不存在")
)

var scripts = map[string]string{
	"saveSession": SaveSessionScript,
	"joinViewer":  JoinViewerScript,
	"leaveViewer": LeaveViewerScript,
}

type RedisRepository struct {
	client    *redis.Client
	retention time.Duration

	mu           sync.RWMutex
	scriptHashes map[string]string // 存储脚本SHA1哈希值
}

func NewRedisRepository(cfg config.RedisConfig, retention time.Duration) (*RedisRepository, error) {
	// 创建Redis客户端（普通客户端，用于数据存储）
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	repo, err := NewRedisRepositoryWithClient(context.Background(), client, retention)
	if err != nil {
		client.Close()
		return nil, err
	}
	return repo, nil
}

// NewRedisRepositoryWithClient 使用已有客户端创建仓库
func NewRedisRepositoryWithClient(ctx context.Context, client *redis.Client, retention time.Duration) (*RedisRepository, error) {
	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	if retention <= 0 {
		retention = 24 * time.Hour
	}

	repo := &RedisRepository{
		client:       client,
		retention:    retention,
		scriptHashes: make(map[string]string),
	}

	// 预加载Lua脚本
	if err := repo.preloadScripts(ctx); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return repo, nil
}

// Client 暴露底层客户端，供Redlock复用数据节点
func (r *RedisRepository) Client() *redis.Client {
	return r.client
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, body := range scripts {
		sha1, err := r.client.ScriptLoad(ctx, body).Result()
		if err != nil {
			return fmt.Errorf("加载脚本 %s 失败: %w", name, err)
		}
		r.scriptHashes[name] = sha1
	}
	return nil
}

// evalScript 使用EVALSHA执行脚本，脚本缓存被清空时重新加载
func (r *RedisRepository) evalScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	r.mu.RLock()
	sha1, ok := r.scriptHashes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("脚本 %s 未预加载", name)
	}

	result, err := r.client.EvalSha(ctx, sha1, keys, args...).Result()
	if err == nil {
		return result, nil
	}
	if !strings.HasPrefix(err.Error(), "NOSCRIPT") {
		return nil, fmt.Errorf("执行脚本 %s 失败: %w", name, err)
	}

	// 重新加载脚本
	sha1, err = r.client.ScriptLoad(ctx, scripts[name]).Result()
	if err != nil {
		return nil, fmt.Errorf("重新加载脚本 %s 失败: %w", name, err)
	}
	r.mu.Lock()
	r.scriptHashes[name] = sha1
	r.mu.Unlock()

	// 再次尝试执行
	result, err = r.client.EvalSha(ctx, sha1, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("执行脚本 %s 失败: %w", name, err)
	}
	return result, nil
}

// GetSession 获取用户当前会话（可能已结束）
func (r *RedisRepository) GetSession(ctx context.Context, userID string) (*model.WatchSession, error) {
	data, err := r.client.HGetAll(ctx, SessionKey+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("获取会话失败: %w", err)
	}
	if len(data) == 0 || data["data"] == "" {
		return nil, ErrNotFound
	}

	var session model.WatchSession
	if err := json.Unmarshal([]byte(data["data"]), &session); err != nil {
		return nil, fmt.Errorf("解析会话数据失败: %w", err)
	}

	version, err := strconv.ParseInt(data["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("解析会话版本失败: %w", err)
	}
	session.Version = version

	return &session, nil
}

// CompareAndSwapSession 仅当存储中的版本等于 expectedVersion 时写入，0 表示新建
func (r *RedisRepository) CompareAndSwapSession(ctx context.Context, session *model.WatchSession, expectedVersion int64) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}

	state := sessionStateClosed
	var score int64
	switch {
	case session.IsActive && session.AttentionCheckPending && session.ChallengeIssuedAt != nil:
		state = sessionStatePending
		score = session.ChallengeIssuedAt.UnixMilli()
	case session.IsActive:
		state = sessionStateActive
		score = session.LastHeartbeatAt.UnixMilli()
	}

	newVersion := expectedVersion + 1
	result, err := r.evalScript(ctx, "saveSession",
		[]string{SessionKey + session.UserID, SessionHeartbeatKey, SessionChallengeKey},
		strconv.FormatInt(expectedVersion, 10),
		strconv.FormatInt(newVersion, 10),
		string(data),
		session.UserID,
		state,
		score,
		int64(r.retention/time.Second),
	)
	if err != nil {
		return err
	}

	swapped, ok := result.(int64)
	if !ok {
		return fmt.Errorf("LUA脚本返回类型错误")
	}
	if swapped != 1 {
		return ErrConflict
	}

	session.Version = newVersion
	return nil
}

// ListStaleSessions 返回最后心跳早于 before 的活跃会话用户
func (r *RedisRepository) ListStaleSessions(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return r.rangeBefore(ctx, SessionHeartbeatKey, before, limit)
}

// ListExpiredChallenges 返回挑战发出时间早于 before 的会话用户
func (r *RedisRepository) ListExpiredChallenges(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return r.rangeBefore(ctx, SessionChallengeKey, before, limit)
}

// DropSessionIndex 会话哈希已过期时，从心跳与挑战索引中移除该用户
func (r *RedisRepository) DropSessionIndex(ctx context.Context, userID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, SessionHeartbeatKey, userID)
	pipe.ZRem(ctx, SessionChallengeKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("移除会话索引失败: %w", err)
	}
	return nil
}

func (r *RedisRepository) rangeBefore(ctx context.Context, key string, before time.Time, limit int) ([]string, error) {
	users, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("查询超时会话失败: %w", err)
	}
	return users, nil
}

// IncrementViewers 原子增加在线人数
func (r *RedisRepository) IncrementViewers(ctx context.Context, streamID string) (*model.ViewerCounterState, error) {
	result, err := r.evalScript(ctx, "joinViewer", []string{ViewerKey + streamID, ViewerDirtyKey}, streamID)
	if err != nil {
		return nil, err
	}
	return parseViewerResult(streamID, result)
}

// DecrementViewers 原子减少在线人数，不会小于0
func (r *RedisRepository) DecrementViewers(ctx context.Context, streamID string) (*model.ViewerCounterState, error) {
	result, err := r.evalScript(ctx, "leaveViewer", []string{ViewerKey + streamID, ViewerDirtyKey}, streamID)
	if err != nil {
		return nil, err
	}
	return parseViewerResult(streamID, result)
}

// GetViewers 读取在线人数
func (r *RedisRepository) GetViewers(ctx context.Context, streamID string) (*model.ViewerCounterState, error) {
	values, err := r.client.HMGet(ctx, ViewerKey+streamID, "count", "peak").Result()
	if err != nil {
		return nil, fmt.Errorf("获取在线人数失败: %w", err)
	}

	state := &model.ViewerCounterState{StreamID: streamID}
	if s, ok := values[0].(string); ok {
		if state.ViewerCount, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, fmt.Errorf("解析在线人数失败: %w", err)
		}
	}
	if s, ok := values[1].(string); ok {
		if state.PeakViewers, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, fmt.Errorf("解析峰值人数失败: %w", err)
		}
	}
	return state, nil
}

// PopDirtyStreams 取出待落库的直播间
func (r *RedisRepository) PopDirtyStreams(ctx context.Context, limit int) ([]string, error) {
	ids, err := r.client.SPopN(ctx, ViewerDirtyKey, int64(limit)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("获取待落库直播间失败: %w", err)
	}
	return ids, nil
}

// MarkStreamDirty 落库失败时放回集合
func (r *RedisRepository) MarkStreamDirty(ctx context.Context, streamID string) error {
	if err := r.client.SAdd(ctx, ViewerDirtyKey, streamID).Err(); err != nil {
		return fmt.Errorf("标记直播间失败: %w", err)
	}
	return nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func parseViewerResult(streamID string, result interface{}) (*model.ViewerCounterState, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) < 2 {
		return nil, fmt.Errorf("LUA脚本返回格式错误")
	}
	count, ok := values[0].(int64)
	if !ok {
		return nil, fmt.Errorf("LUA脚本返回人数类型错误")
	}
	peak, ok := values[1].(int64)
	if !ok {
		return nil, fmt.Errorf("LUA脚本返回峰值类型错误")
	}
	return &model.ViewerCounterState{StreamID: streamID, ViewerCount: count, PeakViewers: peak}, nil
}
