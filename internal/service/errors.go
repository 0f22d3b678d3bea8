package service

import "errors"

var (
	ErrInvalidRequest     = errors.New("请求参数无效")
	ErrSessionNotFound    = errors.New("没有待校验的观看会话")
	ErrStreamNotFound     = errors.New("直播间不存在")
	ErrStreamNotLive      = errors.New("直播间未开播")
	ErrNoUnclaimedRewards = errors.New("没有可领取的奖励")
	// ErrUnavailable 并发冲突重试耗尽或无法获取用户锁
	ErrUnavailable = errors.New("服务繁忙，请稍后重试")
)
