package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld 句柄对应的锁已释放或已过期
var ErrNotHeld = errors.New("锁未持有")

// Handle 一次成功加锁的凭证，续期和释放只作用于这一次持有
type Handle struct {
	Name  string
	Token string
}

// Lock 分布式锁接口
type Lock interface {
	// AcquireLock 获取分布式锁
	// 未抢到锁时返回 nil 句柄和 nil 错误
	AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (*Handle, error)

	// RefreshLock 刷新锁的过期时间
	// 返回值：bool表示是否仍持有锁，error表示刷新过程中的错误
	RefreshLock(ctx context.Context, h *Handle, ttl time.Duration) (bool, error)

	// ReleaseLock 释放分布式锁，锁已被他人重新获取时不会误删
	ReleaseLock(ctx context.Context, h *Handle) error

	// ReleaseAllLocks 释放所有持有的锁
	ReleaseAllLocks()

	// Close 关闭分布式锁客户端
	// 返回值：error表示关闭过程中的错误
	Close() error
}
