package lock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/littlewatch/config"
	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	etcdKeyPrefix   = "/littlewatch/leader/"
	defaultLeaseTTL = 10 * time.Second
)

// leaseKV 主节点选举用到的 etcd 操作
type leaseKV interface {
	Grant(ctx context.Context, ttlSeconds int64) (clientv3.LeaseID, error)
	// PutIfAbsent 键不存在时绑定租约写入，否则返回当前持有者
	PutIfAbsent(ctx context.Context, key, value string, lease clientv3.LeaseID) (bool, string, error)
	KeepAliveOnce(ctx context.Context, lease clientv3.LeaseID) error
	// DeleteIfValue 只删除值仍为 value 的键
	DeleteIfValue(ctx context.Context, key, value string) error
	Revoke(ctx context.Context, lease clientv3.LeaseID) error
	Close() error
}

// EtcdLock 基于租约的主节点锁，用于清理任务选主
//
// 键值为本次持有的token，租约到期后键随之删除，其它实例可接管。
// 不做后台自动续约，持有者需在租约到期前调用 RefreshLock。
type EtcdLock struct {
	kv       leaseKV
	minTTL   time.Duration
	logger   logrus.FieldLogger
	mu       sync.Mutex
	held     map[string]*etcdHold // key是token
	instance string
}

type etcdHold struct {
	handle  *Handle
	key     string
	leaseID clientv3.LeaseID
}

// NewETCDLock 连接 etcd，SessionTTL 作为租约的最短时长
func NewETCDLock(cfg config.ETCDConfig, logger logrus.FieldLogger) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}
	return newEtcdLock(&etcdKV{client: cli}, cfg.SessionTTL, logger), nil
}

func newEtcdLock(kv leaseKV, minTTL time.Duration, logger logrus.FieldLogger) *EtcdLock {
	return &EtcdLock{
		kv:       kv,
		minTTL:   minTTL,
		logger:   logger,
		held:     make(map[string]*etcdHold),
		instance: uuid.NewString(),
	}
}

// leaseSeconds 租约按秒向上取整，不短于 minTTL
func (el *EtcdLock) leaseSeconds(ttl time.Duration) int64 {
	if ttl < el.minTTL {
		ttl = el.minTTL
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return int64(math.Ceil(ttl.Seconds()))
}

func (el *EtcdLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (*Handle, error) {
	key := etcdKeyPrefix + lockName
	token := el.instance + "/" + uuid.NewString()

	leaseID, err := el.kv.Grant(ctx, el.leaseSeconds(ttl))
	if err != nil {
		return nil, fmt.Errorf("创建租约失败: %w", err)
	}

	acquired, holder, err := el.kv.PutIfAbsent(ctx, key, token, leaseID)
	if err != nil || !acquired {
		if rerr := el.kv.Revoke(context.Background(), leaseID); rerr != nil {
			el.logger.WithError(rerr).WithField("lock", lockName).Debug("撤销租约失败")
		}
		if err != nil {
			return nil, fmt.Errorf("写入主节点键失败: %w", err)
		}
		el.logger.WithFields(logrus.Fields{"lock": lockName, "holder": holder}).Debug("主节点已被其它实例持有")
		return nil, nil
	}

	h := &Handle{Name: lockName, Token: token}
	el.mu.Lock()
	el.held[token] = &etcdHold{handle: h, key: key, leaseID: leaseID}
	el.mu.Unlock()
	return h, nil
}

// RefreshLock 续约一次，租约时长以获取时为准
func (el *EtcdLock) RefreshLock(ctx context.Context, h *Handle, ttl time.Duration) (bool, error) {
	hold := el.lookup(h)
	if hold == nil {
		return false, ErrNotHeld
	}

	if err := el.kv.KeepAliveOnce(ctx, hold.leaseID); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			el.forget(h)
			return false, nil
		}
		return false, fmt.Errorf("续约失败: %w", err)
	}
	return true, nil
}

func (el *EtcdLock) ReleaseLock(ctx context.Context, h *Handle) error {
	hold := el.lookup(h)
	if hold == nil {
		return ErrNotHeld
	}
	el.forget(h)
	return el.release(ctx, hold)
}

func (el *EtcdLock) ReleaseAllLocks() {
	el.mu.Lock()
	held := el.held
	el.held = make(map[string]*etcdHold)
	el.mu.Unlock()

	for _, hold := range held {
		if err := el.release(context.Background(), hold); err != nil {
			el.logger.WithError(err).WithField("lock", hold.handle.Name).Warn("释放主节点锁失败")
		}
	}
}

func (el *EtcdLock) Close() error {
	el.ReleaseAllLocks()
	return el.kv.Close()
}

func (el *EtcdLock) lookup(h *Handle) *etcdHold {
	if h == nil {
		return nil
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.held[h.Token]
}

func (el *EtcdLock) forget(h *Handle) {
	el.mu.Lock()
	delete(el.held, h.Token)
	el.mu.Unlock()
}

// release 先按token删除键再撤销租约，租约已过期时忽略
func (el *EtcdLock) release(ctx context.Context, hold *etcdHold) error {
	if err := el.kv.DeleteIfValue(ctx, hold.key, hold.handle.Token); err != nil {
		return fmt.Errorf("删除键失败: %w", err)
	}
	if err := el.kv.Revoke(ctx, hold.leaseID); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return fmt.Errorf("释放租约失败: %w", err)
	}
	return nil
}

// etcdKV leaseKV 的 clientv3 实现
type etcdKV struct {
	client *clientv3.Client
}

func (e *etcdKV) Grant(ctx context.Context, ttlSeconds int64) (clientv3.LeaseID, error) {
	resp, err := e.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (e *etcdKV) PutIfAbsent(ctx context.Context, key, value string, lease clientv3.LeaseID) (bool, string, error) {
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value, clientv3.WithLease(lease))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return false, "", err
	}
	if resp.Succeeded {
		return true, value, nil
	}
	holder := ""
	if len(resp.Responses) > 0 {
		if kvs := resp.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 {
			holder = string(kvs[0].Value)
		}
	}
	return false, holder, nil
}

func (e *etcdKV) KeepAliveOnce(ctx context.Context, lease clientv3.LeaseID) error {
	_, err := e.client.KeepAliveOnce(ctx, lease)
	return err
}

func (e *etcdKV) DeleteIfValue(ctx context.Context, key, value string) error {
	_, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", value)).
		Then(clientv3.OpDelete(key)).
		Commit()
	return err
}

func (e *etcdKV) Revoke(ctx context.Context, lease clientv3.LeaseID) error {
	_, err := e.client.Revoke(ctx, lease)
	return err
}

func (e *etcdKV) Close() error {
	return e.client.Close()
}
