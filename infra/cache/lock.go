package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// runningKeyPrefix 运行锁键前缀，完整键形如 diagnosis:running:<record_id>。
const runningKeyPrefix = "diagnosis:running:"

// RunLock 基于 SetNX 的记录级运行锁。
// 多实例部署时保证同一诊断记录同一时刻只有一个迭代在执行，
// TTL 兜底进程崩溃后锁不被永久持有。
type RunLock struct {
	cache Cache
}

// NewRunLock 创建运行锁。
func NewRunLock(c Cache) *RunLock {
	return &RunLock{cache: c}
}

func runningKey(recordID uint64) string {
	return fmt.Sprintf("%s%d", runningKeyPrefix, recordID)
}

// TryLock 尝试获取指定记录的运行锁，已被占用时返回 false。
func (l *RunLock) TryLock(ctx context.Context, recordID uint64, ttl time.Duration) (bool, error) {
	ok, err := l.cache.SetNX(ctx, runningKey(recordID), "1", ttl)
	if err != nil {
		return false, errors.Wrap(err, "获取运行锁失败")
	}
	return ok, nil
}

// Unlock 释放指定记录的运行锁。
func (l *RunLock) Unlock(ctx context.Context, recordID uint64) error {
	if err := l.cache.Del(ctx, runningKey(recordID)); err != nil {
		return errors.Wrap(err, "释放运行锁失败")
	}
	return nil
}
