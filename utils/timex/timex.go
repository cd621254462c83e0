package timex

import (
	"math"
	"time"
)

// NowLocalTime 返回本地时区的当前时间。
// 诊断记录、迭代和记忆的时间戳统一用它生成，保证入库时区一致。
func NowLocalTime() time.Time {
	return time.Now().Local()
}

// AbsSecondsBetween 计算两个时间点之间的绝对秒差，用于诊断耗时统计。
func AbsSecondsBetween(t1, t2 time.Time) uint64 {
	return uint64(math.Abs(t1.Sub(t2).Seconds()))
}
