package idgen

import (
	"sync"
	"time"
)

const (
	// 自定义纪元 2025-01-01 00:00:00 UTC，从这里起算可以明显缩短 ID 长度。
	customEpoch = 1735689600

	// 序列号 6 位，同一秒内最多 64 个 ID。
	// 诊断建档频率远低于这个量级。
	seqBits = 6
	seqMask = (1 << seqBits) - 1
)

// Generator 生成时间有序的记录号，进程内并发安全。
// 记录、迭代、记忆共用一个实例，保证同一服务内不重号。
type Generator struct {
	mu     sync.Mutex
	lastTs int64 // 上次发号的时间戳（相对纪元，秒）
	seq    int64 // 当前秒内的序列号
}

// New 创建 ID 生成器实例。
func New() *Generator {
	return &Generator{}
}

func (g *Generator) NextID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := time.Now().Unix() - customEpoch

	if ts == g.lastTs {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			// 当前秒发满，等下一秒
			for ts <= g.lastTs {
				time.Sleep(time.Millisecond)
				ts = time.Now().Unix() - customEpoch
			}
		}
	} else {
		g.seq = 0
	}

	g.lastTs = ts

	return uint64(ts)<<seqBits | uint64(g.seq)
}
