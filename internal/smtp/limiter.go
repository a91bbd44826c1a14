package smtp

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipEntry 保存单个来源 IP 的限流状态。
type ipEntry struct {
	limiter  *rate.Limiter
	current  int
	lastSeen time.Time
}

// ConnectionLimiter 按来源 IP 限制并发连接数与新建连接速率。
//
// 并发数是硬上限；新建速率走令牌桶，允许突发。闲置条目需要定期
// 调用 Prune 回收，防止状态随来源数量无限增长。
type ConnectionLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipEntry

	maxPerIP    int
	acceptRate  rate.Limit
	acceptBurst int
}

// NewConnectionLimiter 创建按 IP 的连接限流器。
//
// maxPerIP 为单 IP 最大并发连接数，acceptRate 为单 IP 每秒新建
// 连接数，acceptBurst 为速率突发额度。非正值使用默认配置。
func NewConnectionLimiter(maxPerIP int, acceptRate float64, acceptBurst int) *ConnectionLimiter {
	if maxPerIP <= 0 {
		maxPerIP = 8
	}
	if acceptRate <= 0 {
		acceptRate = 1
	}
	if acceptBurst <= 0 {
		acceptBurst = 5
	}
	return &ConnectionLimiter{
		entries:     make(map[string]*ipEntry),
		maxPerIP:    maxPerIP,
		acceptRate:  rate.Limit(acceptRate),
		acceptBurst: acceptBurst,
	}
}

// Acquire 尝试为来源 IP 获取一个连接许可。
func (l *ConnectionLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.acceptRate, l.acceptBurst)}
		l.entries[ip] = entry
	}
	entry.lastSeen = time.Now()

	if entry.current >= l.maxPerIP {
		return false
	}
	if !entry.limiter.Allow() {
		return false
	}

	entry.current++
	return true
}

// Release 归还来源 IP 的连接许可。
func (l *ConnectionLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.entries[ip]; ok && entry.current > 0 {
		entry.current--
	}
}

// Current 返回来源 IP 当前持有的连接数。
func (l *ConnectionLimiter) Current(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.entries[ip]; ok {
		return entry.current
	}
	return 0
}

// Prune 回收闲置超过 maxIdle 且无活跃连接的条目，返回回收数量。
func (l *ConnectionLimiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for ip, entry := range l.entries {
		if entry.current == 0 && entry.lastSeen.Before(cutoff) {
			delete(l.entries, ip)
			removed++
		}
	}
	return removed
}
