package smtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectionLimiter_ConcurrencyCap(t *testing.T) {
	limiter := NewConnectionLimiter(2, 1000, 1000)

	assert.True(t, limiter.Acquire("203.0.113.1"))
	assert.True(t, limiter.Acquire("203.0.113.1"))
	assert.False(t, limiter.Acquire("203.0.113.1"), "超过单 IP 并发上限")

	// 其他 IP 不受影响
	assert.True(t, limiter.Acquire("203.0.113.2"))

	limiter.Release("203.0.113.1")
	assert.Equal(t, 1, limiter.Current("203.0.113.1"))
	assert.True(t, limiter.Acquire("203.0.113.1"))
}

func TestConnectionLimiter_AcceptRate(t *testing.T) {
	// 突发额度 1、补充极慢：第二次立刻获取必然失败
	limiter := NewConnectionLimiter(10, 0.001, 1)

	assert.True(t, limiter.Acquire("203.0.113.1"))
	limiter.Release("203.0.113.1")
	assert.False(t, limiter.Acquire("203.0.113.1"), "令牌桶已空")

	// 速率按 IP 独立计
	assert.True(t, limiter.Acquire("203.0.113.2"))
}

func TestConnectionLimiter_ReleaseUnknownIP(t *testing.T) {
	limiter := NewConnectionLimiter(2, 1000, 1000)
	limiter.Release("198.51.100.9") // 不应崩溃
	assert.Equal(t, 0, limiter.Current("198.51.100.9"))
}

func TestConnectionLimiter_Prune(t *testing.T) {
	limiter := NewConnectionLimiter(2, 1000, 1000)

	assert.True(t, limiter.Acquire("203.0.113.1"))
	assert.True(t, limiter.Acquire("203.0.113.2"))
	limiter.Release("203.0.113.2")

	time.Sleep(5 * time.Millisecond)

	// 只回收无活跃连接的闲置条目
	removed := limiter.Prune(time.Millisecond)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, limiter.Current("203.0.113.1"))
}
