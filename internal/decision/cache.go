package decision

import (
	"regexp"
	"sync"
)

// PatternCache 按规则ID缓存编译后的正则模式。
//
// 特点：
// - 使用 sync.Map 实现无锁读取（规则读多写少）
// - 以模式文本做一致性校验：规则编辑后旧条目自动失效
// - 编译失败不缓存，由调用方决定跳过还是拒绝
type PatternCache struct {
	data sync.Map
}

type patternEntry struct {
	pattern  string
	compiled *regexp.Regexp
}

// NewPatternCache 创建模式缓存。
func NewPatternCache() *PatternCache {
	return &PatternCache{}
}

// Get 返回规则对应的编译结果，未命中或模式文本已变化时重新编译。
func (c *PatternCache) Get(ruleID uint, pattern string) (*regexp.Regexp, error) {
	if val, ok := c.data.Load(ruleID); ok {
		entry := val.(*patternEntry)
		// 模式文本一致才算命中，否则说明规则被编辑过
		if entry.pattern == pattern {
			return entry.compiled, nil
		}
	}

	compiled, err := regexp.Compile(pattern)
	if err != nil {
		c.data.Delete(ruleID)
		return nil, err
	}

	c.data.Store(ruleID, &patternEntry{pattern: pattern, compiled: compiled})
	return compiled, nil
}

// Invalidate 删除单条规则的缓存条目。
func (c *PatternCache) Invalidate(ruleID uint) {
	c.data.Delete(ruleID)
}

// Reset 清空全部缓存条目。
func (c *PatternCache) Reset() {
	c.data.Range(func(key, _ interface{}) bool {
		c.data.Delete(key)
		return true
	})
}

// Len 返回当前缓存条目数。
func (c *PatternCache) Len() int {
	count := 0
	c.data.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// Compile 在不写缓存的情况下校验模式文本，供规则创建/更新前检查。
func Compile(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}
