package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/devils-shadow/quail/internal/domain"
)

// ErrCacheMiss 表示键不在缓存中。
var ErrCacheMiss = errors.New("cache miss")

// 热读缓存的默认过期时间。策略和规则在写路径上主动失效，
// TTL 只是兜底；设置项变化少，给短一点的 TTL 就够。
const (
	PolicyTTL  = 10 * time.Minute
	RulesTTL   = 10 * time.Minute
	SettingTTL = time.Minute
)

// Cache 决策热路径的读缓存。
//
// 每封入站邮件都要读域策略和启用规则，缓存让决策引擎在
// 稳态下不触达数据库；写路径负责失效对应的键。
type Cache struct {
	client *Client
	ctx    context.Context
}

// NewCache 基于既有连接创建缓存。
func NewCache(client *Client) *Cache {
	return &Cache{
		client: client,
		ctx:    context.Background(),
	}
}

// ========== 域策略缓存 ==========

// CachePolicy 缓存域策略。
func (c *Cache) CachePolicy(policy *domain.DomainPolicy, ttl time.Duration) error {
	data, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	return c.client.rdb.Set(c.ctx, policyKey(policy.Domain), data, ttl).Err()
}

// GetCachedPolicy 获取缓存的域策略。
func (c *Cache) GetCachedPolicy(domainName string) (*domain.DomainPolicy, error) {
	data, err := c.client.rdb.Get(c.ctx, policyKey(domainName)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var policy domain.DomainPolicy
	if err := json.Unmarshal([]byte(data), &policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

// InvalidatePolicy 删除域策略缓存。
func (c *Cache) InvalidatePolicy(domainName string) error {
	return c.client.rdb.Del(c.ctx, policyKey(domainName)).Err()
}

// ========== 启用规则缓存 ==========

// CacheEnabledRules 缓存域下的启用规则列表（已排序）。
func (c *Cache) CacheEnabledRules(domainName string, rules []domain.AddressRule, ttl time.Duration) error {
	data, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	return c.client.rdb.Set(c.ctx, rulesKey(domainName), data, ttl).Err()
}

// GetCachedEnabledRules 获取缓存的启用规则列表。
func (c *Cache) GetCachedEnabledRules(domainName string) ([]domain.AddressRule, error) {
	data, err := c.client.rdb.Get(c.ctx, rulesKey(domainName)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var rules []domain.AddressRule
	if err := json.Unmarshal([]byte(data), &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// InvalidateRules 删除域下的规则列表缓存。
func (c *Cache) InvalidateRules(domainName string) error {
	return c.client.rdb.Del(c.ctx, rulesKey(domainName)).Err()
}

// ========== 设置缓存 ==========

// CacheSetting 缓存单项设置。
func (c *Cache) CacheSetting(setting *domain.Setting, ttl time.Duration) error {
	data, err := json.Marshal(setting)
	if err != nil {
		return err
	}
	return c.client.rdb.Set(c.ctx, settingKey(setting.Key), data, ttl).Err()
}

// GetCachedSetting 获取缓存的设置。
func (c *Cache) GetCachedSetting(key string) (*domain.Setting, error) {
	data, err := c.client.rdb.Get(c.ctx, settingKey(key)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var setting domain.Setting
	if err := json.Unmarshal([]byte(data), &setting); err != nil {
		return nil, err
	}
	return &setting, nil
}

// InvalidateSetting 删除设置缓存。
func (c *Cache) InvalidateSetting(key string) error {
	return c.client.rdb.Del(c.ctx, settingKey(key)).Err()
}

// ========== 限流计数 ==========

// IncrementRateLimit 原子递增限流计数，首次递增时设置窗口过期。
func (c *Cache) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	redisKey := rateLimitKey(key)
	count, err := c.client.rdb.Incr(c.ctx, redisKey).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := c.client.rdb.Expire(c.ctx, redisKey, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// GetRateLimit 返回当前窗口内的计数。
func (c *Cache) GetRateLimit(key string) (int64, error) {
	count, err := c.client.rdb.Get(c.ctx, rateLimitKey(key)).Int64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

// ========== 键格式 ==========

func policyKey(domainName string) string {
	return fmt.Sprintf("policy:%s", domainName)
}

func rulesKey(domainName string) string {
	return fmt.Sprintf("rules:%s", domainName)
}

func settingKey(key string) string {
	return fmt.Sprintf("setting:%s", key)
}

func rateLimitKey(key string) string {
	return fmt.Sprintf("ratelimit:%s", key)
}
