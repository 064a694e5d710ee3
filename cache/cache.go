// Package cache 提供带容量与过期控制的泛型缓存
//
// 底层为 hashicorp/golang-lru 的 expirable LRU：超过容量驱逐最久未使用的条目，
// TTL 从写入时刻起算。
package cache

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache 通用泛型缓存，并发安全
//
// 使用示例：
//
//	defs := cache.New[string, *workflow.Definition](cache.Config{
//	    Name:    "workflow_definitions",
//	    MaxSize: 1024,
//	})
//	defs.Set(def.Name, def)
//	if def, found := defs.Get(name); found {
//	    // 使用缓存的值
//	}
type Cache[K comparable, V any] struct {
	name   string
	config Config
	lru    *expirable.LRU[K, V]

	hits   atomic.Int64
	misses atomic.Int64
}

// Config 缓存配置
type Config struct {
	// Name 缓存名称（用于日志和统计）
	Name string

	// MaxSize 最大缓存条目数，0 表示无限制
	MaxSize int

	// TTL 条目存活时间，0 表示永不过期
	TTL time.Duration
}

// CacheStats 缓存统计信息
type CacheStats struct {
	Hits   int64 // 缓存命中次数
	Misses int64 // 缓存未命中次数
	Size   int   // 当前条目数
}

// New 创建新的缓存实例
func New[K comparable, V any](config Config) *Cache[K, V] {
	if config.Name == "" {
		config.Name = "unnamed"
	}
	c := &Cache[K, V]{name: config.Name, config: config}
	c.lru = expirable.NewLRU[K, V](config.MaxSize, nil, config.TTL)
	return c
}

// Get 获取缓存值
//
// 返回：
//   - value: 缓存的值
//   - found: 是否找到且未过期
func (c *Cache[K, V]) Get(key K) (value V, found bool) {
	value, found = c.lru.Get(key)
	if found {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return value, found
}

// Set 设置缓存值
func (c *Cache[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

// Delete 删除缓存条目，返回是否存在
func (c *Cache[K, V]) Delete(key K) bool {
	return c.lru.Remove(key)
}

// Clear 清空所有缓存
func (c *Cache[K, V]) Clear() {
	c.lru.Purge()
}

// Size 获取当前缓存条目数
func (c *Cache[K, V]) Size() int {
	return c.lru.Len()
}

// Stats 获取缓存统计信息（副本）
func (c *Cache[K, V]) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.lru.Len(),
	}
}

// HitRate 获取缓存命中率
func (c *Cache[K, V]) HitRate() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// String 返回缓存信息的字符串表示
func (c *Cache[K, V]) String() string {
	stats := c.Stats()
	return fmt.Sprintf("Cache[%s]: size=%d/%d, hits=%d, misses=%d, hit_rate=%.2f%%",
		c.name, stats.Size, c.config.MaxSize, stats.Hits, stats.Misses, c.HitRate()*100)
}
