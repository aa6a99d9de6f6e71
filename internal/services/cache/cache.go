package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pollinations-tgbot-go/internal/config"
	"github.com/sirupsen/logrus"
)

// Service caches vision answers keyed by image content and question
type Service interface {
	Get(image []byte, question string) (string, bool)
	Set(image []byte, question, answer string)
	Clear()
	Len() int
}

type entry struct {
	answer    string
	createdAt time.Time
}

// Cache implements Service on an in-memory expiring map
type Cache struct {
	enabled bool
	cache   *cache.Cache
	logger  *logrus.Logger
	maxSize int
}

// NewCache creates a new analysis cache
func NewCache(cfg *config.CacheConfig, logger *logrus.Logger) *Cache {
	if !cfg.Enabled {
		return &Cache{enabled: false}
	}

	return &Cache{
		enabled: true,
		cache:   cache.New(cfg.TTL, cfg.TTL*2),
		logger:  logger,
		maxSize: cfg.MaxSize,
	}
}

// Get returns a cached answer
func (c *Cache) Get(image []byte, question string) (string, bool) {
	if !c.enabled {
		return "", false
	}

	val, found := c.cache.Get(key(image, question))
	if !found {
		return "", false
	}
	e := val.(entry)
	c.logger.WithFields(logrus.Fields{
		"image_bytes": len(image),
		"age":         time.Since(e.createdAt),
	}).Debug("Analysis cache hit")
	return e.answer, true
}

// Set stores an answer. When the cache is full, expired entries are purged first and the
// new entry is dropped if that frees nothing.
func (c *Cache) Set(image []byte, question, answer string) {
	if !c.enabled || answer == "" {
		return
	}

	if c.maxSize > 0 && c.cache.ItemCount() >= c.maxSize {
		c.cache.DeleteExpired()
		if c.cache.ItemCount() >= c.maxSize {
			c.logger.WithField("max_size", c.maxSize).Warn("Analysis cache full, entry not stored")
			return
		}
	}

	c.cache.SetDefault(key(image, question), entry{answer: answer, createdAt: time.Now()})
}

// Clear removes all cached entries
func (c *Cache) Clear() {
	if !c.enabled {
		return
	}
	c.cache.Flush()
	c.logger.Info("Analysis cache cleared")
}

// Len returns the number of stored entries, including not yet purged expired ones
func (c *Cache) Len() int {
	if !c.enabled {
		return 0
	}
	return c.cache.ItemCount()
}

func key(image []byte, question string) string {
	h := sha256.New()
	h.Write(image)
	h.Write([]byte{0})
	h.Write([]byte(question))
	return hex.EncodeToString(h.Sum(nil))
}
