package cache

import (
	"testing"
	"time"

	"github.com/pollinations-tgbot-go/internal/config"
	"github.com/pollinations-tgbot-go/pkg/logger"
	"github.com/stretchr/testify/assert"
)

func TestCacheRoundTrip(t *testing.T) {
	c := NewCache(&config.CacheConfig{Enabled: true, TTL: time.Minute, MaxSize: 10}, logger.Discard())

	img := []byte{1, 2, 3}
	_, ok := c.Get(img, "what?")
	assert.False(t, ok)

	c.Set(img, "what?", "a cat")
	got, ok := c.Get(img, "what?")
	assert.True(t, ok)
	assert.Equal(t, "a cat", got)

	_, ok = c.Get(img, "who?")
	assert.False(t, ok, "question is part of the key")
	_, ok = c.Get([]byte{1, 2, 4}, "what?")
	assert.False(t, ok, "image bytes are part of the key")
}

func TestCacheMaxSize(t *testing.T) {
	c := NewCache(&config.CacheConfig{Enabled: true, TTL: time.Minute, MaxSize: 2}, logger.Discard())

	c.Set([]byte{1}, "q", "a")
	c.Set([]byte{2}, "q", "b")
	c.Set([]byte{3}, "q", "c")

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get([]byte{3}, "q")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCacheDisabled(t *testing.T) {
	c := NewCache(&config.CacheConfig{Enabled: false}, logger.Discard())
	c.Set([]byte{1}, "q", "a")

	_, ok := c.Get([]byte{1}, "q")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}
