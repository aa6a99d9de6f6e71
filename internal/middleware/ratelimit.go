package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/pollinations-tgbot-go/internal/config"
	"github.com/sirupsen/logrus"
)

const rateWindow = time.Minute

// RateLimiter decides whether a (user, chat) request may proceed
type RateLimiter interface {
	CheckRateLimit(userID, chatID int64, minInterval time.Duration, maxPerMinute int) bool
	RecordRequest(userID, chatID int64)
	Admit(userID, chatID int64, minInterval time.Duration, maxPerMinute int) bool
	WaitTime(userID, chatID int64, minInterval time.Duration) time.Duration
}

type pairKey struct {
	userID int64
	chatID int64
}

// SlidingWindowLimiter keeps 60 second request windows per (user, chat) and per chat
type SlidingWindowLimiter struct {
	enabled bool
	mu      sync.Mutex
	pairs   map[pairKey][]time.Time
	chats   map[int64][]time.Time
	idleTTL time.Duration
	sweep   time.Duration
	now     func() time.Time
	logger  *logrus.Logger
}

// NewRateLimiter creates a sliding window limiter
func NewRateLimiter(cfg *config.Config, logger *logrus.Logger) *SlidingWindowLimiter {
	idle := cfg.RateLimit.IdleTTL
	if idle <= 0 {
		idle = time.Hour
	}
	sweep := cfg.RateLimit.CleanupInterval
	if sweep <= 0 {
		sweep = 5 * time.Minute
	}
	return &SlidingWindowLimiter{
		enabled: cfg.RateLimit.Enabled,
		pairs:   make(map[pairKey][]time.Time),
		chats:   make(map[int64][]time.Time),
		idleTTL: idle,
		sweep:   sweep,
		now:     time.Now,
		logger:  logger,
	}
}

// CheckRateLimit reports whether a request would be admitted, without recording it.
// chatID 0 skips the shared chat ceiling.
func (r *SlidingWindowLimiter) CheckRateLimit(userID, chatID int64, minInterval time.Duration, maxPerMinute int) bool {
	if !r.enabled {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkLocked(userID, chatID, minInterval, maxPerMinute)
}

// RecordRequest appends the current time to both windows
func (r *SlidingWindowLimiter) RecordRequest(userID, chatID int64) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(userID, chatID)
}

// Admit checks and records under one lock so concurrent arrivals serialize
func (r *SlidingWindowLimiter) Admit(userID, chatID int64, minInterval time.Duration, maxPerMinute int) bool {
	if !r.enabled {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.checkLocked(userID, chatID, minInterval, maxPerMinute) {
		r.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"chat_id": chatID,
		}).Info("Request rejected by rate limiter")
		return false
	}
	r.recordLocked(userID, chatID)
	return true
}

// WaitTime returns how long the pair must wait before the interval check passes
func (r *SlidingWindowLimiter) WaitTime(userID, chatID int64, minInterval time.Duration) time.Duration {
	if !r.enabled {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey{userID, chatID}
	window := r.prune(r.pairs[key])
	r.pairs[key] = window
	if len(window) == 0 {
		return 0
	}
	wait := minInterval - r.now().Sub(window[len(window)-1])
	if wait < 0 {
		return 0
	}
	return wait
}

func (r *SlidingWindowLimiter) checkLocked(userID, chatID int64, minInterval time.Duration, maxPerMinute int) bool {
	now := r.now()
	key := pairKey{userID, chatID}

	window := r.prune(r.pairs[key])
	r.pairs[key] = window
	if len(window) > 0 && now.Sub(window[len(window)-1]) < minInterval {
		return false
	}
	if len(window) >= maxPerMinute {
		return false
	}

	if chatID != 0 {
		chatWindow := r.prune(r.chats[chatID])
		r.chats[chatID] = chatWindow
		if len(chatWindow) >= chatCeiling(maxPerMinute) {
			return false
		}
	}
	return true
}

func (r *SlidingWindowLimiter) recordLocked(userID, chatID int64) {
	now := r.now()
	key := pairKey{userID, chatID}
	r.pairs[key] = append(r.pairs[key], now)
	if chatID != 0 {
		r.chats[chatID] = append(r.chats[chatID], now)
	}
}

// prune drops timestamps older than the window; entries are kept in time order
func (r *SlidingWindowLimiter) prune(window []time.Time) []time.Time {
	cutoff := r.now().Add(-rateWindow)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}

// chatCeiling is the shared chat limit, half the per-user ceiling and never zero
func chatCeiling(maxPerMinute int) int {
	c := maxPerMinute / 2
	if c < 1 {
		c = 1
	}
	return c
}

// Cleanup drops keys idle for longer than the idle TTL
func (r *SlidingWindowLimiter) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.idleTTL)
	removed := 0
	for key, window := range r.pairs {
		if len(window) == 0 || window[len(window)-1].Before(cutoff) {
			delete(r.pairs, key)
			removed++
		}
	}
	for chatID, window := range r.chats {
		if len(window) == 0 || window[len(window)-1].Before(cutoff) {
			delete(r.chats, chatID)
			removed++
		}
	}
	return removed
}

// Start runs the idle-key sweep until ctx is done
func (r *SlidingWindowLimiter) Start(ctx context.Context) {
	if !r.enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(r.sweep)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Cleanup(); n > 0 {
					r.logger.WithField("removed", n).Debug("Rate limiter idle keys removed")
				}
			}
		}
	}()
}

// Size returns the number of tracked pair and chat keys
func (r *SlidingWindowLimiter) Size() (pairs, chats int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs), len(r.chats)
}
