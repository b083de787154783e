package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sync"
	"time"
)

// synthCache is a small TTL cache for synthesized audio keyed by (text,
// language, voice), adapted from the teacher's PipelineCache
// (internal/aws/cache.go): two sync.Maps would be overkill here since only
// TTS output benefits from caching in this pipeline (MT results are
// already cheap relative to TTS and depend on a rolling context that makes
// exact-text cache hits rare); this keeps the same entry/TTL/cleanup-loop
// shape for the one cache that matters — repeated short phrases ("yes",
// "thank you", "okay") synthesized identically across many chunks.
type synthCache struct {
	mu          sync.Mutex
	entries     map[string]cacheEntry
	ttl         time.Duration
	stopCleanup chan struct{}
}

type cacheEntry struct {
	samples    []int16
	sampleRate int
	expiresAt  time.Time
}

func newSynthCache(ttl, cleanupInterval time.Duration) *synthCache {
	c := &synthCache{
		entries:     make(map[string]cacheEntry),
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
	}
	go c.cleanupLoop(cleanupInterval)
	return c
}

func (c *synthCache) key(text, lang, voiceID string) string {
	sum := sha256.Sum256([]byte(text))
	return lang + ":" + voiceID + ":" + hex.EncodeToString(sum[:8])
}

func (c *synthCache) Get(text, lang, voiceID string) ([]int16, int, bool) {
	k := c.key(text, lang, voiceID)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[k]
	if !ok {
		return nil, 0, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, k)
		return nil, 0, false
	}
	return entry.samples, entry.sampleRate, true
}

func (c *synthCache) Set(text, lang, voiceID string, samples []int16, sampleRate int) {
	k := c.key(text, lang, voiceID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = cacheEntry{samples: samples, sampleRate: sampleRate, expiresAt: time.Now().Add(c.ttl)}
}

func (c *synthCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *synthCache) cleanup() {
	now := time.Now()
	removed := 0
	c.mu.Lock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		log.Printf("[pipeline:cache] cleaned up %d expired synthesis entries", removed)
	}
}

func (c *synthCache) Close() {
	close(c.stopCleanup)
}
