package deepzoom

// Code in this file has been derived from: https://hackernoon.com/in-memory-caching-in-golang

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type NamedDeepZoom struct {
	Id       string
	DeepZoom *DeepZoom
}

type cachedDeepZoom struct {
	NamedDeepZoom
	expireAtTimestamp int64
}

// LocalCache Pyramids of table rows with an expiry time. With maxEntries set, adding to a
// full cache evicts the pyramid that expires first.
type LocalCache struct {
	stop chan struct{}

	wg         sync.WaitGroup
	mu         sync.RWMutex
	deepzooms  map[string]cachedDeepZoom
	maxEntries int
}

// NewLocalCache Create a new local cache
func NewLocalCache(cleanupInterval time.Duration) *LocalCache {
	log.Info("Creating new cache with cleanup interval ", cleanupInterval)
	lc := &LocalCache{
		deepzooms: make(map[string]cachedDeepZoom),
		stop:      make(chan struct{}),
	}

	lc.wg.Add(1)
	go func(cleanupInterval time.Duration) {
		defer lc.wg.Done()
		lc.cleanupLoop(cleanupInterval)
	}(cleanupInterval)

	return lc
}

// WithMaxEntries Bound the number of cached pyramids, 0 means unbounded
func (lc *LocalCache) WithMaxEntries(n int) *LocalCache {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.maxEntries = n
	return lc
}

// cleanupLoop Drop expired pyramids
func (lc *LocalCache) cleanupLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-lc.stop:
			return
		case <-t.C:
			lc.removeExpired(time.Now().Unix())
		}
	}
}

func (lc *LocalCache) removeExpired(now int64) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	for uid, cu := range lc.deepzooms {
		if cu.expireAtTimestamp <= now {
			log.Info("Deepzoom Expired: ", uid)
			delete(lc.deepzooms, uid)
		}
	}
}

// StopCleanup End the cleanup loop
func (lc *LocalCache) StopCleanup() {
	close(lc.stop)
	lc.wg.Wait()
}

// Update Add deepzoom to cache
func (lc *LocalCache) Update(u NamedDeepZoom, expireAtTimestamp int64) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	log.Debug(fmt.Sprintf("Updating %s in cache", u.Id))

	if _, ok := lc.deepzooms[u.Id]; !ok && lc.maxEntries > 0 && len(lc.deepzooms) >= lc.maxEntries {
		lc.evictFirstExpiring()
	}
	lc.deepzooms[u.Id] = cachedDeepZoom{
		NamedDeepZoom:     u,
		expireAtTimestamp: expireAtTimestamp,
	}
	log.Debug(fmt.Sprintf("There are now %d items in cache", len(lc.deepzooms)))
}

func (lc *LocalCache) evictFirstExpiring() {
	var victim string
	first := int64(math.MaxInt64)
	for uid, cu := range lc.deepzooms {
		if cu.expireAtTimestamp < first {
			victim, first = uid, cu.expireAtTimestamp
		}
	}
	log.Debug("Evicting deepzoom ", victim)
	delete(lc.deepzooms, victim)
}

var (
	errImageNotInCache = errors.New("the deepzoom isn't in cache")
)

// Read Read deepzoom from cache
func (lc *LocalCache) Read(id string) (NamedDeepZoom, error) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	log.Debug("Reading from cache with ID ", id)
	cu, ok := lc.deepzooms[id]
	if !ok {
		log.Debug("ID not found ", id)
		return NamedDeepZoom{}, errImageNotInCache
	}

	return cu.NamedDeepZoom, nil
}

// Len Number of cached pyramids
func (lc *LocalCache) Len() int {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return len(lc.deepzooms)
}

// EmptyCache Remove all elements from cache
func (lc *LocalCache) EmptyCache() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	log.Debug("Emptying complete cache.")
	for key := range lc.deepzooms {
		log.Debug(fmt.Sprintf("Deleting key %s", key))
		delete(lc.deepzooms, key)
	}
}
