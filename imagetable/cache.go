package imagetable

import (
	"encoding/json"
	"fmt"

	"cvscope/cas"

	"github.com/coocood/freecache"
	"github.com/golang/snappy"
	log "github.com/sirupsen/logrus"
)

// RowCache Keeps recently fetched image rows, snappy compressed, in a fixed size cache.
type RowCache struct {
	cache         *freecache.Cache
	expireSeconds int
}

// NewRowCache Create a cache of sizeBytes. Entries expire after expireSeconds, zero keeps
// them until evicted.
func NewRowCache(sizeBytes, expireSeconds int) *RowCache {
	return &RowCache{cache: freecache.NewCache(sizeBytes), expireSeconds: expireSeconds}
}

func rowKey(table *cas.Table, n int) string {
	return fmt.Sprintf("%s|%s|%v|%d", table.String(), table.Where, table.Vars, n)
}

// Get The cached rows for key
func (c *RowCache) Get(key string) (*cas.ResultTable, bool) {
	compressed, err := c.cache.Get([]byte(key))
	if err != nil {
		if err != freecache.ErrNotFound {
			log.Warn("Row cache read failed: ", err)
		}
		return nil, false
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		log.Warn("Corrupt row cache entry ", key, ": ", err)
		c.cache.Del([]byte(key))
		return nil, false
	}
	rows, err := cas.DecodeResultTable(data)
	if err != nil {
		log.Warn("Cannot decode row cache entry ", key, ": ", err)
		return nil, false
	}
	return rows, true
}

// Set Store rows under key and return the stored size. Rows that do not fit are skipped.
func (c *RowCache) Set(key string, rows *cas.ResultTable) int {
	data, err := json.Marshal(rows)
	if err != nil {
		log.Warn("Cannot encode rows for caching: ", err)
		return 0
	}
	compressed := snappy.Encode(nil, data)
	if err := c.cache.Set([]byte(key), compressed, c.expireSeconds); err != nil {
		log.Debug("Row not cached: ", err)
		return 0
	}
	return len(compressed)
}

// Clear Drop all entries
func (c *RowCache) Clear() {
	c.cache.Clear()
}

// EntryCount Number of cached rows
func (c *RowCache) EntryCount() int64 {
	return c.cache.EntryCount()
}
