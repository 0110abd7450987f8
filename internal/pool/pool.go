// Package pool recycles journal entries between the engine and the journal
// worker.
package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/slyt3/strategist/internal/models"
)

// Metrics tracks pool usage.
type Metrics struct {
	EntryGets   uint64
	EntryMisses uint64
	EntryPuts   uint64
}

var (
	gets   atomic.Uint64
	misses atomic.Uint64
	puts   atomic.Uint64
)

// GetMetrics returns a snapshot of pool counters.
func GetMetrics() Metrics {
	return Metrics{
		EntryGets:   gets.Load(),
		EntryMisses: misses.Load(),
		EntryPuts:   puts.Load(),
	}
}

var entryPool = sync.Pool{
	New: func() interface{} {
		misses.Add(1)
		return &models.Entry{Params: make(map[string]interface{}, 8)}
	},
}

// GetEntry returns a zeroed entry with an empty Params map.
func GetEntry() *models.Entry {
	gets.Add(1)
	e := entryPool.Get().(*models.Entry)
	if e.Params == nil {
		e.Params = make(map[string]interface{}, 8)
	}
	return e
}

// PutEntry resets e and returns it to the pool. e must not be used afterwards.
func PutEntry(e *models.Entry) {
	if e == nil {
		return
	}
	params := e.Params
	for k := range params {
		delete(params, k)
	}
	*e = models.Entry{Timestamp: time.Time{}, Params: params}
	puts.Add(1)
	entryPool.Put(e)
}
