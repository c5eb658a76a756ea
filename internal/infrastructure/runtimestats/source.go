// Package runtimestats reads heap usage of the current Go process.
package runtimestats

import (
	"math"
	"runtime"
	"runtime/debug"

	"streamperf/internal/core/domain"
)

// Source implements ports.MemoryStatsSource and ports.ForcedCollector
type Source struct {
	// Limit overrides the heap ceiling; 0 falls back to the runtime soft
	// memory limit, and to "unknown" when none is set
	Limit uint64

	read func(*runtime.MemStats)
}

func NewSource(limit uint64) *Source {
	return &Source{Limit: limit, read: runtime.ReadMemStats}
}

func (s *Source) ReadMemoryStats() (domain.MemoryStats, bool) {
	var ms runtime.MemStats
	s.read(&ms)

	return domain.MemoryStats{
		HeapUsed:  ms.HeapAlloc,
		HeapTotal: ms.HeapSys,
		HeapLimit: s.limit(),
	}, true
}

func (s *Source) limit() uint64 {
	if s.Limit > 0 {
		return s.Limit
	}
	// a negative input only queries the current value
	soft := debug.SetMemoryLimit(-1)
	if soft <= 0 || soft == math.MaxInt64 {
		return 0
	}
	return uint64(soft)
}

// ForceCollect runs a GC and returns freed pages to the OS
func (s *Source) ForceCollect() {
	debug.FreeOSMemory()
}
