package gpualloc

import (
	"context"
	"sync/atomic"

	"golang.org/x/exp/slog"
)

// allocationMetrics counts allocations made and freed, both in total and for a single
// memory type. Counters are atomic so reads for the teardown report never block the
// allocation path.
type allocationMetrics struct {
	totalAllocations int64
	liveAllocations  int64
}

func (m *allocationMetrics) recordAllocation() {
	atomic.AddInt64(&m.totalAllocations, 1)
	atomic.AddInt64(&m.liveAllocations, 1)
}

func (m *allocationMetrics) recordFree() {
	atomic.AddInt64(&m.liveAllocations, -1)
}

func (m *allocationMetrics) TotalAllocations() int {
	return int(atomic.LoadInt64(&m.totalAllocations))
}

func (m *allocationMetrics) LiveAllocations() int {
	return int(atomic.LoadInt64(&m.liveAllocations))
}

// logTraceReport writes the allocator's lifetime allocation trace at teardown. Live
// allocations greater than zero here mean the caller leaked handles.
func (a *Allocator) logTraceReport() {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "allocation trace",
		slog.Int("totalAllocations", a.totalMetrics.TotalAllocations()),
		slog.Int("liveAllocations", a.totalMetrics.LiveAllocations()),
	)

	for memoryTypeIndex := 0; memoryTypeIndex < len(a.typeMetrics); memoryTypeIndex++ {
		metrics := &a.typeMetrics[memoryTypeIndex]
		if metrics.TotalAllocations() == 0 {
			continue
		}

		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "allocation trace for memory type",
			slog.Int("memoryTypeIndex", memoryTypeIndex),
			slog.String("propertyFlags", a.backend.MemoryTypeProperties(memoryTypeIndex).PropertyFlags.String()),
			slog.Int("totalAllocations", metrics.TotalAllocations()),
			slog.Int("liveAllocations", metrics.LiveAllocations()),
		)
	}
}
