package rdma

import (
	"time"

	"github.com/yuuki/rshmem/internal/wire"
)

// MetricHook receives transport events. Implementations must be safe for
// concurrent use and must not block.
type MetricHook interface {
	WorkPosted(peer, qp uint32, op wire.Opcode, bytes uint32)
	CompletionsDrained(peer, qp uint32, n uint32, elapsed time.Duration)
	CompletionFailed(peer, qp uint32, status Status)
	Backpressure(peer, qp uint32, occupancy uint32)
	PollTimedOut(peer, qp uint32)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) WorkPosted(uint32, uint32, wire.Opcode, uint32) {}
func (NopMetrics) CompletionsDrained(uint32, uint32, uint32, time.Duration) {}
func (NopMetrics) CompletionFailed(uint32, uint32, Status) {}
func (NopMetrics) Backpressure(uint32, uint32, uint32) {}
func (NopMetrics) PollTimedOut(uint32, uint32) {}
