package omptarget

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pinnedBuffers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "omptarget_pinned_buffers",
		Help: "Number of pinned host buffers registered per device",
	}, []string{"device"})

	pinnedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "omptarget_pinned_bytes",
		Help: "Total size of the pinned host buffers registered per device",
	}, []string{"device"})

	recordReplayUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "omptarget_record_replay_used_bytes",
		Help: "Bytes handed out by the record/replay arena per device",
	}, []string{"device"})

	kernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omptarget_kernel_launches_total",
		Help: "Kernels launched per device and execution mode",
	}, []string{"device", "mode"})

	memoryManagerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omptarget_memory_manager_requests_total",
		Help: "Pooled allocations per device, served from the pool (hit) or by the backend (miss)",
	}, []string{"device", "result"})

	dataTransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omptarget_data_transfer_bytes_total",
		Help: "Bytes submitted, retrieved and exchanged per device",
	}, []string{"device", "direction"})
)
