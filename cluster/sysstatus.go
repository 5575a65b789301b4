package cluster

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/SeriousBug/frame-shift-video-sub000/errors"
)

// CollectSystemStatus samples this host's CPU and memory for the
// /worker/system-status endpoint.
func CollectSystemStatus(nodeID string) (*SystemStatus, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read memory stats")
	}

	cores, err := cpu.Counts(true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count cpus")
	}

	// Instantaneous sample; no blocking interval so status probes stay
	// fast.
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read cpu usage")
	}
	var usage float64
	if len(percents) > 0 {
		usage = percents[0]
	}

	return &SystemStatus{
		NodeID:             nodeID,
		CPUUsagePercent:    usage,
		CPUCores:           cores,
		MemoryUsedBytes:    vm.Used,
		MemoryTotalBytes:   vm.Total,
		MemoryUsagePercent: vm.UsedPercent,
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
	}, nil
}
