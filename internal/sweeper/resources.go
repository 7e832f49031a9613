package sweeper

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// ResourceSnapshot is the host-level utilization reading one tick
// folds into the dashboard's health frame.
type ResourceSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	NetBytesSent  uint64  `json:"net_bytes_sent"`
	NetBytesRecv  uint64  `json:"net_bytes_recv"`
}

// probeResources samples CPU/memory/disk/network utilization via
// gopsutil. Each probe is independent and best-effort: a failing probe
// leaves its field zeroed rather than aborting the snapshot.
func probeResources() ResourceSnapshot {
	var snap ResourceSnapshot

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		snap.MemoryPercent = vm.UsedPercent
	}

	if du, err := disk.Usage("/"); err == nil && du != nil {
		snap.DiskPercent = du.UsedPercent
	}

	if counters, err := net.IOCounters(false); err == nil && len(counters) > 0 {
		snap.NetBytesSent = counters[0].BytesSent
		snap.NetBytesRecv = counters[0].BytesRecv
	}

	return snap
}
