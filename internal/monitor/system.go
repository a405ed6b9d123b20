package monitor

import (
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// sampleSystem reads host-level memory and load average via gopsutil. These
// are cheap, infrequent (1Hz) host-wide syscalls, unlike the per-process
// sampling above which is hot enough on Linux to warrant reading /proc
// directly.
func sampleSystem() (memTotal, memFree uint64, load1, load5, load15 float64) {
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		memTotal = vm.Total
		memFree = vm.Available
	}
	if la, err := load.Avg(); err == nil && la != nil {
		load1, load5, load15 = la.Load1, la.Load5, la.Load15
	}
	return
}
