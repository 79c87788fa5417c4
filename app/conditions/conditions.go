// Package conditions gates script execution on host resource state
package conditions

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Config defines optional thresholds a run request may carry. Nil fields are
// not checked.
type Config struct {
	CPUBelow     *int     `json:"cpu_below,omitempty"`      // percent
	MemoryBelow  *int     `json:"memory_below,omitempty"`   // percent
	LoadAvgBelow *float64 `json:"load_avg_below,omitempty"` // 1-minute load average
}

// Empty returns true when no thresholds are set
func (c Config) Empty() bool {
	return c.CPUBelow == nil && c.MemoryBelow == nil && c.LoadAvgBelow == nil
}

// Check verifies all configured conditions, returns false with a reason on the
// first one not met
func Check(c Config) (bool, string) {
	if c.CPUBelow != nil {
		if ok, reason := checkCPU(*c.CPUBelow); !ok {
			return false, reason
		}
	}
	if c.MemoryBelow != nil {
		if ok, reason := checkMemory(*c.MemoryBelow); !ok {
			return false, reason
		}
	}
	if c.LoadAvgBelow != nil {
		if ok, reason := checkLoadAvg(*c.LoadAvgBelow); !ok {
			return false, reason
		}
	}
	return true, ""
}

func checkCPU(threshold int) (bool, string) {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(cpuPercent) == 0 {
		return false, "no CPU data available"
	}
	current := int(cpuPercent[0])
	if current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	current := int(v.UsedPercent)
	if current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func checkLoadAvg(threshold float64) (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

// HostStats is a point-in-time snapshot of host resources for the status endpoint
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	LoadAvg1      float64 `json:"load_avg_1m"`
}

// Stats collects a host resource snapshot, partial results on errors
func Stats() HostStats {
	res := HostStats{}
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		res.CPUPercent = cpuPercent[0]
	}
	if v, err := mem.VirtualMemory(); err == nil {
		res.MemoryPercent = v.UsedPercent
	}
	if loads, err := load.Avg(); err == nil {
		res.LoadAvg1 = loads.Load1
	}
	return res
}
