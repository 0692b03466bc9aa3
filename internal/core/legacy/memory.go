package legacy

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/process"
)

// MemoryUsage 内存采样
type MemoryUsage struct {
	HeapAlloc uint64 `json:"heapAlloc"`
	HeapSys   uint64 `json:"heapSys"`
	RSS       uint64 `json:"rss"`
}

// SampleMemory 当前进程的堆与常驻内存
func SampleMemory() (MemoryUsage, error) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	usage := MemoryUsage{
		HeapAlloc: stats.HeapAlloc,
		HeapSys:   stats.HeapSys,
	}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return usage, err
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return usage, err
	}
	usage.RSS = info.RSS
	return usage, nil
}
