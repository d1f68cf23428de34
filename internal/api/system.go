package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"agentflow/internal/domain"
)

// SystemStats reports the process and host next to the dispatcher load, to
// help size Concurrency.
type SystemStats struct {
	Timestamp time.Time `json:"timestamp"`

	// Process specific
	NumGoroutine int    `json:"num_goroutine"`
	Alloc        uint64 `json:"alloc_bytes"`
	Sys          uint64 `json:"sys_bytes"`
	NumGC        uint32 `json:"num_gc"`

	// System wide
	TotalRAM        uint64    `json:"total_ram"`
	AvailableRAM    uint64    `json:"available_ram"`
	UsedRAMPercent  float64   `json:"used_ram_percent"`
	TotalCPUCores   int       `json:"total_cpu_cores"`
	CPUUsagePercent []float64 `json:"cpu_usage_percent"`

	Queue domain.QueueStatus `json:"queue"`
}

func (s *Server) system(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	out := SystemStats{
		Timestamp:     time.Now(),
		NumGoroutine:  runtime.NumGoroutine(),
		Alloc:         memStats.Alloc,
		Sys:           memStats.Sys,
		NumGC:         memStats.NumGC,
		TotalCPUCores: runtime.NumCPU(),
		Queue:         s.d.QueueStatus(),
	}
	if vMem, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		out.TotalRAM = vMem.Total
		out.AvailableRAM = vMem.Available
		out.UsedRAMPercent = vMem.UsedPercent
	}
	if pct, err := cpu.PercentWithContext(r.Context(), 0, true); err == nil {
		out.CPUUsagePercent = pct
	}
	writeJSON(w, 200, out)
}
