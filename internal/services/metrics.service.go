package services

import (
	"fmt"
	"log"
	"strings"

	"relaymon/internal/models"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// MetricsProvider exposes local hardware and process usage.
type MetricsProvider interface {
	NodeSnapshot() (models.NodeSnapshot, error)
	ProcessSnapshot(pid int32) (models.ProcessSnapshot, bool)
	ProcessesByName(name string) map[int32]models.ProcessSnapshot
}

// SystemMetrics reads metrics from the running host through gopsutil
type SystemMetrics struct{}

func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{}
}

// NodeSnapshot returns core/thread counts, global CPU usage, memory and per-core temperatures
func (m *SystemMetrics) NodeSnapshot() (models.NodeSnapshot, error) {
	percentage, err := cpu.Percent(0, false)
	if err != nil {
		return models.NodeSnapshot{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	var usage float32
	if len(percentage) > 0 {
		usage = float32(percentage[0])
	}

	cores, err := cpu.Counts(false)
	if err != nil {
		log.Printf("Warning: Could not get physical core count: %v", err)
		cores = 0
	}

	threads, err := cpu.Counts(true)
	if err != nil {
		log.Printf("Warning: Could not get logical CPU count: %v", err)
		threads = 0
	}

	virtualMemory, err := mem.VirtualMemory()
	if err != nil {
		return models.NodeSnapshot{}, fmt.Errorf("failed to get memory usage: %w", err)
	}

	return models.NodeSnapshot{
		Cores:        cores,
		Threads:      threads,
		CPUUsage:     usage,
		TotalRAM:     virtualMemory.Total,
		UsedRAM:      virtualMemory.Used,
		Temperatures: CoreTemperatures(),
	}, nil
}

// ProcessSnapshot returns CPU and resident memory of pid, or false when the
// process is not visible.
func (m *SystemMetrics) ProcessSnapshot(pid int32) (models.ProcessSnapshot, bool) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return models.ProcessSnapshot{}, false
	}
	return snapshotOf(p)
}

// ProcessesByName returns every visible process whose name equals name
func (m *SystemMetrics) ProcessesByName(name string) map[int32]models.ProcessSnapshot {
	found := make(map[int32]models.ProcessSnapshot)

	procs, err := process.Processes()
	if err != nil {
		log.Printf("Process listing error: %v", err)
		return found
	}

	for _, p := range procs {
		procName, err := p.Name()
		if err != nil || procName != name {
			continue
		}
		if snap, ok := snapshotOf(p); ok {
			found[p.Pid] = snap
		}
	}

	return found
}

func snapshotOf(p *process.Process) (models.ProcessSnapshot, bool) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return models.ProcessSnapshot{}, false
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}

	return models.ProcessSnapshot{
		CPUUsage: float32(cpuPercent),
		RAMBytes: memInfo.RSS,
	}, true
}

// CoreTemperatures returns the temperature of every per-core sensor.
// Hosts without readable sensors yield an empty slice.
func CoreTemperatures() []float32 {
	temps := []float32{}

	stats, err := host.SensorsTemperatures()
	if err != nil && len(stats) == 0 {
		return temps
	}

	for _, s := range stats {
		if isCoreSensor(s.SensorKey) {
			temps = append(temps, float32(s.Temperature))
		}
	}
	return temps
}

// isCoreSensor matches "Core N" labels as well as the lowercased
// "coretemp_core_N" keys produced on Linux.
func isCoreSensor(key string) bool {
	if strings.HasPrefix(key, "Core ") {
		return true
	}
	lower := strings.ToLower(key)
	return strings.Contains(lower, "core_") || strings.HasPrefix(lower, "core ")
}
