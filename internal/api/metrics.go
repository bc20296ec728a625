package api

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats - сведения о процессе участника для /health
type ProcessStats struct {
	Uptime        string  `json:"uptime"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	AllocMB       float64 `json:"alloc_mb"`
	SysMB         float64 `json:"sys_mb"`
	NumGC         uint32  `json:"num_gc"`
	Goroutines    int     `json:"goroutines"`
	// CPUPercent - загрузка CPU процессом, а если она недоступна, системой; nil - нет данных
	CPUPercent *float64 `json:"cpu_percent"`
}

// ServerMetrics собирает ProcessStats. Процесс gopsutil открывается один раз: CPUPercent
// считает загрузку между соседними вызовами.
type ServerMetrics struct {
	startTime time.Time
	proc      *process.Process
}

// NewServerMetrics создаёт сборщик; отсчёт времени работы начинается сейчас
func NewServerMetrics() *ServerMetrics {
	sm := &ServerMetrics{startTime: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		sm.proc = p
	}
	return sm
}

// Snapshot возвращает текущие сведения о процессе
func (sm *ServerMetrics) Snapshot() ProcessStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(sm.startTime)
	stats := ProcessStats{
		Uptime:        formatUptime(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		AllocMB:       float64(m.Alloc) / 1024 / 1024,
		SysMB:         float64(m.Sys) / 1024 / 1024,
		NumGC:         m.NumGC,
		Goroutines:    runtime.NumGoroutine(),
	}
	if pct, err := sm.cpuPercent(); err == nil {
		stats.CPUPercent = &pct
	}
	return stats
}

func (sm *ServerMetrics) cpuPercent() (float64, error) {
	if sm.proc != nil {
		if pct, err := sm.proc.Percent(0); err == nil {
			return pct, nil
		}
	}
	// Запасной вариант: загрузка всей системы
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("cpu: нет данных")
	}
	return percents[0], nil
}

// formatUptime печатает длительность как "1д 2ч 3м 4с", опуская старшие нулевые единицы
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dд %dч %dм %dс", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dч %dм %dс", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dм %dс", minutes, seconds)
	default:
		return fmt.Sprintf("%dс", seconds)
	}
}
