// Package resources samples host CPU and memory and gates worker spawn
// decisions: memory reserve, reserved CPU cores, spawn-rate throttling,
// and a settling window in which freshly spawned workers are assumed to
// be warming up and not yet visible in the CPU numbers.
package resources

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/basket/delegate/internal/config"
)

// assumedWorkerCPUPercent is charged per worker spawned inside the
// settling window, on top of the sampled utilisation.
const assumedWorkerCPUPercent = 10.0

// Snapshot is one sample of host state plus the live worker count.
type Snapshot struct {
	CPUPercent      float64
	FreeMemoryBytes uint64
	WorkerCount     int
	SampledAt       time.Time
}

// Monitor makes spawn admission decisions. Samplers and the clock are
// injectable for tests; the defaults use gopsutil.
type Monitor struct {
	cfg         config.Config
	logger      *slog.Logger
	workerCount func() int

	cpuPercent func(ctx context.Context) (float64, error)
	freeMemory func(ctx context.Context) (uint64, error)
	now        func() time.Time

	mu              sync.Mutex
	lastSpawnAt     time.Time
	recentSpawns    int // spawns inside the current settling window
	lastSampleErr   error
	lastSampleAt    time.Time
	cachedCPU       float64
	cachedFreeBytes uint64
}

// NewMonitor creates a Monitor. workerCount reports the pool's live
// worker count and must be safe for concurrent use.
func NewMonitor(cfg config.Config, workerCount func() int, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:         cfg,
		logger:      logger,
		workerCount: workerCount,
		cpuPercent:  sampleCPUPercent,
		freeMemory:  sampleFreeMemory,
		now:         time.Now,
	}
}

// SetSamplers overrides the host samplers and clock. Nil arguments keep
// the current function.
func (m *Monitor) SetSamplers(cpuFn func(ctx context.Context) (float64, error), memFn func(ctx context.Context) (uint64, error), now func() time.Time) {
	if cpuFn != nil {
		m.cpuPercent = cpuFn
	}
	if memFn != nil {
		m.freeMemory = memFn
	}
	if now != nil {
		m.now = now
	}
}

func sampleCPUPercent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

func sampleFreeMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// GetResources samples the host and returns the current snapshot. A
// sampling failure returns the last good values and logs once per
// failure streak.
func (m *Monitor) GetResources(ctx context.Context) Snapshot {
	cpuPct, cpuErr := m.cpuPercent(ctx)
	freeBytes, memErr := m.freeMemory(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cpuErr == nil {
		m.cachedCPU = cpuPct
	}
	if memErr == nil {
		m.cachedFreeBytes = freeBytes
	}
	if cpuErr != nil || memErr != nil {
		if m.lastSampleErr == nil {
			m.logger.Warn("resource sampling degraded", "cpu_error", cpuErr, "mem_error", memErr)
		}
		if cpuErr != nil {
			m.lastSampleErr = cpuErr
		} else {
			m.lastSampleErr = memErr
		}
	} else {
		m.lastSampleErr = nil
	}
	m.lastSampleAt = now

	return Snapshot{
		CPUPercent:      m.cachedCPU,
		FreeMemoryBytes: m.cachedFreeBytes,
		WorkerCount:     m.workerCount(),
		SampledAt:       now,
	}
}

// HasAvailableResources reports whether the host currently has headroom
// for more work, ignoring spawn-rate throttling.
func (m *Monitor) HasAvailableResources(ctx context.Context) bool {
	snap := m.GetResources(ctx)
	return m.admissible(snap, false)
}

// CanSpawnWorker applies the full admission check: resources plus the
// minimum spawn delay and the settling-window CPU adjustment. When it
// returns false the caller leaves the task queued and retries on the
// next tick.
func (m *Monitor) CanSpawnWorker(ctx context.Context) bool {
	snap := m.GetResources(ctx)
	return m.admissible(snap, true)
}

func (m *Monitor) admissible(snap Snapshot, forSpawn bool) bool {
	m.mu.Lock()
	lastSpawn := m.lastSpawnAt
	recent := m.recentSpawns
	m.mu.Unlock()

	now := snap.SampledAt
	if forSpawn && !lastSpawn.IsZero() && now.Sub(lastSpawn) < m.cfg.MinSpawnDelay() {
		return false
	}

	if snap.FreeMemoryBytes < uint64(m.cfg.MemoryReserve) {
		return false
	}

	// Keep cpuCoresReserved cores clear of worker load: the next
	// worker must still leave the reserve untouched.
	cores := runtime.NumCPU()
	if snap.WorkerCount+1 > cores-m.cfg.CPUCoresReserved {
		return false
	}

	cpuPct := snap.CPUPercent
	if forSpawn && !lastSpawn.IsZero() && now.Sub(lastSpawn) < m.cfg.SettlingWindow() {
		// Workers spawned inside the settling window are charged an
		// assumed load because the sampler has not seen them yet.
		cpuPct += float64(recent) * assumedWorkerCPUPercent
	}
	return cpuPct < m.cfg.MaxCPUPercent
}

// NoteSpawn records a successful spawn for throttling and settling
// accounting. Call it after workerPool.Spawn succeeds.
func (m *Monitor) NoteSpawn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.Sub(m.lastSpawnAt) >= m.cfg.SettlingWindow() {
		m.recentSpawns = 0
	}
	m.recentSpawns++
	m.lastSpawnAt = now
}
