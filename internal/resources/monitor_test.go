package resources

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/basket/delegate/internal/config"
)

type fakeHost struct {
	cpu     float64
	free    uint64
	now     time.Time
	workers int
}

func newTestMonitor(host *fakeHost, cfg config.Config) *Monitor {
	m := NewMonitor(cfg, func() int { return host.workers }, nil)
	m.SetSamplers(
		func(ctx context.Context) (float64, error) { return host.cpu, nil },
		func(ctx context.Context) (uint64, error) { return host.free, nil },
		func() time.Time { return host.now },
	)
	return m
}

func baseConfig() config.Config {
	cfg := config.Defaults()
	cfg.MemoryReserve = 1 << 30
	cfg.CPUCoresReserved = 1
	cfg.MaxCPUPercent = 80
	cfg.MinSpawnDelayMs = 10000
	cfg.SettlingWindowMs = 15000
	return cfg
}

func TestMonitor_AdmitsWhenIdle(t *testing.T) {
	host := &fakeHost{cpu: 10, free: 8 << 30, now: time.Now()}
	m := newTestMonitor(host, baseConfig())
	if !m.CanSpawnWorker(context.Background()) {
		t.Fatal("idle host refused a spawn")
	}
}

func TestMonitor_MemoryReserveBlocks(t *testing.T) {
	host := &fakeHost{cpu: 10, free: 512 << 20, now: time.Now()}
	m := newTestMonitor(host, baseConfig())
	if m.CanSpawnWorker(context.Background()) {
		t.Fatal("spawn admitted below memory reserve")
	}
}

func TestMonitor_ReservedCoresBlock(t *testing.T) {
	host := &fakeHost{cpu: 10, free: 8 << 30, now: time.Now()}
	cfg := baseConfig()
	cfg.CPUCoresReserved = runtime.NumCPU() // every core reserved
	m := newTestMonitor(host, cfg)
	if m.CanSpawnWorker(context.Background()) {
		t.Fatal("spawn admitted with all cores reserved")
	}
}

func TestMonitor_MinSpawnDelayThrottles(t *testing.T) {
	start := time.Now()
	host := &fakeHost{cpu: 10, free: 8 << 30, now: start}
	m := newTestMonitor(host, baseConfig())

	if !m.CanSpawnWorker(context.Background()) {
		t.Fatal("first spawn refused")
	}
	m.NoteSpawn()

	host.now = start.Add(5 * time.Second)
	if m.CanSpawnWorker(context.Background()) {
		t.Fatal("spawn admitted inside the min spawn delay")
	}

	host.now = start.Add(20 * time.Second)
	if !m.CanSpawnWorker(context.Background()) {
		t.Fatal("spawn refused after the delay elapsed")
	}
}

func TestMonitor_SettlingWindowChargesRecentSpawns(t *testing.T) {
	start := time.Now()
	// Sampled CPU sits just under the limit; one assumed warming
	// worker pushes it over.
	host := &fakeHost{cpu: 75, free: 8 << 30, now: start}
	cfg := baseConfig()
	cfg.MinSpawnDelayMs = 0
	m := newTestMonitor(host, cfg)

	m.NoteSpawn()
	host.now = start.Add(2 * time.Second) // inside settling window
	if m.CanSpawnWorker(context.Background()) {
		t.Fatal("spawn admitted while a warming worker is uncharged in the sample")
	}

	host.now = start.Add(16 * time.Second) // window over, sample trusted
	if !m.CanSpawnWorker(context.Background()) {
		t.Fatal("spawn refused after settling window")
	}
}

func TestMonitor_HasAvailableResourcesIgnoresThrottle(t *testing.T) {
	start := time.Now()
	host := &fakeHost{cpu: 10, free: 8 << 30, now: start}
	m := newTestMonitor(host, baseConfig())
	m.NoteSpawn()
	host.now = start.Add(time.Second)
	// Throttled for spawns, but resources themselves are available.
	if !m.HasAvailableResources(context.Background()) {
		t.Fatal("hasAvailableResources affected by spawn throttle")
	}
}

func TestMonitor_SnapshotCarriesWorkerCount(t *testing.T) {
	host := &fakeHost{cpu: 10, free: 8 << 30, now: time.Now(), workers: 3}
	m := newTestMonitor(host, baseConfig())
	snap := m.GetResources(context.Background())
	if snap.WorkerCount != 3 {
		t.Fatalf("workerCount = %d, want 3", snap.WorkerCount)
	}
	if snap.CPUPercent != 10 || snap.FreeMemoryBytes != 8<<30 {
		t.Fatalf("snapshot = %+v", snap)
	}
}
