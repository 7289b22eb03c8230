// Package sampler measures the resource footprint of running
// processes on a fixed interval.
package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"

	"github.com/procflow/process-engine/logging"
	"github.com/procflow/process-engine/types"
)

// DefaultInterval is the sampling period used when none is configured.
const DefaultInterval = 5 * time.Second

// Probe produces one resource usage snapshot.
type Probe interface {
	Sample(ctx context.Context) (types.ResourceUsage, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) (types.ResourceUsage, error)

// Sample implements Probe.
func (f ProbeFunc) Sample(ctx context.Context) (types.ResourceUsage, error) {
	return f(ctx)
}

// SystemProbe samples host-level cpu, memory, disk and network
// counters via gopsutil.
type SystemProbe struct {
	DiskPath string
}

// NewSystemProbe creates a SystemProbe rooted at "/".
func NewSystemProbe() *SystemProbe {
	return &SystemProbe{DiskPath: "/"}
}

// Sample implements Probe.
func (p *SystemProbe) Sample(ctx context.Context) (types.ResourceUsage, error) {
	usage := types.ResourceUsage{Timestamp: time.Now()}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return types.ResourceUsage{}, err
	}
	if len(percents) > 0 {
		usage.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return types.ResourceUsage{}, err
	}
	usage.MemoryBytes = vm.Used

	du, err := disk.UsageWithContext(ctx, p.DiskPath)
	if err != nil {
		return types.ResourceUsage{}, err
	}
	usage.DiskBytes = du.Used

	counters, err := gopsnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return types.ResourceUsage{}, err
	}
	if len(counters) > 0 {
		usage.NetworkIn = counters[0].BytesRecv
		usage.NetworkOut = counters[0].BytesSent
	}

	return usage, nil
}

// Sampler runs one sampling loop for one process. Each tick probes
// the system and hands the snapshot to the sink; a probe failure is
// logged and the tick skipped, it never fails the process.
type Sampler struct {
	processID string
	interval  time.Duration
	probe     Probe
	sink      func(types.ResourceUsage)
	log       *logging.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Sampler for one process. sink receives each snapshot.
func New(processID string, interval time.Duration, probe Probe, sink func(types.ResourceUsage), log *logging.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if probe == nil {
		probe = NewSystemProbe()
	}
	return &Sampler{
		processID: processID,
		interval:  interval,
		probe:     probe,
		sink:      sink,
		log:       log,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the sampling loop in its own goroutine.
func (s *Sampler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the loop and waits for it to exit. Safe to call more
// than once.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Sampler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			usage, err := s.probe.Sample(ctx)
			cancel()
			if err != nil {
				if s.log != nil {
					s.log.Error("resource sample failed for process %s: %v", s.processID, err)
				}
				continue
			}
			s.sink(usage)
		}
	}
}
