package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a node's process.
type Usage struct {
	Name       string    `json:"name"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

type UsageConfig struct {
	Enabled  bool          `mapstructure:"usage"`
	Interval time.Duration `mapstructure:"usage_interval"`
}

// UsageCollector samples CPU and memory of node processes on an interval.
type UsageCollector struct {
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	latest map[string]Usage
	procs  map[int32]*process.Process // cached handles keep CPUPercent deltas meaningful

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewUsageCollector(cfg UsageConfig, log *slog.Logger) *UsageCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &UsageCollector{
		interval: interval,
		log:      log,
		latest:   make(map[string]Usage),
		procs:    make(map[int32]*process.Process),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "banco", Subsystem: "node", Name: "cpu_percent",
			Help: "CPU usage percentage of node processes.",
		}, []string{"name"}),
		memoryRSS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "banco", Subsystem: "node", Name: "memory_rss_bytes",
			Help: "Resident memory of node processes.",
		}, []string{"name"}),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "banco", Subsystem: "node", Name: "num_threads",
			Help: "Number of threads of node processes.",
		}, []string{"name"}),
		numFDs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "banco", Subsystem: "node", Name: "num_fds",
			Help: "Open file descriptors of node processes (Unix only).",
		}, []string{"name"}),
	}
}

// Register adds the usage gauges to r. Already registered gauges are kept.
func (c *UsageCollector) Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples the processes returned by pids until ctx is canceled.
func (c *UsageCollector) Run(ctx context.Context, pids func() map[string]int) error {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.Collect(pids())
		}
	}
}

// Collect takes one sample of every given process and drops series for
// processes no longer present.
func (c *UsageCollector) Collect(pids map[string]int) {
	now := time.Now()
	results := make(map[string]Usage, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := c.sample(name, int32(pid), now)
		if err != nil {
			c.log.Debug("usage sample failed", "node", name, "pid", pid, "err", err)
			continue
		}
		results[name] = u
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.latest {
		if _, ok := results[name]; !ok {
			c.cpuPercent.DeleteLabelValues(name)
			c.memoryRSS.DeleteLabelValues(name)
			c.numThreads.DeleteLabelValues(name)
			c.numFDs.DeleteLabelValues(name)
		}
	}
	live := make(map[int32]struct{}, len(results))
	for name, u := range results {
		live[u.PID] = struct{}{}
		c.cpuPercent.WithLabelValues(name).Set(u.CPUPercent)
		c.memoryRSS.WithLabelValues(name).Set(float64(u.MemoryRSS))
		c.numThreads.WithLabelValues(name).Set(float64(u.NumThreads))
		if runtime.GOOS != "windows" && u.NumFDs > 0 {
			c.numFDs.WithLabelValues(name).Set(float64(u.NumFDs))
		}
	}
	for pid := range c.procs {
		if _, ok := live[pid]; !ok {
			delete(c.procs, pid)
		}
	}
	c.latest = results
}

func (c *UsageCollector) handle(pid int32) (*process.Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	c.procs[pid] = p
	return p, nil
}

func (c *UsageCollector) sample(name string, pid int32, at time.Time) (Usage, error) {
	p, err := c.handle(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("process handle: %w", err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("memory info: %w", err)
	}
	u := Usage{Name: name, PID: pid, MemoryRSS: mem.RSS, MemoryVMS: mem.VMS, Timestamp: at}
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

// Latest returns the most recent sample for name.
func (c *UsageCollector) Latest(name string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[name]
	return u, ok
}

// All returns a copy of the most recent samples.
func (c *UsageCollector) All() map[string]Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Usage, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}
