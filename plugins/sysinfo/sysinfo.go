// Package sysinfo is the builtin host metrics plugin. It contributes the
// system dashboard and periodically publishes process metrics on the bus.
package sysinfo

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/opsdeck/opsdeck/capability"
	"github.com/opsdeck/opsdeck/hook"
	"github.com/opsdeck/opsdeck/plugin"
)

// DefaultInterval is the metrics publish period.
const DefaultInterval = 30 * time.Second

// Snapshot is one metrics sample.
type Snapshot struct {
	Hostname      string    `json:"hostname"`
	GoVersion     string    `json:"go_version"`
	NumCPU        int       `json:"num_cpu"`
	NumGoroutines int       `json:"num_goroutines"`
	HeapAllocMB   float64   `json:"heap_alloc_mb"`
	HeapSysMB     float64   `json:"heap_sys_mb"`
	NumGC         uint32    `json:"num_gc"`
	Uptime        string    `json:"uptime"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Plugin samples host process metrics while enabled.
type Plugin struct {
	host     *capability.HostAPI
	interval time.Duration
	started  time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func init() {
	plugin.RegisterBuiltinFactory(func(host *capability.HostAPI) plugin.BuiltinPlugin {
		return New(host, DefaultInterval)
	})
}

// New creates the sysinfo plugin publishing every interval.
func New(host *capability.HostAPI, interval time.Duration) *Plugin {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Plugin{host: host, interval: interval}
}

func (p *Plugin) Manifest() plugin.Manifest {
	return plugin.Manifest{
		ID:          "sysinfo",
		Name:        "System Info",
		Version:     "1.0.0",
		Author:      "opsdeck",
		Description: "Host and process metrics for the system dashboard.",
		Category:    "monitoring",
		Menus: []plugin.MenuItem{
			{ID: "sysinfo", Title: "System", Icon: "activity", Path: "/system", Order: 10},
		},
		Routes: []plugin.FrontendRoute{
			{Path: "/system", Component: "SystemDashboard", Title: "System"},
		},
	}
}

func (p *Plugin) Init(context.Context) error {
	p.started = time.Now()
	return nil
}

func (p *Plugin) Start(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

func (p *Plugin) Stop(context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *Plugin) Shutdown(context.Context) error { return nil }

// Sample collects the current metrics.
func (p *Plugin) Sample() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	hostname, _ := os.Hostname()
	return Snapshot{
		Hostname:      hostname,
		GoVersion:     runtime.Version(),
		NumCPU:        runtime.NumCPU(),
		NumGoroutines: runtime.NumGoroutine(),
		HeapAllocMB:   float64(mem.HeapAlloc) / (1 << 20),
		HeapSysMB:     float64(mem.HeapSys) / (1 << 20),
		NumGC:         mem.NumGC,
		Uptime:        time.Since(p.started).Round(time.Second).String(),
		SampledAt:     time.Now().UTC(),
	}
}

func (p *Plugin) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.publish(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

func (p *Plugin) publish(ctx context.Context) {
	s := p.Sample()
	errs := p.host.Bus.Emit(ctx, hook.NewEvent(hook.EventSystemMetrics, "sysinfo", map[string]any{
		"hostname":       s.Hostname,
		"num_cpu":        s.NumCPU,
		"num_goroutines": s.NumGoroutines,
		"heap_alloc_mb":  s.HeapAllocMB,
		"heap_sys_mb":    s.HeapSysMB,
		"num_gc":         s.NumGC,
		"uptime":         s.Uptime,
	}))
	for _, err := range errs {
		p.host.Logger.Warn("metrics event handler error", "error", err)
	}
}
