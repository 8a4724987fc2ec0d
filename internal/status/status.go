// Package status serves the connector's health, status and metrics over
// HTTP.
package status

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gaspardpetit/amilink/internal/metrics"
)

// VersionInfo identifies the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

// Process holds best-effort statistics of the current process.
type Process struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	OpenFDs    int32   `json:"open_fds,omitempty"`
	Uptime     string  `json:"uptime"`
}

// State is the JSON document served on /status.
type State struct {
	Instance       string      `json:"instance"`
	Addr           string      `json:"addr"`
	Connection     string      `json:"connection"`
	Client         string      `json:"client"`
	Reconnecting   bool        `json:"reconnecting"`
	ReconnectArms  uint64      `json:"reconnect_arms"`
	ReadBytes      uint64      `json:"read_bytes"`
	SentBytes      uint64      `json:"sent_bytes"`
	MessageCount   uint64      `json:"message_count"`
	PendingActions int         `json:"pending_actions"`
	EventBacklog   int         `json:"event_backlog"`
	Version        VersionInfo `json:"version"`
	Process        *Process    `json:"process,omitempty"`
}

// Reporter is what the status surface observes.
type Reporter interface {
	// Ready reports whether the connector is logged in and subscribed.
	Ready() bool
	// Status returns a snapshot of the connector. Version and Process are
	// filled in by this package.
	Status() State
}

var (
	buildMu   sync.RWMutex
	buildInfo = VersionInfo{Version: "dev", BuildSHA: "unknown", BuildDate: "unknown"}
	started   = time.Now()
)

// SetBuildInfo records the build served on /status and exported as
// ami_build_info.
func SetBuildInfo(v, sha, date string) {
	buildMu.Lock()
	buildInfo = VersionInfo{Version: v, BuildSHA: sha, BuildDate: date}
	buildMu.Unlock()
	metrics.SetBuildInfo(v, sha, date)
}

// GetVersionInfo returns the recorded build.
func GetVersionInfo() VersionInfo {
	buildMu.RLock()
	defer buildMu.RUnlock()
	return buildInfo
}

// processStats samples the current process. Fields the platform cannot
// report are left zero; nil means the process could not be inspected.
func processStats(ctx context.Context) *Process {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil
	}
	out := &Process{PID: p.Pid, Uptime: time.Since(started).Round(time.Second).String()}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		out.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		out.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		out.Threads = n
	}
	if n, err := p.NumFDsWithContext(ctx); err == nil {
		out.OpenFDs = n
	}
	return out
}
